package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultDashboardQueue is the per-viewer send buffer. A viewer that
// falls further behind than this starts losing frames instead of
// stalling the fan-out.
const defaultDashboardQueue = 64

// DashboardSession is one connected live viewer. Viewers are not
// HMAC-authenticated; the instanceId filter is stored but every
// broadcast currently goes to all viewers.
type DashboardSession struct {
	conn        Conn
	id          string
	instanceID  string
	connectedAt time.Time

	send chan []byte
	done chan struct{}
	once sync.Once
}

// stop terminates the session's writer goroutine and closes its socket.
func (s *DashboardSession) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writeLoop drains the send queue onto the socket. A write failure
// ends the loop; the read side notices the dead socket and unregisters.
func (s *DashboardSession) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[DASH] Write to dashboard %s failed: %v", s.id, err)
				return
			}
		}
	}
}

// DashboardStatus is a snapshot of a connected viewer.
type DashboardStatus struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DashboardHub tracks viewer connections and fans data out to all of
// them. One slow or broken viewer never blocks the rest.
type DashboardHub struct {
	queueSize int

	mu       sync.Mutex
	sessions map[string]*DashboardSession
}

// NewDashboardHub creates an empty hub. queueSize <= 0 selects the
// default per-viewer buffer.
func NewDashboardHub(queueSize int) *DashboardHub {
	if queueSize <= 0 {
		queueSize = defaultDashboardQueue
	}
	return &DashboardHub{
		queueSize: queueSize,
		sessions:  make(map[string]*DashboardSession),
	}
}

// Register stores a viewer session and starts its writer goroutine.
func (h *DashboardHub) Register(conn Conn, dashboardID, instanceID string) *DashboardSession {
	s := &DashboardSession{
		conn:        conn,
		id:          dashboardID,
		instanceID:  instanceID,
		connectedAt: time.Now(),
		send:        make(chan []byte, h.queueSize),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[dashboardID] = s
	h.mu.Unlock()

	go s.writeLoop()
	log.Printf("[DASH] Dashboard %s connected (instanceId=%q)", dashboardID, instanceID)
	return s
}

// Unregister removes a viewer and stops its writer.
func (h *DashboardHub) Unregister(dashboardID string) {
	h.mu.Lock()
	s, ok := h.sessions[dashboardID]
	if ok {
		delete(h.sessions, dashboardID)
	}
	h.mu.Unlock()

	if ok {
		s.stop()
		log.Printf("[DASH] Dashboard %s disconnected", dashboardID)
	}
}

// SetInstanceFilter updates the stored instanceId for a viewer, as
// sent in a subscribe message. The filter is advisory only: broadcasts
// are not filtered by it.
func (h *DashboardHub) SetInstanceFilter(dashboardID, instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[dashboardID]; ok {
		s.instanceID = instanceID
	}
}

// BroadcastToDashboards serializes data once and enqueues it to every
// connected viewer. Per-viewer failures (full queue, dead socket) are
// logged and skipped; they never abort delivery to the rest.
func (h *DashboardHub) BroadcastToDashboards(data any) {
	msg, err := json.Marshal(data)
	if err != nil {
		log.Printf("[DASH] Encoding broadcast: %v", err)
		return
	}

	h.mu.Lock()
	sessions := make([]*DashboardSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		select {
		case s.send <- msg:
		case <-s.done:
		default:
			log.Printf("[DASH] Dashboard %s queue full, dropping frame", s.id)
		}
	}
}

// analyticsFrame is the wrapper sent for analytics broadcasts.
type analyticsFrame struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Data       any    `json:"data"`
	Timestamp  int64  `json:"timestamp"`
}

// BroadcastAnalytics wraps data as an analytics frame and sends it to
// every viewer unconditionally. The per-viewer instanceId filter is
// deliberately not consulted: the live feed is global.
func (h *DashboardHub) BroadcastAnalytics(instanceID string, data any) {
	h.BroadcastToDashboards(analyticsFrame{
		Type:       "analytics",
		InstanceID: instanceID,
		Data:       data,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// List returns snapshots of all connected viewers.
func (h *DashboardHub) List() []DashboardStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DashboardStatus, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, DashboardStatus{ID: s.id, InstanceID: s.instanceID, ConnectedAt: s.connectedAt})
	}
	return out
}

// Len returns the number of connected viewers.
func (h *DashboardHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll terminates every viewer connection, for server shutdown.
func (h *DashboardHub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*DashboardSession, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait),
		)
		s.stop()
	}
}
