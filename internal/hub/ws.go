package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 64 * 1024
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
)

// Server exposes the hub's two websocket endpoints: the authenticated
// agent channel and the unauthenticated dashboard channel.
type Server struct {
	dispatcher *Dispatcher
	registry   *Registry
	dashboards *DashboardHub
	upgrader   websocket.Upgrader
}

// NewServer wires the endpoint handlers to the hub components.
func NewServer(dispatcher *Dispatcher, registry *Registry, dashboards *DashboardHub) *Server {
	return &Server{
		dispatcher: dispatcher,
		registry:   registry,
		dashboards: dashboards,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleAgent upgrades an agent connection and feeds every frame
// through the dispatcher pipeline. The socket carries no identity until
// its first envelope verifies; the dispatcher registers it then.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HUB] Agent upgrade failed: %v", err)
		return
	}

	done := make(chan struct{})
	go pingLoop(conn, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := r.Context()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[HUB] Agent read error: %v", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatcher.HandleMessage(ctx, conn, message)
	}

	close(done)
	conn.Close()
	s.registry.Remove(conn)
}

// subscribeMessage is the client frame accepted on the dashboard
// channel to set or change the viewer's instanceId filter.
type subscribeMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
}

// HandleDashboard upgrades a viewer connection and registers it with
// the broadcast hub. The instanceId query parameter seeds the stored
// filter; subscribe messages may change it later.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[DASH] Dashboard upgrade failed: %v", err)
		return
	}

	dashboardID := uuid.NewString()
	instanceID := r.URL.Query().Get("instanceId")
	s.dashboards.Register(conn, dashboardID, instanceID)

	done := make(chan struct{})
	go pingLoop(conn, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var sub subscribeMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			log.Printf("[DASH] Invalid frame from dashboard %s: %v", dashboardID, err)
			continue
		}
		if sub.Type == "subscribe" {
			s.dashboards.SetInstanceFilter(dashboardID, sub.InstanceID)
		}
	}

	close(done)
	s.dashboards.Unregister(dashboardID)
}

// pingLoop sends periodic pings to keep the connection alive.
func pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(writeWait),
			); err != nil {
				return
			}
		}
	}
}
