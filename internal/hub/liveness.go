package hub

import (
	"fmt"
	"sync"
	"time"

	"hostwarden/internal/events"
)

// LivenessMonitor watches lastSeen across live sessions and raises
// AgentStale when an agent goes quiet past the threshold. It is
// advisory only: the registry never evicts on staleness, and the
// monitor never closes sockets.
type LivenessMonitor struct {
	registry  *Registry
	bus       *events.Bus
	threshold time.Duration
	interval  time.Duration

	stale  map[string]bool // agents already flagged this episode
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLivenessMonitor creates a monitor that scans every interval and
// flags sessions idle longer than threshold.
func NewLivenessMonitor(registry *Registry, bus *events.Bus, threshold, interval time.Duration) *LivenessMonitor {
	return &LivenessMonitor{
		registry:  registry,
		bus:       bus,
		threshold: threshold,
		interval:  interval,
		stale:     make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic scanning in a background goroutine.
func (m *LivenessMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Scan()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts scanning and waits for the goroutine to finish.
func (m *LivenessMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Scan flags newly stale sessions exactly once per stale episode. A
// session that goes quiet, is flagged, and then reports again becomes
// eligible for flagging anew.
func (m *LivenessMonitor) Scan() {
	now := time.Now()
	live := make(map[string]bool)

	for _, s := range m.registry.List() {
		live[s.AgentID] = true
		if now.Sub(s.LastSeen) <= m.threshold {
			delete(m.stale, s.AgentID)
			continue
		}
		if m.stale[s.AgentID] {
			continue
		}
		m.stale[s.AgentID] = true
		m.bus.Publish(events.Event{
			Type:     events.AgentStale,
			Severity: events.SeverityWarning,
			AgentID:  s.AgentID,
			Hostname: s.Hostname,
			Message:  fmt.Sprintf("agent silent for more than %s (last seen %s)", m.threshold, s.LastSeen.Format(time.RFC3339)),
		})
	}

	// Forget flags for agents that disconnected entirely.
	for id := range m.stale {
		if !live[id] {
			delete(m.stale, id)
		}
	}
}
