// Package notify dispatches agent lifecycle alerts to configured
// Shoutrrr destinations.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"hostwarden/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// DefaultCooldown is the minimum gap between repeated alerts for the
// same (destination, event type, agent) triple.
const DefaultCooldown = 5 * time.Minute

// Dispatcher subscribes to the event bus and forwards matching events
// to every configured destination. Events are queued through a buffered
// channel and sent from a single worker goroutine so slow services
// never stall bus publishers.
type Dispatcher struct {
	bus      *events.Bus
	sender   Sender
	urls     []string
	minSev   events.Severity
	cooldown time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given destinations. Events
// below minSev are ignored. A nil sender selects Shoutrrr.
func NewDispatcher(bus *events.Bus, urls []string, minSev events.Severity, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		bus:      bus,
		sender:   sender,
		urls:     urls,
		minSev:   minSev,
		cooldown: DefaultCooldown,
		lastSent: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// SetCooldown overrides the per-(url,event,agent) cooldown.
func (d *Dispatcher) SetCooldown(cd time.Duration) {
	d.cooldown = cd
}

// Start subscribes to lifecycle events and begins dispatching. A no-op
// when no destinations are configured.
func (d *Dispatcher) Start() {
	if len(d.urls) == 0 {
		log.Println("[NOTIFY] No destinations configured, alerts disabled")
		return
	}

	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("[NOTIFY] Event queue full, dropping %s event", e.Type)
		}
	}, events.AgentConnected, events.AgentDisconnected, events.AgentStale)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// handle delivers a single event to every destination, enforcing the
// severity floor and cooldown per destination.
func (d *Dispatcher) handle(e events.Event) {
	if e.Severity < d.minSev {
		return
	}

	msg := formatMessage(e)
	for _, url := range d.urls {
		if !d.cooldownAllows(url, e) {
			continue
		}
		if err := d.sender.Send(url, msg); err != nil {
			log.Printf("[NOTIFY] Send for %s event failed: %v", e.Type, err)
		}
	}
}

// cooldownAllows checks and stamps the last dispatch time for the
// (url, event type, agent) triple.
func (d *Dispatcher) cooldownAllows(url string, e events.Event) bool {
	if d.cooldown <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s:%s", url, e.Type, e.AgentID)

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	if e.Hostname != "" {
		return fmt.Sprintf("[%s] [%s] %s", e.Severity, e.Hostname, e.Message)
	}
	if e.AgentID != "" {
		return fmt.Sprintf("[%s] [%s] %s", e.Severity, e.AgentID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.Message)
}
