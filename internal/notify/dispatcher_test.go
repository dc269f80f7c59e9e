package notify

import (
	"sync"
	"testing"
	"time"

	"hostwarden/internal/events"
)

// fakeSender records every dispatched message.
type fakeSender struct {
	mu    sync.Mutex
	calls []sentMessage
}

type sentMessage struct {
	URL     string
	Message string
}

func (f *fakeSender) Send(url, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentMessage{URL: url, Message: message})
	return nil
}

func (f *fakeSender) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestDispatchesLifecycleEvents(t *testing.T) {
	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(bus, []string{"logger://"}, events.SeverityInfo, sender)
	d.Start()

	bus.Publish(events.Event{
		Type:     events.AgentDisconnected,
		AgentID:  "a1",
		Hostname: "web-01",
		Message:  "agent disconnected",
	})
	d.Stop()

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].URL != "logger://" {
		t.Errorf("URL = %q", sent[0].URL)
	}
	if want := "[info] [web-01] agent disconnected"; sent[0].Message != want {
		t.Errorf("Message = %q, want %q", sent[0].Message, want)
	}
}

func TestSeverityFloor(t *testing.T) {
	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(bus, []string{"logger://"}, events.SeverityWarning, sender)
	d.Start()

	bus.Publish(events.Event{Type: events.AgentConnected, AgentID: "a1", Message: "agent connected"})
	bus.Publish(events.Event{
		Type:     events.AgentStale,
		Severity: events.SeverityWarning,
		AgentID:  "a1",
		Message:  "agent silent",
	})
	d.Stop()

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want only the warning", len(sent))
	}
}

func TestIgnoresTrafficEvents(t *testing.T) {
	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(bus, []string{"logger://"}, events.SeverityInfo, sender)
	d.Start()

	bus.Publish(events.Event{Type: events.MetricsReceived, AgentID: "a1", Message: "metrics received"})
	bus.Publish(events.Event{Type: events.HeartbeatReceived, AgentID: "a1", Message: "heartbeat"})
	d.Stop()

	if sent := sender.sent(); len(sent) != 0 {
		t.Fatalf("sent %d messages, want 0 for traffic events", len(sent))
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(bus, []string{"logger://"}, events.SeverityInfo, sender)
	d.SetCooldown(time.Hour)
	d.Start()

	evt := events.Event{Type: events.AgentDisconnected, AgentID: "a1", Message: "agent disconnected"}
	bus.Publish(evt)
	bus.Publish(evt)

	// A different agent is not subject to a1's cooldown.
	bus.Publish(events.Event{Type: events.AgentDisconnected, AgentID: "a2", Message: "agent disconnected"})
	d.Stop()

	if sent := sender.sent(); len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (one per agent)", len(sent))
	}
}

func TestFanOutToMultipleDestinations(t *testing.T) {
	bus := events.NewBus()
	sender := &fakeSender{}
	d := NewDispatcher(bus, []string{"logger://", "gotify://example/token"}, events.SeverityInfo, sender)
	d.Start()

	bus.Publish(events.Event{Type: events.AgentConnected, AgentID: "a1", Message: "agent connected"})
	d.Stop()

	if sent := sender.sent(); len(sent) != 2 {
		t.Fatalf("sent %d messages, want one per destination", len(sent))
	}
}
