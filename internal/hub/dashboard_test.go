package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestBroadcastReachesAllViewers(t *testing.T) {
	h := NewDashboardHub(8)
	v1 := &fakeConn{}
	v2 := &fakeConn{}
	h.Register(v1, "d1", "i-123")
	h.Register(v2, "d2", "i-999")
	defer h.CloseAll()

	h.BroadcastToDashboards(map[string]string{"hello": "world"})

	for i, v := range []*fakeConn{v1, v2} {
		frame := waitForFrame(t, v)
		var got map[string]string
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatal(err)
		}
		if got["hello"] != "world" {
			t.Errorf("viewer %d got %v", i+1, got)
		}
	}
}

func TestBroadcastSkipsBrokenViewer(t *testing.T) {
	h := NewDashboardHub(8)
	broken := &fakeConn{writeErr: errors.New("send buffer full")}
	healthy := &fakeConn{}
	h.Register(broken, "d1", "")
	h.Register(healthy, "d2", "")
	defer h.CloseAll()

	h.BroadcastToDashboards(map[string]int{"n": 1})

	if frame := waitForFrame(t, healthy); frame == nil {
		t.Fatal("healthy viewer must still receive the broadcast")
	}
}

func TestAnalyticsFrameIsUnfiltered(t *testing.T) {
	h := NewDashboardHub(8)
	v1 := &fakeConn{}
	v2 := &fakeConn{}
	h.Register(v1, "d1", "i-123")
	h.Register(v2, "d2", "i-999")
	defer h.CloseAll()

	h.BroadcastAnalytics("i-123", map[string]int{"foo": 1})

	// Both viewers receive the frame, regardless of their stored
	// instanceId filter.
	for _, v := range []*fakeConn{v1, v2} {
		frame := waitForFrame(t, v)
		var got struct {
			Type       string         `json:"type"`
			InstanceID string         `json:"instanceId"`
			Data       map[string]int `json:"data"`
			Timestamp  int64          `json:"timestamp"`
		}
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != "analytics" || got.InstanceID != "i-123" {
			t.Errorf("frame = %+v", got)
		}
		if got.Data["foo"] != 1 {
			t.Errorf("data = %v", got.Data)
		}
		if got.Timestamp == 0 {
			t.Error("expected a timestamp")
		}
	}
}

func TestFullQueueDropsFrameInsteadOfBlocking(t *testing.T) {
	h := NewDashboardHub(1)
	// The viewer's writer goroutine is stalled by never starting it:
	// register manually so writeLoop is not running.
	stuck := &DashboardSession{
		conn: &fakeConn{},
		id:   "d1",
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions["d1"] = stuck
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.BroadcastToDashboards("one")
		h.BroadcastToDashboards("two") // queue already full, must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow viewer")
	}
}

func TestSetInstanceFilter(t *testing.T) {
	h := NewDashboardHub(8)
	v := &fakeConn{}
	h.Register(v, "d1", "")
	defer h.CloseAll()

	h.SetInstanceFilter("d1", "i-777")

	list := h.List()
	if len(list) != 1 || list[0].InstanceID != "i-777" {
		t.Fatalf("list = %+v, want stored filter i-777", list)
	}
}

func TestUnregister(t *testing.T) {
	h := NewDashboardHub(8)
	h.Register(&fakeConn{}, "d1", "")
	h.Unregister("d1")

	if h.Len() != 0 {
		t.Fatalf("Len = %d, want 0", h.Len())
	}
	// Unregistering twice is harmless.
	h.Unregister("d1")
}
