package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"hostwarden/internal/events"
	"hostwarden/internal/protocol"
)

func TestSendCommandToDisconnectedAgent(t *testing.T) {
	registry := NewRegistry(events.NewBus())
	c := NewCommandChannel(registry, mapSecrets{"a1": "s3cret"})

	if c.SendCommand(context.Background(), "a1", "restart", nil) {
		t.Fatal("SendCommand must report false for a disconnected agent")
	}
}

func TestSendCommandWithoutSecret(t *testing.T) {
	registry := NewRegistry(events.NewBus())
	registry.Register(&fakeConn{}, "a1", "h1", "1.0")
	c := NewCommandChannel(registry, mapSecrets{})

	if c.SendCommand(context.Background(), "a1", "restart", nil) {
		t.Fatal("SendCommand must report false when the secret is absent")
	}
}

func TestSendCommandDeliversSignedEnvelope(t *testing.T) {
	registry := NewRegistry(events.NewBus())
	conn := &fakeConn{}
	registry.Register(conn, "a1", "h1", "1.0")
	c := NewCommandChannel(registry, mapSecrets{"a1": "s3cret"})

	args := map[string]string{"service": "nginx"}
	if !c.SendCommand(context.Background(), "a1", "restart", args) {
		t.Fatal("expected delivery to be attempted")
	}

	frames := conn.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}

	var env protocol.Envelope
	if err := json.Unmarshal(frames[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeCommand || env.AgentID != "a1" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Nonce == "" || env.TS == 0 {
		t.Error("expected a fresh nonce and timestamp")
	}
	if !protocol.Verify(env, "s3cret") {
		t.Error("the agent must be able to verify the command envelope")
	}

	var p protocol.CommandPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Command != "restart" || p.Args["service"] != "nginx" {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendCommandFailedWrite(t *testing.T) {
	registry := NewRegistry(events.NewBus())
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	registry.Register(conn, "a1", "h1", "1.0")
	c := NewCommandChannel(registry, mapSecrets{"a1": "s3cret"})

	if c.SendCommand(context.Background(), "a1", "restart", nil) {
		t.Fatal("a failed socket write must report false, not panic")
	}
}
