// Package hub is the agent communication hub: it tracks live agent
// sessions, authenticates and dispatches inbound envelopes, delivers
// signed commands, and fans live data out to dashboard viewers.
package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// Close reasons sent with websocket close frames.
const (
	ReasonReplaced         = "replaced_by_new_connection"
	ReasonInvalidJSON      = "invalid_json"
	ReasonUnknownAgent     = "unknown_agent"
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidTimestamp = "invalid_timestamp"
)

// writeWait bounds every outbound write, control frames included.
const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the hub touches. Sockets are
// borrowed references: the hub only sends and closes, it never reads.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// closeConn sends a close frame with the given code and reason, then
// tears the connection down. Best effort on both steps.
func closeConn(c Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.Close()
}
