// Package protocol implements the signed envelope format exchanged
// between the control plane and remote agents.
package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types carried in Envelope.Type.
const (
	TypeAuth          = "auth"
	TypeMetrics       = "metrics"
	TypeLog           = "log"
	TypeCommand       = "command"
	TypeCommandResult = "command_result"
	TypeHeartbeat     = "heartbeat"
)

// DefaultMaxAge is the accepted envelope age window.
const DefaultMaxAge = 5 * time.Minute

// Envelope is the wire message. Signature is a lowercase hex
// HMAC-SHA256 over the JSON encoding of the five other fields in
// declaration order. Sender and receiver must produce byte-identical
// encodings, which json.Marshal guarantees as long as both sides go
// through this package.
type Envelope struct {
	Type      string          `json:"type"`
	AgentID   string          `json:"agentId"`
	TS        int64           `json:"ts"` // epoch milliseconds
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// signingView is the envelope minus its signature, in signed field order.
type signingView struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId"`
	TS      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
	Payload json.RawMessage `json:"payload"`
}

// Sign computes the envelope signature with the shared secret.
// The Signature field of e is ignored.
func Sign(e Envelope, secret string) (string, error) {
	body, err := json.Marshal(signingView{
		Type:    e.Type,
		AgentID: e.AgentID,
		TS:      e.TS,
		Nonce:   e.Nonce,
		Payload: e.Payload,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature over all fields except Signature and
// compares it in constant time. Returns false on malformed input,
// never an error.
func Verify(e Envelope, secret string) bool {
	want, err := Sign(e, secret)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	wantRaw, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	return hmac.Equal(got, wantRaw)
}

// ValidTimestamp reports whether ts (epoch ms) falls inside the accepted
// window: not in the future and no older than maxAge.
func ValidTimestamp(ts int64, maxAge time.Duration) bool {
	age := time.Now().UnixMilli() - ts
	return age >= 0 && age <= maxAge.Milliseconds()
}

// NewNonce returns a fresh random token for an outbound envelope.
// Nonces are signed but not tracked for uniqueness on receipt; replay
// defense rests on the timestamp window alone.
func NewNonce() string {
	return uuid.NewString()
}

// NewEnvelope builds and signs an outbound envelope with the current
// time and a fresh nonce.
func NewEnvelope(msgType, agentID string, payload any, secret string) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := Envelope{
		Type:    msgType,
		AgentID: agentID,
		TS:      time.Now().UnixMilli(),
		Nonce:   NewNonce(),
		Payload: raw,
	}
	sig, err := Sign(e, secret)
	if err != nil {
		return nil, err
	}
	e.Signature = sig
	return &e, nil
}
