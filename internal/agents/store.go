package agents

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store accesses the agent registry. It also serves as the hub's secret
// provider: disabled or unknown agents resolve as absent.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Provision inserts a new agent record with a fresh id and secret and
// returns it. The secret appears in this return value exactly once; it
// is never included in later lookups.
func (s *Store) Provision(hostname string) (*Agent, error) {
	raw := make([]byte, 32)
	rand.Read(raw)
	secret := hex.EncodeToString(raw)
	agentID := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO agent_registry (agent_id, hostname, secret, created_at)
		VALUES (?, ?, ?, ?)
	`, agentID, hostname, secret, now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}

	return &Agent{
		AgentID:   agentID,
		Hostname:  hostname,
		Secret:    secret,
		Enabled:   true,
		CreatedAt: now,
	}, nil
}

// Get retrieves an agent by id. Returns nil if not found.
func (s *Store) Get(agentID string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, hostname, enabled, created_at, last_connected_at
		FROM agent_registry WHERE agent_id = ?
	`, agentID)

	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// List returns all provisioned agents ordered by hostname.
func (s *Store) List() ([]Agent, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, hostname, enabled, created_at, last_connected_at
		FROM agent_registry ORDER BY hostname
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetEnabled toggles whether an agent can authenticate.
func (s *Store) SetEnabled(agentID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	_, err := s.db.Exec("UPDATE agent_registry SET enabled = ? WHERE agent_id = ?", val, agentID)
	return err
}

// Delete removes an agent record. Its secret stops resolving, so any
// live connection fails verification on its next message.
func (s *Store) Delete(agentID string) error {
	_, err := s.db.Exec("DELETE FROM agent_registry WHERE agent_id = ?", agentID)
	return err
}

// TouchLastConnected stamps last_connected_at to now (UTC).
func (s *Store) TouchLastConnected(agentID string) error {
	_, err := s.db.Exec(
		"UPDATE agent_registry SET last_connected_at = ? WHERE agent_id = ?",
		time.Now().UTC().Format(timeFormat), agentID,
	)
	return err
}

// AgentSecret resolves the shared secret for agentID. Missing and
// disabled agents both resolve as absent, not as errors.
func (s *Store) AgentSecret(ctx context.Context, agentID string) (string, bool, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `
		SELECT secret FROM agent_registry WHERE agent_id = ? AND enabled = 1
	`, agentID).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve secret for %s: %w", agentID, err)
	}
	return secret, true, nil
}

func scanAgent(scan func(...any) error) (*Agent, error) {
	var a Agent
	var enabled int
	var createdAt string
	var lastConnectedAt sql.NullString

	if err := scan(&a.AgentID, &a.Hostname, &enabled, &createdAt, &lastConnectedAt); err != nil {
		return nil, err
	}

	a.Enabled = enabled == 1
	a.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if lastConnectedAt.Valid {
		t, _ := time.Parse(timeFormat, lastConnectedAt.String)
		a.LastConnectedAt = &t
	}
	return &a, nil
}
