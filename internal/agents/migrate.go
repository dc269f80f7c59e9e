package agents

import (
	"database/sql"
	"fmt"
	"log"
)

// Migrate creates the agent registry tables.
func Migrate(db *sql.DB) error {
	log.Println("[AGENTS] Running migration: agent registry schema")

	statements := []struct {
		label string
		sql   string
	}{
		{"agent_registry", `
			CREATE TABLE IF NOT EXISTS agent_registry (
				agent_id           TEXT    PRIMARY KEY,
				hostname           TEXT    NOT NULL,
				secret             TEXT    NOT NULL,
				enabled            INTEGER DEFAULT 1,
				created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
				last_connected_at  DATETIME
			);`},
		{"agent_registry indexes", `
			CREATE INDEX IF NOT EXISTS idx_agents_hostname ON agent_registry(hostname);
			CREATE INDEX IF NOT EXISTS idx_agents_enabled  ON agent_registry(enabled);`},
	}

	for _, s := range statements {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", s.label, err)
		}
	}

	log.Println("[AGENTS] Migration completed: agent registry ready")
	return nil
}
