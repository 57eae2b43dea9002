package db

import (
	"database/sql"

	"github.com/fernlab-dev/agentgateway/log"
)

func init() {
	RegisterMigration(Migration{
		Version:     13,
		Description: "gateway: sessions, messages, session_events, workspaces, credentials",
		Up:          migration013_gateway,
	})
}

func migration013_gateway(db *sql.DB) error {
	log.Info().Msg("creating gateway session/credential tables")

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			backend_kind TEXT NOT NULL,
			backend_id TEXT,
			status TEXT NOT NULL,
			config_snapshot TEXT NOT NULL,
			working_dir TEXT,
			created_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			repo_path TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_agents (
			workspace_id TEXT NOT NULL,
			agent_session_id TEXT NOT NULL,
			PRIMARY KEY (workspace_id, agent_session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			provider_key TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			salt BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
