// Package persistence implements session.Persistence over the sqlite
// tables the gateway migration adds to db/, following the
// Select/SelectOne/Run query-helper style the teacher's db package uses
// for every other table (claude_sessions.go, pins.go).
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fernlab-dev/agentgateway/db"
	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// Store implements gwsession.Persistence plus the ListResumable extension
// SessionManager type-asserts for.
type Store struct{}

func New() *Store { return &Store{} }

func (s *Store) RecordEvent(sessionID string, eventType gwsession.EventType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("null")
	}
	_, err = db.Run(
		`INSERT INTO session_events (session_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(eventType), string(body), db.NowMs(),
	)
	return err
}

func (s *Store) RecordTranscript(sessionID, role, content string) error {
	_, err := db.Run(
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, role, content, db.NowMs(),
	)
	return err
}

func (s *Store) UpsertResumable(rec gwsession.ResumableRecord) error {
	cfg, err := json.Marshal(rec.ConfigSnapshot)
	if err != nil {
		return err
	}
	now := db.NowMs()
	_, err = db.Run(
		`INSERT INTO sessions (id, backend_kind, backend_id, status, config_snapshot, working_dir, created_at, last_activity_at)
		 VALUES (?, ?, ?, 'Idle', ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   backend_id = excluded.backend_id,
		   status = excluded.status,
		   config_snapshot = excluded.config_snapshot,
		   working_dir = excluded.working_dir,
		   last_activity_at = excluded.last_activity_at`,
		rec.SessionID, string(rec.BackendKind), rec.BackendID, string(cfg), rec.WorkingDir, now, now,
	)
	return err
}

func (s *Store) MarkTerminated(sessionID string) error {
	_, err := db.Run(
		`UPDATE sessions SET status = 'Terminated', last_activity_at = ? WHERE id = ?`,
		db.NowMs(), sessionID,
	)
	return err
}

// ListResumable returns every session persisted as Idle with a non-nil
// backend id, spec.md §4.5.
func (s *Store) ListResumable(ctx context.Context) ([]gwsession.ResumableRecord, error) {
	return db.Select(
		`SELECT id, backend_kind, backend_id, config_snapshot, working_dir
		 FROM sessions WHERE status = 'Idle' AND backend_id IS NOT NULL AND backend_id != ''`,
		nil,
		func(rows *sql.Rows) (gwsession.ResumableRecord, error) {
			var rec gwsession.ResumableRecord
			var backendKind, cfgJSON, workingDir string
			var backendID sql.NullString
			if err := rows.Scan(&rec.SessionID, &backendKind, &backendID, &cfgJSON, &workingDir); err != nil {
				return rec, err
			}
			rec.BackendKind = gwsession.BackendKind(backendKind)
			rec.BackendID = backendID.String
			rec.WorkingDir = workingDir
			_ = json.Unmarshal([]byte(cfgJSON), &rec.ConfigSnapshot)
			return rec, nil
		},
	)
}

// MarkAllIdle transitions every non-terminated persisted session to Idle,
// spec.md §4.5's restart invariant: no session remains in-memory active
// across a restart.
func (s *Store) MarkAllIdle(ctx context.Context) error {
	_, err := db.Run(
		`UPDATE sessions SET status = 'Idle', last_activity_at = ? WHERE status NOT IN ('Idle', 'Terminated')`,
		db.NowMs(),
	)
	return err
}

// Workspace is a row of the `workspaces` table, spec.md §6.
type Workspace struct {
	ID        string
	RepoPath  string
	CreatedAt int64
}

func (s *Store) CreateWorkspace(repoPath string) (Workspace, error) {
	ws := Workspace{ID: uuid.NewString(), RepoPath: repoPath, CreatedAt: db.NowMs()}
	_, err := db.Run(
		`INSERT INTO workspaces (id, repo_path, created_at) VALUES (?, ?, ?)`,
		ws.ID, ws.RepoPath, ws.CreatedAt,
	)
	return ws, err
}

func (s *Store) ListWorkspaces() ([]Workspace, error) {
	return db.Select(
		`SELECT id, repo_path, created_at FROM workspaces ORDER BY created_at DESC`,
		nil,
		func(rows *sql.Rows) (Workspace, error) {
			var ws Workspace
			err := rows.Scan(&ws.ID, &ws.RepoPath, &ws.CreatedAt)
			return ws, err
		},
	)
}

func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	return db.SelectOne(
		`SELECT id, repo_path, created_at FROM workspaces WHERE id = ?`,
		[]db.QueryParam{id},
		func(r *sql.Row) (Workspace, error) {
			var ws Workspace
			err := r.Scan(&ws.ID, &ws.RepoPath, &ws.CreatedAt)
			return ws, err
		},
	)
}

func (s *Store) DeleteWorkspace(id string) error {
	_, err := db.Run(`DELETE FROM workspaces WHERE id = ?`, id)
	return err
}

func (s *Store) LinkWorkspaceAgent(workspaceID, agentSessionID string) error {
	_, err := db.Run(
		`INSERT OR IGNORE INTO workspace_agents (workspace_id, agent_session_id) VALUES (?, ?)`,
		workspaceID, agentSessionID,
	)
	return err
}

func (s *Store) UnlinkWorkspaceAgent(workspaceID, agentSessionID string) error {
	_, err := db.Run(
		`DELETE FROM workspace_agents WHERE workspace_id = ? AND agent_session_id = ?`,
		workspaceID, agentSessionID,
	)
	return err
}

func (s *Store) ListWorkspaceAgents(workspaceID string) ([]string, error) {
	return db.Select(
		`SELECT agent_session_id FROM workspace_agents WHERE workspace_id = ?`,
		[]db.QueryParam{workspaceID},
		func(rows *sql.Rows) (string, error) {
			var id string
			err := rows.Scan(&id)
			return id, err
		},
	)
}
