// Package store provides durable session and message persistence over
// sqlite, with filesystem-path admission on every cwd that enters it.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	// Pure-Go sqlite driver, registered for database/sql.
	_ "modernc.org/sqlite"

	"github.com/agenthall/agenthall/internal/logging"
	"github.com/agenthall/agenthall/internal/pathguard"
	"github.com/agenthall/agenthall/pkg/types"
)

// ErrNotFound is returned when a session id has no row.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	status          TEXT NOT NULL,
	cwd             TEXT NOT NULL DEFAULT '',
	allowed_tools   TEXT NOT NULL DEFAULT '',
	last_prompt     TEXT NOT NULL DEFAULT '',
	resume_token    TEXT NOT NULL DEFAULT '',
	provider_id     TEXT NOT NULL DEFAULT '',
	permission_mode TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// Store owns the session database. Session rows are mutated only through
// its API; in-memory per-session state (pending permissions, abort
// handles) lives elsewhere and is never persisted.
type Store struct {
	db    *sql.DB
	guard *pathguard.Guard
}

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	Title          string
	Cwd            string
	AllowedTools   string
	LastPrompt     string
	ProviderID     string
	PermissionMode types.PermissionMode
}

// Open opens (creating if needed) the database at path and eagerly
// re-validates every stored cwd: a session whose directory no longer
// admits is marked errored with the cwd cleared, so the engine can never
// receive an unvalidated working directory.
func Open(path string, guard *pathguard.Guard) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// modernc's driver serializes writes itself but a single connection
	// avoids SQLITE_BUSY on concurrent readers mid-write.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{db: db, guard: guard}
	if err := s.revalidateCwds(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// revalidateCwds marks sessions whose stored cwd no longer passes
// admission. Invalid rows are errored and cleared, never dropped, and a
// single summary is logged.
func (s *Store) revalidateCwds() error {
	rows, err := s.db.Query(`SELECT id, cwd FROM sessions WHERE cwd != ''`)
	if err != nil {
		return fmt.Errorf("scanning session cwds: %w", err)
	}
	defer rows.Close()

	var invalid []string
	for rows.Next() {
		var id, cwd string
		if err := rows.Scan(&id, &cwd); err != nil {
			return err
		}
		if _, err := s.guard.Sanitize(cwd); err != nil {
			invalid = append(invalid, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range invalid {
		if _, err := s.db.Exec(
			`UPDATE sessions SET status = ?, cwd = '', updated_at = ? WHERE id = ?`,
			types.StatusError, now(), id,
		); err != nil {
			return fmt.Errorf("clearing invalid cwd for session %s: %w", id, err)
		}
	}
	if len(invalid) > 0 {
		logging.Warn().Int("count", len(invalid)).Msg("cleared sessions whose working directory no longer validates")
	}
	return nil
}

// CreateSession validates the cwd (when present) and inserts a new idle
// session.
func (s *Store) CreateSession(params CreateParams) (*types.Session, error) {
	cwd := ""
	if params.Cwd != "" {
		resolved, err := s.guard.Sanitize(params.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = resolved
	}

	mode := params.PermissionMode
	if mode == "" {
		mode = types.ModeSecure
	}
	title := params.Title
	if title == "" {
		title = "New Session"
	}

	ts := now()
	session := &types.Session{
		ID:             uuid.NewString(),
		Title:          title,
		Status:         types.StatusIdle,
		Cwd:            cwd,
		AllowedTools:   params.AllowedTools,
		LastPrompt:     params.LastPrompt,
		ProviderID:     params.ProviderID,
		PermissionMode: mode,
		Time:           types.SessionTime{Created: ts, Updated: ts},
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, status, cwd, allowed_tools, last_prompt,
			resume_token, provider_id, permission_mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, session.Status, session.Cwd, session.AllowedTools,
		session.LastPrompt, session.ResumeToken, session.ProviderID,
		session.PermissionMode, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return session, nil
}

const sessionColumns = `id, title, status, cwd, allowed_tools, last_prompt,
	resume_token, provider_id, permission_mode, created_at, updated_at`

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*types.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by recency.
func (s *Store) ListSessions() ([]*types.Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ListRecentCwds returns up to limit distinct working directories in
// most-recently-used order.
func (s *Store) ListRecentCwds(limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT cwd FROM sessions WHERE cwd != ''
		GROUP BY cwd ORDER BY MAX(updated_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent cwds: %w", err)
	}
	defer rows.Close()

	var cwds []string
	for rows.Next() {
		var cwd string
		if err := rows.Scan(&cwd); err != nil {
			return nil, err
		}
		cwds = append(cwds, cwd)
	}
	return cwds, rows.Err()
}

// UpdateSession applies a partial update. A patched cwd is re-validated
// before anything is written. The read-modify-write is not transactional:
// it relies on the runner being the only writer while a session has an
// active run, so two concurrent patches to one session never race.
func (s *Store) UpdateSession(id string, patch types.SessionPatch) (*types.Session, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	if patch.Cwd != nil {
		if *patch.Cwd == "" {
			session.Cwd = ""
		} else {
			resolved, err := s.guard.Sanitize(*patch.Cwd)
			if err != nil {
				return nil, err
			}
			session.Cwd = resolved
		}
	}
	if patch.Title != nil {
		session.Title = *patch.Title
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.AllowedTools != nil {
		session.AllowedTools = *patch.AllowedTools
	}
	if patch.LastPrompt != nil {
		session.LastPrompt = *patch.LastPrompt
	}
	if patch.ResumeToken != nil {
		session.ResumeToken = *patch.ResumeToken
	}
	if patch.ProviderID != nil {
		session.ProviderID = *patch.ProviderID
	}
	if patch.PermissionMode != nil {
		session.PermissionMode = *patch.PermissionMode
	}
	session.Time.Updated = now()

	_, err = s.db.Exec(`
		UPDATE sessions SET title = ?, status = ?, cwd = ?, allowed_tools = ?,
			last_prompt = ?, resume_token = ?, provider_id = ?,
			permission_mode = ?, updated_at = ?
		WHERE id = ?`,
		session.Title, session.Status, session.Cwd, session.AllowedTools,
		session.LastPrompt, session.ResumeToken, session.ProviderID,
		session.PermissionMode, session.Time.Updated, id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	return session, nil
}

// RecordMessage appends a message to a session's log. The insert is
// idempotent on the message id: a replayed message is a no-op. A missing
// id gets a generated one.
func (s *Store) RecordMessage(sessionID string, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if !json.Valid(msg.Payload) {
		return fmt.Errorf("message payload is not well-formed JSON")
	}
	msg.SessionID = sessionID
	if msg.Time.Created == 0 {
		msg.Time.Created = now()
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, session_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Payload), msg.Time.Created,
	)
	if err != nil {
		return fmt.Errorf("recording message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, now(), sessionID); err != nil {
			return fmt.Errorf("touching session: %w", err)
		}
	}
	return nil
}

// GetSessionHistory returns a session with its ordered message log.
// Malformed message rows are skipped and logged with their index rather
// than aborting the load.
func (s *Store) GetSessionHistory(id string) (*types.SessionHistory, error) {
	session, err := s.GetSession(id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, payload, created_at FROM messages
		WHERE session_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer rows.Close()

	history := &types.SessionHistory{Session: session}
	index := -1
	for rows.Next() {
		index++
		var msgID, payload string
		var created int64
		if err := rows.Scan(&msgID, &payload, &created); err != nil {
			return nil, err
		}
		if !json.Valid([]byte(payload)) {
			logging.Warn().Str("sessionID", id).Int("index", index).Msg("skipping malformed message row")
			continue
		}
		history.Messages = append(history.Messages, &types.Message{
			ID:        msgID,
			SessionID: id,
			Payload:   json.RawMessage(payload),
			Time:      types.MessageTime{Created: created},
		})
	}
	return history, rows.Err()
}

// DeleteSession removes a session; its messages cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	err := row.Scan(&s.ID, &s.Title, &s.Status, &s.Cwd, &s.AllowedTools,
		&s.LastPrompt, &s.ResumeToken, &s.ProviderID, &s.PermissionMode,
		&s.Time.Created, &s.Time.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func now() int64 {
	return time.Now().UnixMilli()
}
