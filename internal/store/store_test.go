package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthall/agenthall/internal/pathguard"
	"github.com/agenthall/agenthall/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"), pathguard.New(time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// touch forces a session's updated_at so recency ordering is deterministic
// regardless of clock resolution.
func touch(t *testing.T, s *Store, id string, at int64) {
	t.Helper()
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, at, id)
	require.NoError(t, err)
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	cwd := t.TempDir()

	created, err := s.CreateSession(CreateParams{Title: "build", Cwd: cwd})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.StatusIdle, created.Status)
	assert.Equal(t, types.ModeSecure, created.PermissionMode)
	assert.NotZero(t, created.Time.Created)

	got, err := s.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "build", got.Title)
	// The stored cwd is the resolved path, which may differ from the raw
	// input on platforms where TempDir sits behind a symlink.
	resolved, err := filepath.EvalSymlinks(cwd)
	require.NoError(t, err)
	assert.Equal(t, resolved, got.Cwd)
}

func TestCreateSessionDefaults(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)
	assert.Equal(t, "New Session", created.Title)
	assert.Empty(t, created.Cwd)
}

func TestCreateSessionRejectsBadCwd(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateSession(CreateParams{Cwd: "/does/not/exist"})
	assert.Error(t, err)

	_, err = s.CreateSession(CreateParams{Cwd: "/tmp/foo;rm -rf /"})
	assert.Error(t, err)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	assert.Empty(t, sessions, "rejected creates must not leave rows behind")
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsRecencyOrder(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateSession(CreateParams{Title: "first"})
	require.NoError(t, err)
	second, err := s.CreateSession(CreateParams{Title: "second"})
	require.NoError(t, err)
	third, err := s.CreateSession(CreateParams{Title: "third"})
	require.NoError(t, err)

	touch(t, s, first.ID, 100)
	touch(t, s, second.ID, 300)
	touch(t, s, third.ID, 200)

	sessions, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, third.ID, sessions[1].ID)
	assert.Equal(t, first.ID, sessions[2].ID)
}

func TestListRecentCwds(t *testing.T) {
	s := newTestStore(t)
	dirA := t.TempDir()
	dirB := t.TempDir()

	a1, err := s.CreateSession(CreateParams{Cwd: dirA})
	require.NoError(t, err)
	b, err := s.CreateSession(CreateParams{Cwd: dirB})
	require.NoError(t, err)
	a2, err := s.CreateSession(CreateParams{Cwd: dirA})
	require.NoError(t, err)
	noCwd, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)

	touch(t, s, a1.ID, 100)
	touch(t, s, b.ID, 200)
	touch(t, s, a2.ID, 300)
	touch(t, s, noCwd.ID, 400)

	cwds, err := s.ListRecentCwds(10)
	require.NoError(t, err)
	require.Len(t, cwds, 2, "duplicates collapse, empty cwds are excluded")
	assert.Equal(t, a2.Cwd, cwds[0])
	assert.Equal(t, b.Cwd, cwds[1])

	limited, err := s.ListRecentCwds(1)
	require.NoError(t, err)
	assert.Equal(t, []string{a2.Cwd}, limited)

	none, err := s.ListRecentCwds(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{Title: "before"})
	require.NoError(t, err)

	title := "after"
	status := types.StatusRunning
	token := "resume-123"
	updated, err := s.UpdateSession(created.ID, types.SessionPatch{
		Title:       &title,
		Status:      &status,
		ResumeToken: &token,
	})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, types.StatusRunning, updated.Status)
	assert.Equal(t, "resume-123", updated.ResumeToken)

	got, err := s.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestUpdateSessionRevalidatesCwd(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)

	bad := "/no/such/dir"
	_, err = s.UpdateSession(created.ID, types.SessionPatch{Cwd: &bad})
	assert.Error(t, err)

	good := t.TempDir()
	updated, err := s.UpdateSession(created.ID, types.SessionPatch{Cwd: &good})
	require.NoError(t, err)
	assert.NotEmpty(t, updated.Cwd)

	empty := ""
	updated, err = s.UpdateSession(created.ID, types.SessionPatch{Cwd: &empty})
	require.NoError(t, err)
	assert.Empty(t, updated.Cwd)
}

func TestUpdateSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	title := "x"
	_, err := s.UpdateSession("missing", types.SessionPatch{Title: &title})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordMessageIdempotent(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)

	msg := &types.Message{ID: "msg-1", Payload: json.RawMessage(`{"role":"user"}`)}
	require.NoError(t, s.RecordMessage(created.ID, msg))
	require.NoError(t, s.RecordMessage(created.ID, msg))

	history, err := s.GetSessionHistory(created.ID)
	require.NoError(t, err)
	require.Len(t, history.Messages, 1, "replayed message id must not duplicate")
	assert.Equal(t, "msg-1", history.Messages[0].ID)
}

func TestRecordMessageGeneratesID(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)

	msg := &types.Message{Payload: json.RawMessage(`{"role":"assistant"}`)}
	require.NoError(t, s.RecordMessage(created.ID, msg))
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Time.Created)
}

func TestRecordMessageRejectsInvalidJSON(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)

	msg := &types.Message{Payload: json.RawMessage(`{broken`)}
	assert.Error(t, s.RecordMessage(created.ID, msg))
}

func TestHistoryOrderAndMalformedRows(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, s.RecordMessage(created.ID, &types.Message{Payload: json.RawMessage(payload)}))
	}

	// Inject a row a buggy writer might have left behind; loads must skip
	// it instead of failing the whole session.
	_, err = s.db.Exec(`INSERT INTO messages (id, session_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		"broken", created.ID, `{not json`, int64(1))
	require.NoError(t, err)

	require.NoError(t, s.RecordMessage(created.ID, &types.Message{Payload: json.RawMessage(`{"n":4}`)}))

	history, err := s.GetSessionHistory(created.ID)
	require.NoError(t, err)
	require.Len(t, history.Messages, 4)
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`} {
		assert.JSONEq(t, want, string(history.Messages[i].Payload))
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateSession(CreateParams{})
	require.NoError(t, err)
	require.NoError(t, s.RecordMessage(created.ID, &types.Message{Payload: json.RawMessage(`{}`)}))

	require.NoError(t, s.DeleteSession(created.ID))

	_, err = s.GetSession(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, created.ID).Scan(&count))
	assert.Zero(t, count)

	assert.ErrorIs(t, s.DeleteSession(created.ID), ErrNotFound)
}

func TestOpenRevalidatesStoredCwds(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	guard := pathguard.New(time.Minute)

	doomed := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, os.MkdirAll(doomed, 0o755))
	surviving := t.TempDir()

	s, err := Open(dbPath, guard)
	require.NoError(t, err)
	gone, err := s.CreateSession(CreateParams{Title: "gone", Cwd: doomed})
	require.NoError(t, err)
	kept, err := s.CreateSession(CreateParams{Title: "kept", Cwd: surviving})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.RemoveAll(doomed))

	// A fresh guard, or the cache would return the stale verdict.
	s, err = Open(dbPath, pathguard.New(time.Minute))
	require.NoError(t, err)
	defer s.Close()

	invalid, err := s.GetSession(gone.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, invalid.Status)
	assert.Empty(t, invalid.Cwd, "a cwd that no longer validates is cleared, the session row survives")

	valid, err := s.GetSession(kept.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, valid.Cwd)
	assert.NotEqual(t, types.StatusError, valid.Status)
}
