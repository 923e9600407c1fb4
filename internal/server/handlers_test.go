package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthall/agenthall/internal/config"
	"github.com/agenthall/agenthall/internal/event"
	"github.com/agenthall/agenthall/internal/gateway"
	"github.com/agenthall/agenthall/internal/pathguard"
	"github.com/agenthall/agenthall/internal/runner"
	"github.com/agenthall/agenthall/internal/store"
	"github.com/agenthall/agenthall/internal/vault"
	"github.com/agenthall/agenthall/pkg/types"
)

// stubHandle completes immediately with no output.
type stubHandle struct {
	msgs chan json.RawMessage
}

func (h *stubHandle) Messages() <-chan json.RawMessage { return h.msgs }
func (h *stubHandle) Wait() error                      { return nil }
func (h *stubHandle) ResumeToken() string              { return "tok" }

// stubEngine satisfies runner.Engine for route tests.
type stubEngine struct{}

func (stubEngine) Start(context.Context, runner.EngineConfig) (runner.EngineHandle, error) {
	h := &stubHandle{msgs: make(chan json.RawMessage)}
	close(h.msgs)
	return h, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	rt := config.Default()
	rt.SweepInterval = time.Hour

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "sessions.db"), pathguard.New(rt.PathCacheTTL))
	require.NoError(t, err)

	bus := event.NewBus()
	v := vault.New(rt, filepath.Join(dir, "providers.json"), filepath.Join(dir, "vault.key"))
	gw := gateway.New(rt, bus)
	r := runner.New(v, st, gw, stubEngine{}, bus)
	srv := New(DefaultConfig(), r, bus)

	t.Cleanup(func() {
		r.Shutdown()
		gw.Close()
		bus.Close()
		st.Close()
	})
	return srv, st
}

func doJSON(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestStartAndListSessions(t *testing.T) {
	srv, st := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session", `{"title":"demo","prompt":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "demo", session.Title)

	require.Eventually(t, func() bool {
		got, err := st.GetSession(session.ID)
		return err == nil && got.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = doJSON(t, srv, http.MethodGet, "/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ID, sessions[0].ID)
}

func TestStartSessionRequiresPrompt(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session", `{"title":"no prompt"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/session", `{garbage`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSessionRejectsBadCwd(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session", `{"prompt":"x","cwd":"/does/not/exist"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionHistoryNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/session/missing/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContinueStopDelete(t *testing.T) {
	srv, st := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session", `{"prompt":"first"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))

	require.Eventually(t, func() bool {
		got, err := st.GetSession(session.ID)
		return err == nil && got.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = doJSON(t, srv, http.MethodPost, "/session/"+session.ID+"/message", `{"prompt":"second"}`)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/session/"+session.ID+"/message", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/session/"+session.ID+"/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/session/"+session.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/session/"+session.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPermissionResponseValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/session/s1/permissions/r1", `{"behavior":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown requests are accepted and ignored; the gateway treats late
	// or duplicate resolutions as no-ops.
	rec = doJSON(t, srv, http.MethodPost, "/session/s1/permissions/r1", `{"behavior":"allow"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProviderRoutesNeverLeakSecrets(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/provider",
		`{"name":"acme","baseUrl":"https://api.acme.example","authToken":"sk-live-secret"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "sk-live-secret")

	var saved types.SafeProvider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.True(t, saved.HasToken)
	assert.True(t, saved.IsDefault)

	rec = doJSON(t, srv, http.MethodGet, "/provider", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-live-secret")

	rec = doJSON(t, srv, http.MethodGet, "/provider/"+saved.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-live-secret")

	rec = doJSON(t, srv, http.MethodDelete, "/provider/"+saved.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/provider/"+saved.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProviderValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/provider", `{"baseUrl":"https://x.example"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "name is required")

	rec = doJSON(t, srv, http.MethodPost, "/provider", `{"name":"local","baseUrl":"http://127.0.0.1:8080"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "loopback URL must be rejected")
}

func TestRecentCwds(t *testing.T) {
	srv, _ := newTestServer(t)
	cwd := t.TempDir()

	body, _ := json.Marshal(map[string]string{"prompt": "x", "cwd": cwd})
	rec := doJSON(t, srv, http.MethodPost, "/session", string(body))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/session/cwds?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cwds []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cwds))
	require.Len(t, cwds, 1)

	rec = doJSON(t, srv, http.MethodGet, "/session/cwds?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamConnects(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/event", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Router().ServeHTTP(rec, req)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not exit on client disconnect")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "server.connected")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}
