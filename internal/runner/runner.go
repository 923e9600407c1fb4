// Package runner is the orchestrator: it wires the vault, store, and
// gateway to an execution engine and turns host commands into engine runs
// and bus events. It holds no domain logic of its own.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/agenthall/agenthall/internal/event"
	"github.com/agenthall/agenthall/internal/gateway"
	"github.com/agenthall/agenthall/internal/logging"
	"github.com/agenthall/agenthall/internal/store"
	"github.com/agenthall/agenthall/internal/vault"
	"github.com/agenthall/agenthall/pkg/types"
)

// ErrSessionRunning is returned when a command needs an idle session but
// the session has an active run.
var ErrSessionRunning = errors.New("session is already running")

// engineStartAttempts bounds the retry loop around engine spawn; only
// transient failures (a busy socket, a slow cold start) are worth
// retrying.
const engineStartAttempts = 3

// activeRun tracks one in-flight engine invocation.
type activeRun struct {
	cancel context.CancelFunc
}

// Runner coordinates sessions end to end.
type Runner struct {
	vault   *vault.Vault
	store   *store.Store
	gateway *gateway.Gateway
	engine  Engine
	bus     *event.Bus

	mu     sync.Mutex
	active map[string]*activeRun

	wg sync.WaitGroup
}

// New creates a Runner.
func New(v *vault.Vault, s *store.Store, g *gateway.Gateway, e Engine, bus *event.Bus) *Runner {
	return &Runner{
		vault:   v,
		store:   s,
		gateway: g,
		engine:  e,
		bus:     bus,
		active:  make(map[string]*activeRun),
	}
}

// Shutdown stops every active run and waits for their goroutines.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for id, run := range r.active {
		run.cancel()
		r.gateway.EndSession(id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// StartParams are the fields of a session.start command.
type StartParams struct {
	Title          string
	Prompt         string
	Cwd            string
	AllowedTools   string
	ProviderID     string
	PermissionMode types.PermissionMode
}

// StartSession creates a session and launches its first run.
func (r *Runner) StartSession(params StartParams) (*types.Session, error) {
	session, err := r.store.CreateSession(store.CreateParams{
		Title:          params.Title,
		Cwd:            params.Cwd,
		AllowedTools:   params.AllowedTools,
		LastPrompt:     params.Prompt,
		ProviderID:     params.ProviderID,
		PermissionMode: params.PermissionMode,
	})
	if err != nil {
		r.reportError("", err)
		return nil, err
	}
	r.launch(session, params.Prompt, params.ProviderID)
	return session, nil
}

// ContinueSession resumes an existing session with a new prompt.
func (r *Runner) ContinueSession(sessionID, prompt, providerID string) error {
	if r.isActive(sessionID) {
		err := fmt.Errorf("session %s: %w", sessionID, ErrSessionRunning)
		r.reportError(sessionID, err)
		return err
	}
	session, err := r.store.GetSession(sessionID)
	if err != nil {
		r.reportError(sessionID, err)
		return err
	}
	r.launch(session, prompt, providerID)
	return nil
}

// StopSession aborts a session's active run. Stopping an idle session is
// a no-op.
func (r *Runner) StopSession(sessionID string) {
	r.mu.Lock()
	run := r.active[sessionID]
	r.mu.Unlock()
	if run == nil {
		return
	}
	run.cancel()
	r.gateway.EndSession(sessionID)
}

// DeleteSession stops any active run and removes the session and its
// messages.
func (r *Runner) DeleteSession(sessionID string) error {
	r.StopSession(sessionID)
	r.gateway.EndSession(sessionID)

	if err := r.store.DeleteSession(sessionID); err != nil {
		r.reportError(sessionID, err)
		return err
	}
	r.bus.Publish(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{SessionID: sessionID},
	})
	return nil
}

// ListSessions returns all sessions and announces the list on the bus.
func (r *Runner) ListSessions() ([]*types.Session, error) {
	sessions, err := r.store.ListSessions()
	if err != nil {
		r.reportError("", err)
		return nil, err
	}
	r.bus.Publish(event.Event{
		Type: event.SessionList,
		Data: event.SessionListData{Sessions: sessions},
	})
	return sessions, nil
}

// GetSession returns one session.
func (r *Runner) GetSession(sessionID string) (*types.Session, error) {
	return r.store.GetSession(sessionID)
}

// SessionHistory returns a session's message log and announces it.
func (r *Runner) SessionHistory(sessionID string) (*types.SessionHistory, error) {
	history, err := r.store.GetSessionHistory(sessionID)
	if err != nil {
		r.reportError(sessionID, err)
		return nil, err
	}
	r.bus.Publish(event.Event{
		Type: event.SessionHistory,
		Data: event.SessionHistoryData{
			SessionID: sessionID,
			Status:    history.Session.Status,
			Messages:  history.Messages,
		},
	})
	return history, nil
}

// RecentCwds returns recently used working directories.
func (r *Runner) RecentCwds(limit int) ([]string, error) {
	return r.store.ListRecentCwds(limit)
}

// RespondPermission delivers a UI permission decision.
func (r *Runner) RespondPermission(sessionID, toolUseID string, result types.PermissionResult) {
	r.gateway.Resolve(sessionID, toolUseID, result)
}

// ListProviders returns the safe provider list and announces it.
func (r *Runner) ListProviders() ([]types.SafeProvider, error) {
	providers, err := r.vault.LoadProvidersSafe()
	if err != nil {
		r.reportError("", err)
		return nil, err
	}
	r.bus.Publish(event.Event{
		Type: event.ProviderList,
		Data: event.ProviderListData{Providers: providers},
	})
	return providers, nil
}

// GetProvider returns one provider's safe projection.
func (r *Runner) GetProvider(id string) (*types.SafeProvider, error) {
	return r.vault.GetProviderSafe(id)
}

// SaveProvider persists a provider payload and announces the save.
func (r *Runner) SaveProvider(payload types.ProviderPayload) (*types.SafeProvider, error) {
	saved, err := r.vault.SaveProviderFromPayload(payload)
	if err != nil {
		r.reportError("", err)
		return nil, err
	}
	r.bus.Publish(event.Event{
		Type: event.ProviderSaved,
		Data: event.ProviderSavedData{Provider: *saved},
	})
	return saved, nil
}

// DeleteProvider removes a provider and announces the deletion.
func (r *Runner) DeleteProvider(id string) error {
	if err := r.vault.DeleteProvider(id); err != nil {
		r.reportError("", err)
		return err
	}
	r.bus.Publish(event.Event{
		Type: event.ProviderDeleted,
		Data: event.ProviderDeletedData{ProviderID: id},
	})
	return nil
}

func (r *Runner) isActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[sessionID] != nil
}

// launch starts an engine run for the session in the background.
func (r *Runner) launch(session *types.Session, prompt, providerID string) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.active[session.ID] = &activeRun{cancel: cancel}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			r.mu.Lock()
			delete(r.active, session.ID)
			r.mu.Unlock()
		}()
		r.run(ctx, session, prompt, providerID)
	}()
}

// run executes one engine invocation for a session: mark it running,
// stream and persist messages, then settle the terminal status. The
// gateway's pending map for the session is always drained on exit.
func (r *Runner) run(ctx context.Context, session *types.Session, prompt, providerID string) {
	defer r.gateway.EndSession(session.ID)

	if err := r.transition(session.ID, types.StatusRunning, types.SessionPatch{LastPrompt: &prompt}); err != nil {
		r.failSession(session.ID, err)
		return
	}

	userMsg, _ := json.Marshal(map[string]string{"role": "user", "content": prompt})
	if err := r.store.RecordMessage(session.ID, &types.Message{Payload: userMsg}); err != nil {
		logging.Warn().Str("sessionID", session.ID).Str("error", logging.Sanitize(err.Error())).Msg("failed to record prompt message")
	}

	cfg := EngineConfig{
		SessionID:   session.ID,
		Prompt:      prompt,
		Cwd:         session.Cwd,
		ResumeToken: session.ResumeToken,
		CanUseTool:  r.permissionFunc(session.ID),
	}
	if err := r.applyProvider(&cfg, providerID, session.ProviderID); err != nil {
		r.failSession(session.ID, err)
		return
	}

	handle, err := r.startEngine(ctx, cfg)
	// The credential has been handed to the engine; drop our copy.
	cfg.AuthToken = ""
	if err != nil {
		r.failSession(session.ID, fmt.Errorf("starting engine: %w", err))
		return
	}

	for msg := range handle.Messages() {
		if err := r.store.RecordMessage(session.ID, &types.Message{Payload: msg}); err != nil {
			logging.Warn().Str("sessionID", session.ID).Str("error", logging.Sanitize(err.Error())).Msg("failed to record engine message")
		}
	}

	runErr := handle.Wait()
	patch := types.SessionPatch{}
	if token := handle.ResumeToken(); token != "" {
		patch.ResumeToken = &token
	}

	switch {
	case ctx.Err() != nil:
		// Stopped by the user: the session stays resumable.
		if err := r.transition(session.ID, types.StatusIdle, patch); err != nil {
			logging.Warn().Str("sessionID", session.ID).Str("error", logging.Sanitize(err.Error())).Msg("failed to settle stopped session")
		}
	case runErr != nil:
		r.reportError(session.ID, runErr)
		if err := r.transition(session.ID, types.StatusError, patch); err != nil {
			logging.Warn().Str("sessionID", session.ID).Str("error", logging.Sanitize(err.Error())).Msg("failed to settle failed session")
		}
	default:
		if err := r.transition(session.ID, types.StatusCompleted, patch); err != nil {
			logging.Warn().Str("sessionID", session.ID).Str("error", logging.Sanitize(err.Error())).Msg("failed to settle completed session")
		}
	}
}

// applyProvider resolves which provider backs this run (explicit choice,
// the session's sticky choice, or the vault default) and decrypts its
// credential into the config. No provider configured at all is fine: the
// engine falls back to its ambient credentials.
func (r *Runner) applyProvider(cfg *EngineConfig, explicitID, sessionDefault string) error {
	id := explicitID
	if id == "" {
		id = sessionDefault
	}
	if id == "" {
		def, err := r.vault.DefaultProvider()
		if err != nil {
			return err
		}
		if def == nil {
			return nil
		}
		id = def.ID
	}

	rp, err := r.vault.RuntimeProvider(id)
	if err != nil {
		return err
	}
	cfg.BaseURL = rp.BaseURL
	cfg.AuthToken = rp.AuthToken
	cfg.DefaultModel = rp.DefaultModel
	return nil
}

// startEngine spawns the engine with a short exponential retry for
// transient failures. Cancellation aborts the retry loop immediately.
func (r *Runner) startEngine(ctx context.Context, cfg EngineConfig) (EngineHandle, error) {
	var handle EngineHandle
	op := func() error {
		h, err := r.engine.Start(ctx, cfg)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), engineStartAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return handle, nil
}

// permissionFunc builds the engine's tool-use callback. The session is
// re-read per call so allow-list and mode edits apply to in-flight runs.
func (r *Runner) permissionFunc(sessionID string) PermissionFunc {
	return func(ctx context.Context, toolName string, input json.RawMessage) types.PermissionResult {
		session, err := r.store.GetSession(sessionID)
		if err != nil {
			logging.Warn().Str("sessionID", sessionID).Str("error", logging.Sanitize(err.Error())).Msg("permission check for unknown session denied")
			return types.PermissionResult{Behavior: types.BehaviorDeny, Message: "session not found"}
		}
		return r.gateway.Ask(ctx, session, toolName, input)
	}
}

// transition updates a session's status (plus any extra patch fields) and
// announces it.
func (r *Runner) transition(sessionID string, status types.SessionStatus, patch types.SessionPatch) error {
	patch.Status = &status
	session, err := r.store.UpdateSession(sessionID, patch)
	if err != nil {
		return err
	}
	r.bus.Publish(event.Event{
		Type: event.SessionStatus,
		Data: event.SessionStatusData{
			SessionID: session.ID,
			Status:    session.Status,
			Title:     session.Title,
			Cwd:       session.Cwd,
		},
	})
	return nil
}

// failSession settles a session into the error state and reports why.
func (r *Runner) failSession(sessionID string, cause error) {
	r.reportError(sessionID, cause)
	status := types.StatusError
	session, err := r.store.UpdateSession(sessionID, types.SessionPatch{Status: &status})
	if err != nil {
		logging.Error().Str("sessionID", sessionID).Str("error", logging.Sanitize(err.Error())).Msg("failed to mark session errored")
		return
	}
	r.bus.Publish(event.Event{
		Type: event.SessionStatus,
		Data: event.SessionStatusData{
			SessionID: session.ID,
			Status:    session.Status,
			Title:     session.Title,
			Cwd:       session.Cwd,
			Error:     cause.Error(),
		},
	})
}

// reportError publishes a runner.error event.
func (r *Runner) reportError(sessionID string, err error) {
	logging.Error().Str("sessionID", sessionID).Str("error", logging.Sanitize(err.Error())).Msg("runner error")
	r.bus.Publish(event.Event{
		Type: event.RunnerError,
		Data: event.RunnerErrorData{SessionID: sessionID, Message: err.Error()},
	})
}
