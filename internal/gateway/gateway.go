// Package gateway mediates tool invocations: every tool call an engine
// proposes is auto-resolved by policy or parked until the UI decides,
// times out, or the surrounding operation aborts. Every request resolves
// exactly once and every exit path runs the same cleanup.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agenthall/agenthall/internal/config"
	"github.com/agenthall/agenthall/internal/event"
	"github.com/agenthall/agenthall/internal/logging"
	"github.com/agenthall/agenthall/pkg/types"
)

// EscapeHatchTool is approved unconditionally: it is how the engine asks
// the user a question, so gating it would deadlock the approval flow
// itself.
const EscapeHatchTool = "AskUserQuestion"

// Deny reasons carried on permission.resolved events.
const (
	ReasonPolicy   = "policy"
	ReasonTimeout  = "timeout"
	ReasonAbort    = "abort"
	ReasonCapacity = "capacity"
	ReasonUser     = "user"
)

// pending is one parked permission request. The result channel is
// buffered so the winning resolver never blocks, and the atomic flag
// guarantees a single terminal resolution.
type pending struct {
	id        string
	sessionID string
	toolName  string
	input     json.RawMessage
	createdAt time.Time

	done   atomic.Bool
	result chan types.PermissionResult
}

// Gateway is the permission gateway. It owns all pending entries; no
// other component mutates them.
type Gateway struct {
	rt  *config.Runtime
	bus *event.Bus

	mu       sync.Mutex
	sessions map[string]map[string]*pending

	stop     chan struct{}
	stopOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Gateway and starts its background sweep, which runs until
// Close.
func New(rt *config.Runtime, bus *event.Bus) *Gateway {
	g := &Gateway{
		rt:       rt,
		bus:      bus,
		sessions: make(map[string]map[string]*pending),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go g.sweepLoop()
	return g
}

// Close stops the background sweep and aborts every outstanding request
// so no waiter is left parked.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	for _, p := range g.snapshot("") {
		g.complete(p, denied("permission gateway shut down"), ReasonAbort)
	}
}

// Ask resolves a proposed tool invocation for a session. It blocks only
// when a UI decision is required, and then never past the configured
// timeout or the caller's context.
func (g *Gateway) Ask(ctx context.Context, session *types.Session, toolName string, input json.RawMessage) types.PermissionResult {
	if toolName == EscapeHatchTool {
		return allowed(input)
	}

	configured, onList := matchAllowList(session.AllowedTools, toolName, input)
	if configured && !onList {
		logging.Debug().Str("sessionID", session.ID).Str("tool", logging.Sanitize(toolName)).Msg("tool call denied by allow-list")
		return denied("tool is not on the session allow-list")
	}
	if session.PermissionMode == types.ModeFree {
		return allowed(input)
	}

	p, ok := g.register(session.ID, toolName, input)
	if !ok {
		logging.Warn().Str("sessionID", session.ID).Msg("pending permission cap reached, denying request")
		return denied("too many pending permission requests")
	}

	g.bus.Publish(event.Event{
		Type: event.PermissionRequest,
		Data: event.PermissionRequestData{
			SessionID: session.ID,
			ToolUseID: p.id,
			ToolName:  toolName,
			Input:     input,
		},
	})

	timer := time.NewTimer(g.rt.PermissionTimeout)
	defer timer.Stop()

	select {
	case res := <-p.result:
		return res
	case <-timer.C:
		g.complete(p, denied("permission request timed out"), ReasonTimeout)
	case <-ctx.Done():
		g.complete(p, denied("operation aborted"), ReasonAbort)
	}
	// A concurrent UI resolution may have beaten the timeout or abort;
	// whichever won, exactly one result is in the channel.
	return <-p.result
}

// Resolve delivers a UI decision for a pending request. Unknown ids and
// already-resolved requests are no-ops; the first resolution wins.
func (g *Gateway) Resolve(sessionID, requestID string, result types.PermissionResult) bool {
	g.mu.Lock()
	p := g.sessions[sessionID][requestID]
	g.mu.Unlock()
	if p == nil {
		logging.Debug().Str("sessionID", sessionID).Str("requestID", requestID).Msg("resolution for unknown permission request ignored")
		return false
	}

	reason := ""
	if result.Behavior == types.BehaviorDeny {
		reason = ReasonUser
	}
	return g.complete(p, result, reason)
}

// EndSession aborts every pending request of a session. The session's
// pending map is empty once this returns.
func (g *Gateway) EndSession(sessionID string) {
	for _, p := range g.snapshot(sessionID) {
		g.complete(p, denied("session ended"), ReasonAbort)
	}
}

// PendingCount reports the number of parked requests for a session.
func (g *Gateway) PendingCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions[sessionID])
}

// register parks a new request, sweeping stale entries first when the
// session is at capacity. Returns false when capacity cannot be
// reclaimed. The cap check and the insert share one critical section so
// concurrent callers can never push a session past the cap.
func (g *Gateway) register(sessionID, toolName string, input json.RawMessage) (*pending, bool) {
	if g.PendingCount(sessionID) >= g.rt.PendingCap {
		g.sweepStale(sessionID)
	}

	p := &pending{
		id:        ulid.Make().String(),
		sessionID: sessionID,
		toolName:  toolName,
		input:     input,
		createdAt: g.now(),
		result:    make(chan types.PermissionResult, 1),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.sessions[sessionID]
	if len(m) >= g.rt.PendingCap {
		return nil, false
	}
	if m == nil {
		m = make(map[string]*pending)
		g.sessions[sessionID] = m
	}
	m[p.id] = p
	return p, true
}

// complete is the single terminal path for a pending request: deliver the
// result, drop the entry, announce the resolution. Idempotent; reports
// whether this call won.
func (g *Gateway) complete(p *pending, res types.PermissionResult, reason string) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	p.result <- res

	g.mu.Lock()
	if m := g.sessions[p.sessionID]; m != nil {
		delete(m, p.id)
		if len(m) == 0 {
			delete(g.sessions, p.sessionID)
		}
	}
	g.mu.Unlock()

	g.bus.Publish(event.Event{
		Type: event.PermissionResolved,
		Data: event.PermissionResolvedData{
			SessionID: p.sessionID,
			ToolUseID: p.id,
			Behavior:  string(res.Behavior),
			Reason:    reason,
		},
	})
	return true
}

// sweepLoop reclaims stale entries even when no new requests arrive,
// bounding memory growth from abandoned sessions.
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(g.rt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweepStale("")
		}
	}
}

// sweepStale times out entries older than the staleness threshold, for
// one session or (with an empty id) all of them.
func (g *Gateway) sweepStale(sessionID string) {
	cutoff := g.now().Add(-g.rt.StaleAfter)
	swept := 0
	for _, p := range g.snapshot(sessionID) {
		if p.createdAt.After(cutoff) {
			continue
		}
		if g.complete(p, denied("permission request timed out"), ReasonTimeout) {
			swept++
		}
	}
	if swept > 0 {
		logging.Debug().Int("count", swept).Msg("swept stale permission requests")
	}
}

// snapshot copies the pending entries for a session, or all sessions when
// id is empty, so callers can resolve them without holding the lock.
func (g *Gateway) snapshot(sessionID string) []*pending {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*pending
	if sessionID != "" {
		for _, p := range g.sessions[sessionID] {
			out = append(out, p)
		}
		return out
	}
	for _, m := range g.sessions {
		for _, p := range m {
			out = append(out, p)
		}
	}
	return out
}

func allowed(input json.RawMessage) types.PermissionResult {
	return types.PermissionResult{Behavior: types.BehaviorAllow, UpdatedInput: input}
}

func denied(message string) types.PermissionResult {
	return types.PermissionResult{Behavior: types.BehaviorDeny, Message: message}
}

// matchAllowList evaluates a session's allow-list. Entries are
// comma-separated: a bare name admits that tool, "*" admits everything,
// and "Bash(npm install *)" admits shell invocations whose every parsed
// command matches the pattern. Unparseable commands never match.
func matchAllowList(list, toolName string, input json.RawMessage) (configured, onList bool) {
	var entries []string
	for _, raw := range strings.Split(list, ",") {
		if e := strings.TrimSpace(raw); e != "" {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		return false, false
	}

	for _, entry := range entries {
		if entry == "*" || entry == toolName {
			return true, true
		}
		open := strings.Index(entry, "(")
		if open <= 0 || !strings.HasSuffix(entry, ")") {
			continue
		}
		base := entry[:open]
		pattern := entry[open+1 : len(entry)-1]
		if base != toolName {
			continue
		}
		if toolName != "Bash" {
			// Argument-level matching is defined for shell commands
			// only; for other tools a parenthesized entry admits the
			// tool itself.
			return true, true
		}
		if commandOnList(pattern, input) {
			return true, true
		}
	}
	return true, false
}

// commandOnList reports whether every command in the proposed shell input
// matches the pattern. Fail closed: missing input, parse failures, and
// empty command lines are not on the list.
func commandOnList(pattern string, input json.RawMessage) bool {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Command == "" {
		return false
	}
	cmds, err := parseShellCommands(in.Command)
	if err != nil || len(cmds) == 0 {
		return false
	}
	for _, cmd := range cmds {
		if !matchCommandPattern(pattern, cmd) {
			return false
		}
	}
	return true
}
