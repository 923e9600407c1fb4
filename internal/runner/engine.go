package runner

import (
	"context"
	"encoding/json"

	"github.com/agenthall/agenthall/pkg/types"
)

// PermissionFunc is invoked by the engine for every tool call it wants to
// make. It blocks until the call is allowed or denied.
type PermissionFunc func(ctx context.Context, toolName string, input json.RawMessage) types.PermissionResult

// EngineConfig is everything one engine invocation needs. It carries the
// decrypted credential and must not be retained past the Start call that
// consumes it.
type EngineConfig struct {
	SessionID   string
	Prompt      string
	Cwd         string
	ResumeToken string

	BaseURL      string
	AuthToken    string
	DefaultModel string

	CanUseTool PermissionFunc
}

// EngineHandle is one running engine invocation.
type EngineHandle interface {
	// Messages streams the engine's output. The channel closes when the
	// run ends.
	Messages() <-chan json.RawMessage

	// Wait blocks until the run ends and returns its terminal error.
	Wait() error

	// ResumeToken returns the engine's opaque continuation token, valid
	// once the run has ended.
	ResumeToken() string
}

// Engine starts agent runs. Implementations wrap a concrete execution
// backend (a CLI subprocess, an SDK client).
type Engine interface {
	Start(ctx context.Context, cfg EngineConfig) (EngineHandle, error)
}
