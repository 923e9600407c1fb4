package event

import (
	"encoding/json"

	"github.com/agenthall/agenthall/pkg/types"
)

// SessionStatusData is the data for session.status events.
type SessionStatusData struct {
	SessionID string              `json:"sessionID"`
	Status    types.SessionStatus `json:"status"`
	Title     string              `json:"title,omitempty"`
	Cwd       string              `json:"cwd,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// SessionListData is the data for session.list events.
type SessionListData struct {
	Sessions []*types.Session `json:"sessions"`
}

// SessionHistoryData is the data for session.history events.
type SessionHistoryData struct {
	SessionID string              `json:"sessionID"`
	Status    types.SessionStatus `json:"status"`
	Messages  []*types.Message    `json:"messages"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionID"`
}

// PermissionRequestData is the data for permission.request events.
type PermissionRequestData struct {
	SessionID string          `json:"sessionID"`
	ToolUseID string          `json:"toolUseID"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// PermissionResolvedData is the data for permission.resolved events.
type PermissionResolvedData struct {
	SessionID string `json:"sessionID"`
	ToolUseID string `json:"toolUseID"`
	Behavior  string `json:"behavior"`
	Reason    string `json:"reason,omitempty"`
}

// ProviderListData is the data for provider.list events. Providers are
// always the safe projection; the bus never carries a secret.
type ProviderListData struct {
	Providers []types.SafeProvider `json:"providers"`
}

// ProviderSavedData is the data for provider.saved events.
type ProviderSavedData struct {
	Provider types.SafeProvider `json:"provider"`
}

// ProviderDeletedData is the data for provider.deleted events.
type ProviderDeletedData struct {
	ProviderID string `json:"providerID"`
}

// RunnerErrorData is the data for runner.error events.
type RunnerErrorData struct {
	SessionID string `json:"sessionID,omitempty"`
	Message   string `json:"message"`
}
