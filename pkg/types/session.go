// Package types provides the core data types shared across the agenthall
// host boundary.
package types

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// PermissionMode controls how tool invocations are mediated for a session.
type PermissionMode string

const (
	// ModeSecure routes every non-allow-listed tool call through an
	// explicit approval request.
	ModeSecure PermissionMode = "secure"
	// ModeFree auto-approves tool calls that pass the session allow-list.
	ModeFree PermissionMode = "free"
)

// Session represents an agent session. PendingPermissions and abort handles
// live only in memory (owned by the gateway and runner respectively) and are
// never part of this persisted shape.
type Session struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Status         SessionStatus  `json:"status"`
	Cwd            string         `json:"cwd,omitempty"`
	AllowedTools   string         `json:"allowedTools,omitempty"`
	LastPrompt     string         `json:"lastPrompt,omitempty"`
	ResumeToken    string         `json:"resumeToken,omitempty"`
	ProviderID     string         `json:"providerID,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode"`
	Time           SessionTime    `json:"time"`
}

// SessionTime contains timestamps for a session, unix milliseconds.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionPatch is a partial update applied through the store's update API.
// Nil fields are left untouched.
type SessionPatch struct {
	Title          *string         `json:"title,omitempty"`
	Status         *SessionStatus  `json:"status,omitempty"`
	Cwd            *string         `json:"cwd,omitempty"`
	AllowedTools   *string         `json:"allowedTools,omitempty"`
	LastPrompt     *string         `json:"lastPrompt,omitempty"`
	ResumeToken    *string         `json:"resumeToken,omitempty"`
	ProviderID     *string         `json:"providerID,omitempty"`
	PermissionMode *PermissionMode `json:"permissionMode,omitempty"`
}

// SessionHistory is a session together with its ordered message log.
type SessionHistory struct {
	Session  *Session   `json:"session"`
	Messages []*Message `json:"messages"`
}
