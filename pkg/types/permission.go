package types

import "encoding/json"

// PermissionBehavior is the UI's verdict on a pending tool invocation.
type PermissionBehavior string

const (
	BehaviorAllow PermissionBehavior = "allow"
	BehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResult is the decision delivered for a pending permission
// request. UpdatedInput, when present on an allow, replaces the tool input
// the engine proposed.
type PermissionResult struct {
	Behavior     PermissionBehavior `json:"behavior"`
	UpdatedInput json.RawMessage    `json:"updatedInput,omitempty"`
	Message      string             `json:"message,omitempty"`
}
