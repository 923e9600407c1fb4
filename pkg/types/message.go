package types

import "encoding/json"

// Message is one record in a session's append-only log. The payload is an
// opaque structured document produced by the engine or the UI; the store
// only requires it to be well-formed JSON.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionID"`
	Payload   json.RawMessage `json:"payload"`
	Time      MessageTime     `json:"time"`
}

// MessageTime contains timestamps for a message, unix milliseconds.
type MessageTime struct {
	Created int64 `json:"created"`
}
