package types

// ModelSet names the model to use per tier for a provider.
type ModelSet struct {
	Opus   string `json:"opus,omitempty"`
	Sonnet string `json:"sonnet,omitempty"`
	Haiku  string `json:"haiku,omitempty"`
}

// SafeProvider is the UI-facing projection of a provider configuration.
// It has no token field, so a secret cannot cross the host boundary
// through it.
type SafeProvider struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	BaseURL      string    `json:"baseUrl,omitempty"`
	DefaultModel string    `json:"defaultModel,omitempty"`
	Models       *ModelSet `json:"models,omitempty"`
	HasToken     bool      `json:"hasToken"`
	IsDefault    bool      `json:"isDefault"`
}

// ProviderPayload is the shape the UI submits when creating or editing a
// provider. An empty AuthToken means "keep the stored secret".
type ProviderPayload struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	BaseURL      string            `json:"baseUrl,omitempty"`
	AuthToken    string            `json:"authToken,omitempty"`
	DefaultModel string            `json:"defaultModel,omitempty"`
	Models       map[string]string `json:"models,omitempty"`
}
