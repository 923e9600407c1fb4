// Package vault owns provider credentials: encrypted-at-rest storage,
// URL admission control, and the safe projection handed across the host
// boundary.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/agenthall/agenthall/internal/config"
	"github.com/agenthall/agenthall/internal/logging"
	"github.com/agenthall/agenthall/pkg/types"
)

// ErrProviderNotFound is returned when a provider id has no record.
var ErrProviderNotFound = fmt.Errorf("provider not found")

// Provider is the vault-internal provider record. AuthToken may be
// plaintext awaiting encryption, legacy ciphertext, or a versioned token;
// it never leaves this package unredacted except through RuntimeProvider.
type Provider struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	BaseURL      string          `json:"baseUrl,omitempty"`
	AuthToken    string          `json:"authToken,omitempty"`
	DefaultModel string          `json:"defaultModel,omitempty"`
	Models       *types.ModelSet `json:"models,omitempty"`
	IsDefault    bool            `json:"isDefault,omitempty"`
}

// RuntimeProvider is the decrypted configuration handed to exactly one
// engine invocation. Callers must not retain it past that call.
type RuntimeProvider struct {
	ID           string
	BaseURL      string
	AuthToken    string
	DefaultModel string
	Models       *types.ModelSet
}

// modelNamePattern bounds each model name in a payload: a restricted
// character class and a hard length cap.
var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,128}$`)

// modelKeys are the only recognized keys in a payload's models object.
var modelKeys = map[string]bool{"opus": true, "sonnet": true, "haiku": true}

// Vault stores the provider list encrypted at rest. Mutations are
// serialized by a single mutex around a read-decrypt-merge-encrypt-write
// cycle; the file write itself is atomic.
type Vault struct {
	rt       *config.Runtime
	filePath string
	box      cipherBox

	mu sync.Mutex
}

// New creates a Vault persisting to filePath with key material at keyPath.
func New(rt *config.Runtime, filePath, keyPath string) *Vault {
	return &Vault{
		rt:       rt,
		filePath: filePath,
		box:      cipherBox{keyPath: keyPath},
	}
}

// LoadProvidersSafe returns the UI-facing projection of every provider.
// It never decrypts anything.
func (v *Vault) LoadProvidersSafe() ([]types.SafeProvider, error) {
	providers, err := v.loadProviders()
	if err != nil {
		return nil, err
	}
	safe := make([]types.SafeProvider, 0, len(providers))
	for _, p := range providers {
		safe = append(safe, toSafe(p))
	}
	return safe, nil
}

// RuntimeProvider decrypts one provider for an engine invocation. A
// corrupted versioned token is surfaced as an error for that provider,
// never guessed at.
func (v *Vault) RuntimeProvider(id string) (*RuntimeProvider, error) {
	providers, err := v.loadProviders()
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.ID != id {
			continue
		}
		token, err := v.box.Decrypt(p.AuthToken)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		return &RuntimeProvider{
			ID:           p.ID,
			BaseURL:      p.BaseURL,
			AuthToken:    token,
			DefaultModel: p.DefaultModel,
			Models:       p.Models,
		}, nil
	}
	return nil, ErrProviderNotFound
}

// DefaultProvider returns the safe projection of the default provider, or
// nil when the vault is empty.
func (v *Vault) DefaultProvider() (*types.SafeProvider, error) {
	providers, err := v.loadProviders()
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.IsDefault {
			safe := toSafe(p)
			return &safe, nil
		}
	}
	if len(providers) > 0 {
		safe := toSafe(providers[0])
		return &safe, nil
	}
	return nil, nil
}

// GetProviderSafe returns the safe projection of one provider.
func (v *Vault) GetProviderSafe(id string) (*types.SafeProvider, error) {
	providers, err := v.loadProviders()
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.ID == id {
			safe := toSafe(p)
			return &safe, nil
		}
	}
	return nil, ErrProviderNotFound
}

// SaveProviderFromPayload validates and persists a provider submitted by
// the UI. An omitted token preserves the stored secret. The whole save is
// rejected on any validation failure, and only the safe projection is
// returned.
func (v *Vault) SaveProviderFromPayload(payload types.ProviderPayload) (*types.SafeProvider, error) {
	if payload.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "name is required"}
	}
	if payload.BaseURL != "" {
		if err := v.ValidateProviderURL(payload.BaseURL); err != nil {
			return nil, err
		}
	}
	models, err := validateModels(payload.Models)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	providers, err := v.loadProviders()
	if err != nil {
		return nil, err
	}

	record := Provider{
		ID:           payload.ID,
		Name:         payload.Name,
		BaseURL:      payload.BaseURL,
		DefaultModel: payload.DefaultModel,
		Models:       models,
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	idx := -1
	for i, p := range providers {
		if p.ID == record.ID {
			idx = i
			break
		}
	}

	switch {
	case payload.AuthToken != "":
		token, err := v.box.Encrypt(payload.AuthToken)
		if err != nil {
			return nil, err
		}
		record.AuthToken = token
	case idx >= 0:
		// Payload omitted the secret: keep the stored one.
		record.AuthToken = providers[idx].AuthToken
	}

	if idx >= 0 {
		record.IsDefault = providers[idx].IsDefault
		providers[idx] = record
	} else {
		record.IsDefault = len(providers) == 0
		providers = append(providers, record)
	}

	if err := v.saveProviders(providers); err != nil {
		return nil, err
	}

	safe := toSafe(record)
	return &safe, nil
}

// DeleteProvider removes a provider. Deleting the default promotes the
// first remaining provider.
func (v *Vault) DeleteProvider(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	providers, err := v.loadProviders()
	if err != nil {
		return err
	}

	kept := providers[:0]
	wasDefault := false
	found := false
	for _, p := range providers {
		if p.ID == id {
			found = true
			wasDefault = p.IsDefault
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return ErrProviderNotFound
	}
	if wasDefault && len(kept) > 0 {
		kept[0].IsDefault = true
	}

	return v.saveProviders(kept)
}

// loadProviders reads the provider file. A missing or unreadable file
// reads as empty; the error path is reserved for impossible states so
// reads never crash the host.
func (v *Vault) loadProviders() ([]Provider, error) {
	data, err := os.ReadFile(v.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Str("error", logging.Sanitize(err.Error())).Msg("provider file unreadable, treating as empty")
		}
		return nil, nil
	}

	var providers []Provider
	if err := json.Unmarshal(data, &providers); err != nil {
		logging.Warn().Str("error", logging.Sanitize(err.Error())).Msg("provider file corrupt, treating as empty")
		return nil, nil
	}
	return providers, nil
}

// saveProviders re-encrypts any plaintext or legacy token and writes the
// list atomically. A failed encryption aborts the save; plaintext never
// reaches disk silently.
func (v *Vault) saveProviders(providers []Provider) error {
	for i := range providers {
		token := providers[i].AuthToken
		if token == "" || isVersionedToken(token) {
			continue
		}
		plain, err := v.box.Decrypt(token)
		if err != nil {
			return err
		}
		sealed, err := v.box.Encrypt(plain)
		if err != nil {
			return err
		}
		providers[i].AuthToken = sealed
	}

	data, err := json.MarshalIndent(providers, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding provider list: %w", err)
	}
	return atomicWrite(v.filePath, data)
}

// atomicWrite writes data to path via a uniquely-named temporary file with
// owner-only permissions set before any content is flushed, then renames
// it into place. If the rename fails the content is written directly with
// the same restrictive permissions; the temp file is removed on every
// path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting temp file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		// Rename can fail on filesystems without atomic replace; fall
		// back to a direct overwrite with the same permissions.
		if werr := os.WriteFile(path, data, 0o600); werr != nil {
			return fmt.Errorf("renaming into place: %v; direct write also failed: %w", err, werr)
		}
	}
	return nil
}

// isVersionedToken reports whether a stored value already carries the
// current version tag.
func isVersionedToken(s string) bool {
	return len(s) >= len(tokenPrefix) && s[:len(tokenPrefix)] == tokenPrefix
}

// toSafe builds the projection that crosses the host boundary. The shape
// has no token field, so it cannot leak a secret.
func toSafe(p Provider) types.SafeProvider {
	return types.SafeProvider{
		ID:           p.ID,
		Name:         p.Name,
		BaseURL:      p.BaseURL,
		DefaultModel: p.DefaultModel,
		Models:       p.Models,
		HasToken:     p.AuthToken != "",
		IsDefault:    p.IsDefault,
	}
}

// validateModels checks a payload's models object: only the three
// recognized keys, each a bounded, character-class-restricted name.
func validateModels(models map[string]string) (*types.ModelSet, error) {
	if len(models) == 0 {
		return nil, nil
	}
	set := &types.ModelSet{}
	for key, value := range models {
		if !modelKeys[key] {
			return nil, &ValidationError{Field: "models", Reason: fmt.Sprintf("unrecognized key %q", key)}
		}
		if !modelNamePattern.MatchString(value) {
			return nil, &ValidationError{Field: "models", Reason: fmt.Sprintf("model name for %q is empty, too long, or contains forbidden characters", key)}
		}
		switch key {
		case "opus":
			set.Opus = value
		case "sonnet":
			set.Sonnet = value
		case "haiku":
			set.Haiku = value
		}
	}
	return set, nil
}
