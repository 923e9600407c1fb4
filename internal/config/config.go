// Package config provides read-once runtime configuration and path
// management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/agenthall/agenthall/internal/logging"
)

// Environment variables. Each is read exactly once by Load; security
// posture cannot be toggled by mutating the environment mid-process.
const (
	EnvAllowLocalProviders = "AGENTHALL_ALLOW_LOCAL_PROVIDERS"
	EnvPathCacheTTL        = "AGENTHALL_PATH_CACHE_TTL"
	EnvPermissionTimeout   = "AGENTHALL_PERMISSION_TIMEOUT"
	EnvSweepInterval       = "AGENTHALL_SWEEP_INTERVAL"
)

// Defaults for the operator-tunable knobs.
const (
	DefaultPathCacheTTL      = 60 * time.Second
	DefaultPermissionTimeout = 5 * time.Minute
	DefaultSweepInterval     = 60 * time.Second
	DefaultPendingCap        = 100
	DefaultStaleAfter        = 10 * time.Minute
)

// Runtime is the immutable process-wide configuration. It is populated once
// at startup by Load and passed by reference to every component; nothing
// re-reads the environment after that.
type Runtime struct {
	// AllowLocalProviders disables the provider URL deny-list for local
	// development. Every use of the bypass is logged by the vault.
	AllowLocalProviders bool

	// PathCacheTTL bounds how long a path admission verdict is reused.
	PathCacheTTL time.Duration

	// PermissionTimeout is how long a pending permission request waits for
	// a UI decision before resolving to deny.
	PermissionTimeout time.Duration

	// SweepInterval is the period of the gateway's background reclamation
	// of stale pending requests.
	SweepInterval time.Duration

	// PendingCap is the hard per-session limit on in-flight permission
	// requests.
	PendingCap int

	// StaleAfter is the age past which a pending request is reclaimable.
	StaleAfter time.Duration
}

// settingsFile mirrors the optional agenthall.jsonc settings file. Every
// field is optional; the environment wins over the file.
type settingsFile struct {
	AllowLocalProviders *bool  `json:"allowLocalProviders,omitempty"`
	PathCacheTTL        string `json:"pathCacheTTL,omitempty"`
	PermissionTimeout   string `json:"permissionTimeout,omitempty"`
	SweepInterval       string `json:"sweepInterval,omitempty"`
	PendingCap          *int   `json:"pendingCap,omitempty"`
	StaleAfter          string `json:"staleAfter,omitempty"`
}

// Default returns a Runtime with all defaults and no overrides applied.
func Default() *Runtime {
	return &Runtime{
		PathCacheTTL:      DefaultPathCacheTTL,
		PermissionTimeout: DefaultPermissionTimeout,
		SweepInterval:     DefaultSweepInterval,
		PendingCap:        DefaultPendingCap,
		StaleAfter:        DefaultStaleAfter,
	}
}

// Load builds the Runtime from the settings file (if present) and the
// environment. Call it exactly once at process start.
func Load() (*Runtime, error) {
	rt := Default()

	if err := applySettingsFile(rt, filepath.Join(GetPaths().Config, "agenthall.jsonc")); err != nil {
		return nil, err
	}
	applyEnv(rt)

	if rt.PendingCap <= 0 {
		return nil, fmt.Errorf("pending cap must be positive, got %d", rt.PendingCap)
	}
	return rt, nil
}

// applySettingsFile merges the JSONC settings file into rt. A missing file
// is not an error; an unparsable one is, since silently ignoring a broken
// settings file would run with a posture the operator did not choose.
func applySettingsFile(rt *Runtime, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading settings file: %w", err)
	}

	var s settingsFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if s.AllowLocalProviders != nil {
		rt.AllowLocalProviders = *s.AllowLocalProviders
	}
	if s.PendingCap != nil {
		rt.PendingCap = *s.PendingCap
	}
	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{s.PathCacheTTL, &rt.PathCacheTTL, "pathCacheTTL"},
		{s.PermissionTimeout, &rt.PermissionTimeout, "permissionTimeout"},
		{s.SweepInterval, &rt.SweepInterval, "sweepInterval"},
		{s.StaleAfter, &rt.StaleAfter, "staleAfter"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("settings field %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// applyEnv applies environment overrides on top of rt.
func applyEnv(rt *Runtime) {
	if v := os.Getenv(EnvAllowLocalProviders); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			logging.Warn().Str("value", logging.Sanitize(v)).
				Msg("ignoring unparsable " + EnvAllowLocalProviders)
		} else {
			rt.AllowLocalProviders = b
		}
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{EnvPathCacheTTL, &rt.PathCacheTTL},
		{EnvPermissionTimeout, &rt.PermissionTimeout},
		{EnvSweepInterval, &rt.SweepInterval},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			logging.Warn().Str("value", logging.Sanitize(v)).
				Msg("ignoring unparsable " + d.env)
			continue
		}
		*d.dst = parsed
	}
}
