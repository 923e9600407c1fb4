package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for agenthall data.
type Paths struct {
	Data   string // ~/.local/share/agenthall
	Config string // ~/.config/agenthall
	State  string // ~/.local/state/agenthall
}

// GetPaths returns the standard paths for agenthall data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "agenthall"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "agenthall"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "agenthall"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the path to the session database.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Data, "sessions.db")
}

// ProvidersPath returns the path to the encrypted provider list.
func (p *Paths) ProvidersPath() string {
	return filepath.Join(p.Data, "providers.json")
}

// VaultKeyPath returns the path to the local encryption key.
func (p *Paths) VaultKeyPath() string {
	return filepath.Join(p.Data, "vault.key")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
