// Package pathguard validates and canonicalizes filesystem paths before
// they are handed to a session. Verdicts that require filesystem access are
// cached with a bounded TTL.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agenthall/agenthall/internal/logging"
)

// shellMeta are the characters rejected outright. Quote characters are
// deliberately absent: they are valid in real directory names.
const shellMeta = ";&|`$<>"

// cacheEntry is a cached admission verdict for one cleaned absolute path.
// Invalid verdicts are cached too; a cached failure still fails.
type cacheEntry struct {
	resolved string
	err      error
	expires  time.Time
}

// Guard performs path admission with a TTL verdict cache.
type Guard struct {
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry

	// now is replaceable in tests.
	now func() time.Time

	// stat and resolve are replaceable in tests.
	stat    func(string) (os.FileInfo, error)
	resolve func(string) (string, error)
}

// New creates a Guard with the given verdict TTL.
func New(ttl time.Duration) *Guard {
	return &Guard{
		ttl:     ttl,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
		stat:    os.Stat,
		resolve: filepath.EvalSymlinks,
	}
}

// Sanitize validates raw and returns the canonical absolute path it
// resolves to. Rejections are fail-closed: any doubt about the input is an
// error, never a pass-through.
func (g *Guard) Sanitize(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("path contains a null byte")
	}
	if strings.Contains(raw, "..") {
		return "", fmt.Errorf("path contains a parent-directory reference")
	}
	if i := strings.IndexAny(raw, shellMeta); i >= 0 {
		return "", fmt.Errorf("path contains forbidden character %q", raw[i])
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	abs = filepath.Clean(abs)

	if entry, ok := g.lookup(abs); ok {
		return entry.resolved, entry.err
	}

	resolved, err := g.admit(abs)
	g.remember(abs, resolved, err)
	return resolved, err
}

// admit performs the filesystem-dependent part of validation.
func (g *Guard) admit(abs string) (string, error) {
	resolved, err := g.resolve(abs)
	if err != nil {
		return "", fmt.Errorf("path does not resolve: %s", logging.Sanitize(err.Error()))
	}

	// Re-check after normalization: a symlink chain must not have
	// reintroduced a traversal token.
	if strings.Contains(resolved, "..") {
		return "", fmt.Errorf("resolved path contains a parent-directory reference")
	}

	info, err := g.stat(resolved)
	if err != nil {
		return "", fmt.Errorf("path is not accessible: %s", logging.Sanitize(err.Error()))
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path is not a directory")
	}
	return resolved, nil
}

// lookup returns a live cache entry for abs, expiring lazily.
func (g *Guard) lookup(abs string) (cacheEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.cache[abs]
	if !ok {
		return cacheEntry{}, false
	}
	if g.now().After(entry.expires) {
		delete(g.cache, abs)
		return cacheEntry{}, false
	}
	return entry, true
}

// remember stores a verdict for abs.
func (g *Guard) remember(abs, resolved string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[abs] = cacheEntry{
		resolved: resolved,
		err:      err,
		expires:  g.now().Add(g.ttl),
	}
}
