package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/agenthall/agenthall/internal/logging"
)

// tokenPrefix tags versioned ciphertext so the format is self-describing.
// The prefix doubles as AAD: moving a v1 token into a future format slot
// fails authentication instead of decrypting to garbage.
const tokenPrefix = "ENC:v1:"

// keySize is the size of the key file and the derived AEAD key.
const keySize = 32

// hkdfInfoToken is the HKDF domain-separation tag for token encryption.
// Changing it invalidates every stored token.
var hkdfInfoToken = []byte("agenthall.vault.token.v1")

// legacyMinLength is the heuristic threshold below which an untagged value
// is never mistaken for pre-versioning ciphertext.
const legacyMinLength = 40

// ErrEncryptionUnavailable is returned when the local key material cannot
// be loaded or created. Saves fail loudly on it; plaintext is never stored
// as a fallback.
var ErrEncryptionUnavailable = fmt.Errorf("encryption unavailable")

// cipherBox owns the process-local encryption primitive: a 32-byte key
// file with owner-only permissions, stretched through HKDF-SHA256 into the
// XChaCha20-Poly1305 key.
type cipherBox struct {
	keyPath string
}

// loadKey reads the key file, creating it with fresh random material on
// first use. Any failure renders encryption unavailable.
func (c *cipherBox) loadKey() ([]byte, error) {
	raw, err := os.ReadFile(c.keyPath)
	if os.IsNotExist(err) {
		raw, err = c.createKey()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncryptionUnavailable, logging.Sanitize(err.Error()))
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("%w: key file is %d bytes, want %d", ErrEncryptionUnavailable, len(raw), keySize)
	}

	reader := hkdf.New(sha256.New, raw, nil, hkdfInfoToken)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("%w: key derivation failed: %s", ErrEncryptionUnavailable, logging.Sanitize(err.Error()))
	}
	return derived, nil
}

// createKey generates the key file. Permissions are restricted before any
// key material is written.
func (c *cipherBox) createKey() ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(c.keyPath), 0o700); err != nil {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(c.keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(c.keyPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(c.keyPath)
		return nil, err
	}

	logging.Info().Str("path", c.keyPath).Msg("created vault key")
	return key, nil
}

// Encrypt seals a secret into a versioned token. An empty secret encrypts
// to an empty string so "no token" round-trips as no token.
func (c *cipherBox) Encrypt(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}

	key, err := c.loadKey()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrEncryptionUnavailable, err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(secret)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %s", ErrEncryptionUnavailable, err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(secret), []byte(tokenPrefix))
	return tokenPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt recovers the plaintext secret from a stored value. Dispatch is
// on the version tag:
//   - tagged values decrypt via the AEAD and surface corruption as an
//     error, never as guessed plaintext;
//   - untagged values matching the legacy ciphertext shape go through the
//     one-time migration path;
//   - everything else is plaintext awaiting encryption on next save.
func (c *cipherBox) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}

	if strings.HasPrefix(stored, tokenPrefix) {
		return c.decryptVersioned(stored)
	}

	if looksLikeLegacyCiphertext(stored) {
		return c.decryptLegacy(stored)
	}

	return stored, nil
}

func (c *cipherBox) decryptVersioned(stored string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, tokenPrefix))
	if err != nil {
		return "", fmt.Errorf("stored token is corrupted: invalid base64: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("stored token is corrupted: %d bytes is too short", len(sealed))
	}

	key, err := c.loadKey()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrEncryptionUnavailable, err)
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tokenPrefix))
	if err != nil {
		return "", fmt.Errorf("stored token is corrupted: authentication failed (wrong key or tampered data)")
	}
	return string(plaintext), nil
}

// decryptLegacy attempts the pre-versioning format: bare base64 of an
// XChaCha20-Poly1305 blob with no AAD. A very long plaintext API key can
// collide with the shape heuristic, so a failed legacy decrypt falls back
// to treating the value as plaintext rather than destroying a credential.
func (c *cipherBox) decryptLegacy(stored string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return stored, nil
	}

	key, err := c.loadKey()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrEncryptionUnavailable, err)
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		logging.Warn().Msg("token matches legacy ciphertext shape but did not decrypt; treating as plaintext pending re-save")
		return stored, nil
	}

	logging.Info().Msg("migrated legacy-format token; will re-encrypt on next save")
	return string(plaintext), nil
}

// looksLikeLegacyCiphertext is the migration heuristic: long enough and
// shaped like standard base64.
func looksLikeLegacyCiphertext(s string) bool {
	if len(s) < legacyMinLength || len(s)%4 != 0 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/':
		case r == '=' && i >= len(s)-2:
		default:
			return false
		}
	}
	return true
}
