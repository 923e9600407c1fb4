package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealLegacy produces a pre-versioning token: bare base64 of
// nonce||ciphertext with no version tag and no AAD.
func sealLegacy(t *testing.T, key []byte, plaintext string) string {
	t.Helper()

	aead, err := chacha20poly1305.NewX(key)
	require.NoError(t, err)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed)
}

// jsonString encodes s as a JSON string literal.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
