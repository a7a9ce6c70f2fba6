package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitfinexHeadersAt(t *testing.T) {
	auth := &BitfinexAuth{Key: "key-123", Secret: "s3cret"}
	path := "/api/v2/auth/w/order/submit"
	body := `{"type":"LIMIT"}`

	h := auth.HeadersAt(path, body, "1700000000000000")

	mac := hmac.New(sha512.New384, []byte("s3cret"))
	mac.Write([]byte(path + "1700000000000000" + body))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, "1700000000000000", h["bfx-nonce"])
	assert.Equal(t, "key-123", h["bfx-apikey"])
	assert.Equal(t, want, h["bfx-signature"])
	assert.Len(t, h["bfx-signature"], 96)
}

func TestBitfinexHeadersNonceChanges(t *testing.T) {
	auth := &BitfinexAuth{Key: "k", Secret: "s"}
	h := auth.Headers("/p", "")
	assert.NotEmpty(t, h["bfx-nonce"])
	assert.NotEmpty(t, h["bfx-signature"])
}

func TestBitfinexAuthStringRedacts(t *testing.T) {
	auth := &BitfinexAuth{Key: "abcdefgh", Secret: "topsecretvalue"}
	s := auth.String()
	assert.NotContains(t, s, "topsecretvalue")
	assert.Contains(t, s, "abcd****")
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("  bfx-api-secret  ", "hunter2")
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(blob), "bfx-api-secret"))

	got, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "bfx-api-secret", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptSecretRejectsEmpty(t *testing.T) {
	_, err := EncryptSecret("x", "")
	assert.Error(t, err)
	_, err = EncryptSecret("   ", "pw")
	assert.Error(t, err)
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{RawSecret: "raw", EncryptedPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "raw", got)

	blob, err := EncryptSecret("from-file", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secret.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	_, err = LoadSecret(SecretConfig{})
	assert.ErrorIs(t, err, ErrNoSecret)
}
