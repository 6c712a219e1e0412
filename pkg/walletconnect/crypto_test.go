package walletconnect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAes256RoundTrip(t *testing.T) {
	key, err := GenerateRandomBytes(256 / 8)
	require.NoError(t, err)
	iv, err := GenerateRandomBytes(128 / 8)
	require.NoError(t, err)

	plaintext := []byte(`{"id":1,"jsonrpc":"2.0"}`)
	cipherText, err := Aes256Encrypt(plaintext, key, iv)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, cipherText)
	// CBC output is block aligned.
	assert.Zero(t, len(cipherText)%16)

	// Decryption works in place; keep the original for the second case.
	buf := append([]byte(nil), cipherText...)
	decrypted, err := Aes256Decrypt(buf, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	wrongKey, err := GenerateRandomBytes(256 / 8)
	require.NoError(t, err)
	buf = append([]byte(nil), cipherText...)
	decrypted, err = Aes256Decrypt(buf, wrongKey, iv)
	if err == nil {
		assert.NotEqual(t, plaintext, decrypted)
	}
}

func TestHmacSha256Deterministic(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	a := HmacSha256([]byte("payload"), key)
	b := HmacSha256([]byte("payload"), key)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HmacSha256([]byte("payload2"), key))
	assert.Len(t, a, 32)
}

func TestExtractRootDomain(t *testing.T) {
	assert.Equal(t, "example.com", ExtractRootDomain("https://app.example.com/path"))
	assert.Equal(t, "walletconnect.org", ExtractRootDomain("https://r.bridge.walletconnect.org"))
}

func TestGetWebSocketUrl(t *testing.T) {
	assert.Equal(t, "wss://r.bridge.walletconnect.org?protocol=wc&version=1&env=Wallet",
		GetWebSocketUrl("https://r.bridge.walletconnect.org", "wc", "1"))
	assert.Equal(t, "ws://127.0.0.1:9090?protocol=wc&version=1&env=Wallet",
		GetWebSocketUrl("http://127.0.0.1:9090", "wc", "1"))
}
