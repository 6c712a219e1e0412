package walletconnect

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stellawallet.io/stella-wallet/internal/dapp"
)

func TestParsePairingURI(t *testing.T) {
	key := "1b3e4f5a6b7c8d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f70"
	uri, err := parsePairingURI("wc:topic-1@1?bridge=https%3A%2F%2Fr.bridge.walletconnect.org&key=" + key)
	require.NoError(t, err)
	assert.Equal(t, "topic-1", uri.topic)
	assert.Equal(t, "1", uri.version)
	assert.Equal(t, "https://r.bridge.walletconnect.org", uri.bridge)
	assert.Equal(t, key, hex.EncodeToString(uri.key))

	_, err = parsePairingURI("tc://?v=2")
	assert.Error(t, err)
	_, err = parsePairingURI("wc:topic-1")
	assert.Error(t, err)
	_, err = parsePairingURI("wc:topic-1@1?bridge=https%3A%2F%2Fr.bridge.walletconnect.org&key=abcd")
	assert.Error(t, err)
	_, err = parsePairingURI("wc:topic-1@1?key=" + key)
	assert.Error(t, err)
}

func TestRelayPayloadRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	session := newRelaySession("https://r.bridge.walletconnect.org", "topic", "client", key)

	payload, err := session.encryptJSONRpc(`{"id":1,"jsonrpc":"2.0","method":"wc_sessionRequest"}`)
	require.NoError(t, err)

	msg := &wcMessage{Topic: "client", Type: "pub", Payload: payload.Marshal()}
	jsonRpc, err := session.decryptJSONRpc(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"jsonrpc":"2.0","method":"wc_sessionRequest"}`, jsonRpc)

	// Flipping the hmac must fail verification.
	payload.Hmac = "00" + payload.Hmac[2:]
	msg.Payload = payload.Marshal()
	_, err = session.decryptJSONRpc(msg)
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	msg := []byte("login challenge 42")

	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27 // Yellow paper V

	assert.True(t, verifySignature(address, hexutil.Encode(sig), msg))
	assert.False(t, verifySignature(address, hexutil.Encode(sig), []byte("other message")))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	assert.False(t, verifySignature(crypto.PubkeyToAddress(other.PublicKey).Hex(), hexutil.Encode(sig), msg))
}

func TestChainIDFor(t *testing.T) {
	assert.Equal(t, 1, chainIDFor(dapp.NetworkMainnet))
	assert.Equal(t, 5, chainIDFor(dapp.NetworkTestnet))
}

func TestPairingQR(t *testing.T) {
	png, err := PairingQR("wc:topic-1@1?bridge=https%3A%2F%2Fr.bridge.walletconnect.org&key=aa")
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}
