package tonconnect

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stellawallet.io/stella-wallet/internal/config"
	"stellawallet.io/stella-wallet/internal/dapp"
)

func TestSessionCryptoRoundTrip(t *testing.T) {
	wallet, err := newSessionCrypto()
	require.NoError(t, err)
	app, err := newSessionCrypto()
	require.NoError(t, err)

	sealed, err := app.encrypt(wallet.clientID(), []byte(`{"method":"sendTransaction"}`))
	require.NoError(t, err)

	opened, err := wallet.decrypt(app.clientID(), sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"sendTransaction"}`, string(opened))

	// A different recipient cannot open the box.
	other, err := newSessionCrypto()
	require.NoError(t, err)
	_, err = other.decrypt(app.clientID(), sealed)
	assert.Error(t, err)
}

func TestSessionCryptoRehydratesFromSecret(t *testing.T) {
	original, err := newSessionCrypto()
	require.NoError(t, err)

	restored, err := sessionCryptoFromSecret(original.secretKeyHex())
	require.NoError(t, err)
	assert.Equal(t, original.clientID(), restored.clientID())

	_, err = sessionCryptoFromSecret("not-hex")
	assert.Error(t, err)
	_, err = sessionCryptoFromSecret("abcd")
	assert.Error(t, err)
}

func TestHandleEventDeduplicates(t *testing.T) {
	wallet, err := newSessionCrypto()
	require.NoError(t, err)
	app, err := newSessionCrypto()
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []*appMessage
	)
	cfg := &dapp.Config{
		OnUpdate: func(dapp.Update) {},
		Store:    dapp.NewMemoryStore(),
		Cursor:   dapp.NewMemoryCursor(),
		Bridge:   &config.Bridge{SSEEnabled: true},
	}
	bridge := newRemoteBridge(cfg, func(_ context.Context, _ *bridgeClient, msg *appMessage) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})
	client := &bridgeClient{
		accountID: "0-mainnet",
		conn: &dapp.Connection{
			ProtocolType: dapp.ProtocolTonConnect,
			URL:          "https://app.example.com",
			Remote: &dapp.RemoteOptions{
				ClientID:    wallet.clientID(),
				AppClientID: app.clientID(),
				SecretKey:   wallet.secretKeyHex(),
			},
		},
		crypto: wallet,
	}

	raw, err := json.Marshal(appMessage{ID: json.Number("17"), Method: "sendTransaction", Params: []string{"{}"}})
	require.NoError(t, err)
	sealed, err := app.encrypt(wallet.clientID(), raw)
	require.NoError(t, err)
	event := bridgeEvent{ID: "1", From: app.clientID(), Message: sealed}

	ctx := context.Background()
	bridge.handleEvent(ctx, client, event)
	// The relay redelivers after reconnects; the second copy must be dropped.
	bridge.handleEvent(ctx, client, event)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "sendTransaction", received[0].Method)
	assert.Equal(t, "17", received[0].ID.String())
}

func TestHandleEventRejectsTamperedMessage(t *testing.T) {
	wallet, _ := newSessionCrypto()
	app, _ := newSessionCrypto()
	cfg := &dapp.Config{
		OnUpdate: func(dapp.Update) {},
		Store:    dapp.NewMemoryStore(),
		Cursor:   dapp.NewMemoryCursor(),
		Bridge:   &config.Bridge{},
	}
	called := false
	bridge := newRemoteBridge(cfg, func(context.Context, *bridgeClient, *appMessage) {
		called = true
	})
	client := &bridgeClient{
		conn: &dapp.Connection{
			Remote: &dapp.RemoteOptions{AppClientID: app.clientID()},
		},
		crypto: wallet,
	}

	bridge.handleEvent(context.Background(), client, bridgeEvent{
		ID:      "1",
		From:    app.clientID(),
		Message: "bm90IGEgdmFsaWQgYm94IGF0IGFsbCwganVzdCBiYXNlNjQgbm9pc2U=",
	})
	assert.False(t, called)
}

func TestAddClientConcurrently(t *testing.T) {
	cfg := &dapp.Config{
		OnUpdate: func(dapp.Update) {},
		Store:    dapp.NewMemoryStore(),
		Cursor:   dapp.NewMemoryCursor(),
		Bridge:   &config.Bridge{SSEEnabled: true},
	}
	bridge := newRemoteBridge(cfg, nil)
	t.Cleanup(bridge.Close)

	const count = 8
	clients := make([]*bridgeClient, 0, count)
	for i := 0; i < count; i++ {
		crypto, err := newSessionCrypto()
		require.NoError(t, err)
		clients = append(clients, &bridgeClient{
			accountID: "0-mainnet",
			conn: &dapp.Connection{
				Remote: &dapp.RemoteOptions{ClientID: crypto.clientID()},
			},
			crypto: crypto,
		})
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *bridgeClient) {
			defer wg.Done()
			bridge.AddClient(ctx, c)
		}(client)
	}
	wg.Wait()

	// Every concurrent registration must survive the stream rebuilds.
	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Len(t, bridge.clients, count)
}

func TestMessageTTLDefault(t *testing.T) {
	cfg := &dapp.Config{Bridge: &config.Bridge{}}
	bridge := newRemoteBridge(cfg, nil)
	assert.Equal(t, defaultMessageTTL, bridge.messageTTL())

	cfg.Bridge.MessageTTLSec = 60
	assert.Equal(t, time.Minute, bridge.messageTTL())
}
