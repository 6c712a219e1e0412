package dapp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	conn := &Connection{
		ProtocolType: ProtocolTonConnect,
		URL:          "https://app.example.com",
		Name:         "Example",
		ConnectedAt:  100,
	}
	require.NoError(t, store.Put(ctx, "0-mainnet", conn))

	got, err := store.Get(ctx, "0-mainnet", conn.URL, "jsbridge")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Example", got.Name)

	// Re-putting the same url/unique id overwrites, not duplicates.
	conn2 := *conn
	conn2.Name = "Example v2"
	require.NoError(t, store.Put(ctx, "0-mainnet", &conn2))
	conns, err := store.List(ctx, "0-mainnet")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "Example v2", conns[0].Name)

	deleted, err := store.Delete(ctx, "0-mainnet", conn.URL, "jsbridge")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = store.Delete(ctx, "0-mainnet", conn.URL, "jsbridge")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryStoreFindLastConnectedAccount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	url := "https://app.example.com"

	require.NoError(t, store.Put(ctx, "0-mainnet", &Connection{URL: url, ConnectedAt: 100}))
	require.NoError(t, store.Put(ctx, "1-mainnet", &Connection{URL: url, ConnectedAt: 200}))
	require.NoError(t, store.Put(ctx, "0-testnet", &Connection{URL: url, ConnectedAt: 300}))

	account, err := store.FindLastConnectedAccount(ctx, NetworkMainnet, url)
	require.NoError(t, err)
	assert.Equal(t, "1-mainnet", account)

	account, err = store.FindLastConnectedAccount(ctx, NetworkTestnet, url)
	require.NoError(t, err)
	assert.Equal(t, "0-testnet", account)

	account, err = store.FindLastConnectedAccount(ctx, NetworkMainnet, "https://other.example.com")
	require.NoError(t, err)
	assert.Empty(t, account)
}

func TestMemoryCursorDeduplicates(t *testing.T) {
	ctx := context.Background()
	cursor := NewMemoryCursor()

	first, err := cursor.MarkProcessed(ctx, "peer:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := cursor.MarkProcessed(ctx, "peer:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, cursor.SetLastEventID(ctx, "42"))
	id, err := cursor.LastEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestConnectionUniqueID(t *testing.T) {
	assert.Equal(t, "jsbridge", (&Connection{}).UniqueID())
	assert.Equal(t, "app-pub-key", (&Connection{
		Remote: &RemoteOptions{AppClientID: "app-pub-key"},
	}).UniqueID())
	assert.Equal(t, "topic-1", (&Connection{PairingTopic: "topic-1"}).UniqueID())

	assert.Equal(t, "jsbridge", RequestUniqueID(nil))
	assert.Equal(t, "app-pub-key", RequestUniqueID(&Request{
		Remote: &RemoteOptions{AppClientID: "app-pub-key"},
	}))
	assert.Equal(t, "topic-1", RequestUniqueID(&Request{Identifier: "topic-1"}))
}

func TestParseAccountNetwork(t *testing.T) {
	assert.Equal(t, NetworkMainnet, ParseAccountNetwork("0-mainnet"))
	assert.Equal(t, NetworkTestnet, ParseAccountNetwork("3-testnet"))
	assert.Equal(t, NetworkMainnet, ParseAccountNetwork("justone"))
}
