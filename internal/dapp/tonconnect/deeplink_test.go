package tonconnect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanHandleDeepLink(t *testing.T) {
	a, _, cfg := newTestAdapter(t, nil)
	cfg.Bridge.UniversalURL = "https://app.stellawallet.io/ton-connect"

	assert.True(t, a.CanHandleDeepLink("tc://?v=2&id=abc&r=%7B%7D"))
	assert.True(t, a.CanHandleDeepLink("https://app.stellawallet.io/ton-connect?v=2"))
	assert.False(t, a.CanHandleDeepLink("wc:topic@1?bridge=x&key=y"))
	assert.False(t, a.CanHandleDeepLink("https://elsewhere.example.com"))
}

func TestHandleDeepLinkReturnStrategyOnly(t *testing.T) {
	a, _, _ := newTestAdapter(t, nil)

	// No connect payload: only the return strategy is refreshed.
	ret, err := a.HandleDeepLink(context.Background(), "tc://?ret=https%3A%2F%2Fback.example.com", false, 1)
	require.NoError(t, err)
	assert.Equal(t, "https://back.example.com", ret)

	ret, err = a.HandleDeepLink(context.Background(), "tc://", true, 1)
	require.NoError(t, err)
	assert.Equal(t, "none", ret)

	ret, err = a.HandleDeepLink(context.Background(), "tc://", false, 1)
	require.NoError(t, err)
	assert.Equal(t, "back", ret)
}

func TestHandleDeepLinkRejectsUnsupportedVersion(t *testing.T) {
	a, recorder, _ := newTestAdapter(t, nil)

	wallet, err := newSessionCrypto()
	require.NoError(t, err)
	_, err = a.HandleDeepLink(context.Background(),
		"tc://?v=1&id="+wallet.clientID()+"&r=%7B%7D", false, 1)
	require.Error(t, err)
	assert.NotEmpty(t, recorder.byType("showError"))
}

func TestHandleDeepLinkRejectsMalformedAppKey(t *testing.T) {
	a, _, _ := newTestAdapter(t, nil)

	_, err := a.HandleDeepLink(context.Background(), "tc://?v=2&id=zz&r=%7B%7D", false, 1)
	require.Error(t, err)
}
