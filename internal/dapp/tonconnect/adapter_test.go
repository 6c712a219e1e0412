package tonconnect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/internal/config"
	"stellawallet.io/stella-wallet/internal/dapp"
)

type fakeEngine struct {
	maxMessages int
	draftCalls  int
	draftErr    *chains.DraftError
	sendResult  []chains.SentTransaction
	sendErr     error
}

func (f *fakeEngine) MaxMessagesPerTransaction(string) int { return f.maxMessages }

func (f *fakeEngine) CheckTransactionDraft(_ context.Context, _, _ string, messages []chains.Message) (*chains.DraftResult, error) {
	f.draftCalls++
	if f.draftErr != nil {
		return &chains.DraftResult{Err: f.draftErr}, nil
	}
	transfers := make([]chains.Transfer, 0, len(messages))
	for _, m := range messages {
		transfers = append(transfers, chains.Transfer{Chain: chainTon, ToAddress: m.Address, Amount: m.Amount})
	}
	return &chains.DraftResult{Transfers: transfers, Emulation: &chains.Emulation{NetworkFee: "1"}}, nil
}

func (f *fakeEngine) SendSignedTransactions(_ context.Context, _ string, signed []chains.SignedTransaction) ([]chains.SentTransaction, error) {
	if f.sendResult != nil || f.sendErr != nil {
		return f.sendResult, f.sendErr
	}
	sent := make([]chains.SentTransaction, 0, len(signed))
	for _, s := range signed {
		sent = append(sent, chains.SentTransaction{Payload: s.Payload, MsgHash: "hash-" + s.Payload})
	}
	return sent, nil
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []dapp.Update
	onPush  func(dapp.Update)
}

func (r *updateRecorder) sink(update dapp.Update) {
	r.mu.Lock()
	r.updates = append(r.updates, update)
	onPush := r.onPush
	r.mu.Unlock()
	if onPush != nil {
		onPush(update)
	}
}

func (r *updateRecorder) byType(name string) []dapp.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []dapp.Update
	for _, u := range r.updates {
		if u.Type() == name {
			matched = append(matched, u)
		}
	}
	return matched
}

func newTestAdapter(t *testing.T, engine chains.Support) (*Adapter, *updateRecorder, *dapp.Config) {
	t.Helper()
	registry := chains.NewRegistry()
	if engine != nil {
		registry.Register(chainTon, engine)
	}
	recorder := &updateRecorder{}
	promises := dapp.NewPromises(2 * time.Second)
	t.Cleanup(promises.Close)
	cfg := &dapp.Config{
		OnUpdate: recorder.sink,
		Store:    dapp.NewMemoryStore(),
		Cursor:   dapp.NewMemoryCursor(),
		Chains:   registry,
		Promises: promises,
		Bridge:   &config.Bridge{},
	}
	a := New()
	require.NoError(t, a.Init(cfg))
	t.Cleanup(a.Destroy)
	return a, recorder, cfg
}

func connectRaw(manifestURL string, withProof bool) json.RawMessage {
	payload := connectPayload{
		ManifestURL: manifestURL,
		Items:       []connectItem{{Name: itemAddress}},
	}
	if withProof {
		payload.Items = append(payload.Items, connectItem{Name: itemProof, Payload: "challenge-123"})
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func newManifestServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://app.example.com","name":"Example","iconUrl":"https://app.example.com/icon.png"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestConnectRequiresAddressItem(t *testing.T) {
	a, recorder, _ := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	raw, _ := json.Marshal(connectPayload{ManifestURL: "https://app.example.com/manifest.json",
		Items: []connectItem{{Name: itemProof}}})

	result := a.Connect(context.Background(), &dapp.Request{}, &dapp.ConnectionRequest{Payload: raw}, 1)
	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeBadRequest, result.Error.Code)
	// Rejected before any user prompt.
	assert.Empty(t, recorder.byType("dappConnect"))
}

func TestConnectWithProof(t *testing.T) {
	server := newManifestServer(t)
	a, recorder, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	recorder.onPush = func(update dapp.Update) {
		prompt, ok := update.(dapp.UpdateConnectRequested)
		if !ok {
			return
		}
		assert.NotNil(t, prompt.Proof)
		assert.Equal(t, "challenge-123", prompt.Proof.Payload)
		cfg.Promises.Resolve(prompt.PromiseID, &dapp.ConnectApproval{
			AccountID:       "0-mainnet",
			Address:         "EQexample",
			PublicKey:       "aabb",
			ProofSignatures: []string{"c2ln"},
		})
	}

	result := a.Connect(context.Background(), &dapp.Request{}, &dapp.ConnectionRequest{
		Transport: dapp.TransportEmbedded,
		Payload:   connectRaw(server.URL, true),
	}, 7)
	require.True(t, result.Success, "connect failed: %v", result.Error)
	require.NotNil(t, result.Session)
	assert.Equal(t, "0-mainnet", result.Session.AccountID)

	event := result.Session.Event.(*connectEvent)
	assert.Equal(t, int64(7), event.ID)
	require.Len(t, event.Payload.Items, 2)
	addr := event.Payload.Items[0].(addressItemReply)
	assert.Equal(t, "EQexample", addr.Address)
	assert.Equal(t, wireNetworkMainnet, addr.Network)
	proof := event.Payload.Items[1].(proofItemReply)
	assert.Equal(t, "c2ln", proof.Proof.Signature)
	assert.Equal(t, "challenge-123", proof.Proof.Payload)
	assert.Contains(t, proof.Proof.Domain.Value, ".")

	stored, err := cfg.Store.Get(context.Background(), "0-mainnet", "https://app.example.com", "jsbridge")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, dapp.ProtocolTonConnect, stored.ProtocolType)
}

func TestConnectUserRejection(t *testing.T) {
	server := newManifestServer(t)
	a, recorder, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	recorder.onPush = func(update dapp.Update) {
		if prompt, ok := update.(dapp.UpdateConnectRequested); ok {
			cfg.Promises.Reject(prompt.PromiseID, dapp.UserRejected())
		}
	}

	result := a.Connect(context.Background(), &dapp.Request{}, &dapp.ConnectionRequest{
		Payload: connectRaw(server.URL, false),
	}, 1)
	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeUserRejected, result.Error.Code)
}

func TestReconnectUnknownApp(t *testing.T) {
	a, _, _ := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	result := a.Reconnect(context.Background(), &dapp.Request{
		URL:       "https://never-connected.example.com",
		AccountID: "0-mainnet",
	}, 1)
	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeUnknownApp, result.Error.Code)
}

func TestReconnectRestoresSession(t *testing.T) {
	a, _, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	ctx := context.Background()
	require.NoError(t, cfg.Store.Put(ctx, "0-testnet", &dapp.Connection{
		ProtocolType: dapp.ProtocolTonConnect,
		URL:          "https://app.example.com",
		Chains: []dapp.SessionChain{{
			Chain: dapp.ChainTon, Address: "EQexample", Network: dapp.NetworkTestnet,
		}},
	}))

	result := a.Reconnect(ctx, &dapp.Request{URL: "https://app.example.com", AccountID: "0-testnet"}, 3)
	require.True(t, result.Success)
	event := result.Session.Event.(*connectEvent)
	require.Len(t, event.Payload.Items, 1)
	assert.Equal(t, wireNetworkTestnet, event.Payload.Items[0].(addressItemReply).Network)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	a, _, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	ctx := context.Background()
	request := &dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"}
	require.NoError(t, cfg.Store.Put(ctx, "0-mainnet", &dapp.Connection{
		ProtocolType: dapp.ProtocolTonConnect,
		URL:          "https://app.example.com",
	}))

	result := a.Disconnect(ctx, request, &dapp.DisconnectRequest{})
	assert.True(t, result.Success)
	// Disconnecting again finds nothing and still succeeds.
	result = a.Disconnect(ctx, request, &dapp.DisconnectRequest{})
	assert.True(t, result.Success)
}

func newTransactionRequest(t *testing.T, payload transactionPayload) *dapp.TransactionRequest {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &dapp.TransactionRequest{Chain: dapp.ChainTon, Payload: raw}
}

func putTonConnection(t *testing.T, cfg *dapp.Config, accountID string) {
	t.Helper()
	require.NoError(t, cfg.Store.Put(context.Background(), accountID, &dapp.Connection{
		ProtocolType: dapp.ProtocolTonConnect,
		URL:          "https://app.example.com",
		Chains: []dapp.SessionChain{{
			Chain:   dapp.ChainTon,
			Address: "EQexample",
			Network: dapp.ParseAccountNetwork(accountID),
		}},
	}))
}

func TestSendTransactionTooManyMessages(t *testing.T) {
	engine := &fakeEngine{maxMessages: 4}
	a, recorder, cfg := newTestAdapter(t, engine)
	putTonConnection(t, cfg, "0-mainnet")

	messages := make([]trxMessage, 5)
	for i := range messages {
		messages[i] = trxMessage{Address: "EQto", Amount: "1"}
	}
	result := a.SendTransaction(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		newTransactionRequest(t, transactionPayload{Messages: messages}))

	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeBadRequest, result.Error.Code)
	// No draft and no prompt for an over-limit request.
	assert.Zero(t, engine.draftCalls)
	assert.Empty(t, recorder.byType("dappSendTransactions"))
}

func TestSendTransactionNetworkMismatch(t *testing.T) {
	a, _, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	putTonConnection(t, cfg, "0-mainnet")

	result := a.SendTransaction(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		newTransactionRequest(t, transactionPayload{
			Network:  wireNetworkTestnet,
			Messages: []trxMessage{{Address: "EQto", Amount: "1"}},
		}))

	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeNetworkMismatch, result.Error.Code)
	assert.Equal(t, dapp.DisplayWrongNetwork, result.Error.Display)
}

func TestSendTransactionWrongFromAddress(t *testing.T) {
	a, _, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	putTonConnection(t, cfg, "0-mainnet")

	result := a.SendTransaction(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		newTransactionRequest(t, transactionPayload{
			From:     "EQsomeoneelse",
			Messages: []trxMessage{{Address: "EQto", Amount: "1"}},
		}))

	require.False(t, result.Success)
	assert.Equal(t, dapp.DisplayWrongAddress, result.Error.Display)
}

func TestSendTransactionApproved(t *testing.T) {
	engine := &fakeEngine{maxMessages: 4}
	a, recorder, cfg := newTestAdapter(t, engine)
	putTonConnection(t, cfg, "0-mainnet")
	recorder.onPush = func(update dapp.Update) {
		if prompt, ok := update.(dapp.UpdateTransactionsRequested); ok {
			assert.Len(t, prompt.Transactions, 2)
			cfg.Promises.Resolve(prompt.PromiseID, []chains.SignedTransaction{
				{Payload: "boc1"}, {Payload: "boc2"},
			})
		}
	}

	validUntilMs := time.Now().Add(time.Hour).UnixMilli()
	result := a.SendTransaction(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		newTransactionRequest(t, transactionPayload{
			ValidUntil: validUntilMs,
			From:       "eqEXAMPLE",
			Messages:   []trxMessage{{Address: "EQa", Amount: "1"}, {Address: "EQb", Amount: "2"}},
		}))

	require.True(t, result.Success, "send failed: %v", result.Error)
	assert.Equal(t, "boc1", result.Result)
	assert.Equal(t, 1, engine.draftCalls)
	assert.Empty(t, recorder.byType("showError"))
}

func TestSendTransactionPartialBroadcast(t *testing.T) {
	engine := &fakeEngine{
		maxMessages: 4,
		sendResult:  []chains.SentTransaction{{Payload: "boc1", MsgHash: "h1"}},
	}
	a, recorder, cfg := newTestAdapter(t, engine)
	putTonConnection(t, cfg, "0-mainnet")
	recorder.onPush = func(update dapp.Update) {
		if prompt, ok := update.(dapp.UpdateTransactionsRequested); ok {
			cfg.Promises.Resolve(prompt.PromiseID, []chains.SignedTransaction{
				{Payload: "boc1"}, {Payload: "boc2"},
			})
		}
	}

	result := a.SendTransaction(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		newTransactionRequest(t, transactionPayload{
			Messages: []trxMessage{{Address: "EQa", Amount: "1"}, {Address: "EQb", Amount: "2"}},
		}))

	// Partial delivery still answers the dapp with success.
	require.True(t, result.Success)
	shown := recorder.byType("showError")
	require.Len(t, shown, 1)
	assert.Equal(t, dapp.DisplayPartialFailure, shown[0].(dapp.UpdateShowError).Display)
}

func TestSendTransactionInsufficientBalance(t *testing.T) {
	engine := &fakeEngine{
		maxMessages: 4,
		draftErr:    &chains.DraftError{Code: chains.DraftInsufficientBalance},
	}
	a, recorder, cfg := newTestAdapter(t, engine)
	putTonConnection(t, cfg, "0-mainnet")

	result := a.SendTransaction(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		newTransactionRequest(t, transactionPayload{
			Messages: []trxMessage{{Address: "EQa", Amount: "1"}},
		}))

	require.False(t, result.Success)
	assert.Equal(t, dapp.DisplayInsufficientBalance, result.Error.Display)
	assert.Empty(t, recorder.byType("dappSendTransactions"))
}

func TestSignDataApproved(t *testing.T) {
	a, recorder, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	putTonConnection(t, cfg, "0-mainnet")
	recorder.onPush = func(update dapp.Update) {
		if prompt, ok := update.(dapp.UpdateSignDataRequested); ok {
			// The same value shape the confirmation callback resolves with.
			cfg.Promises.Resolve(prompt.PromiseID, &dapp.SignDataApproval{
				Signature: "c2ln", Address: "EQexample", Timestamp: 1000,
			})
		}
	}

	raw, _ := json.Marshal(signDataPayload{Type: "text", Text: "hello"})
	result := a.SignData(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		&dapp.SignDataRequest{Chain: dapp.ChainTon, Payload: raw})

	require.True(t, result.Success, "sign failed: %v", result.Error)
	assert.Equal(t, "c2ln", result.Result.(*dapp.SignDataApproval).Signature)
}

func TestSignDataRejectsEmptySignature(t *testing.T) {
	a, recorder, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	putTonConnection(t, cfg, "0-mainnet")
	recorder.onPush = func(update dapp.Update) {
		if prompt, ok := update.(dapp.UpdateSignDataRequested); ok {
			cfg.Promises.Resolve(prompt.PromiseID, &dapp.SignDataApproval{})
		}
	}

	raw, _ := json.Marshal(signDataPayload{Type: "text", Text: "hello"})
	result := a.SignData(context.Background(),
		&dapp.Request{URL: "https://app.example.com", AccountID: "0-mainnet"},
		&dapp.SignDataRequest{Chain: dapp.ChainTon, Payload: raw})
	require.False(t, result.Success)
}

func TestConnectTimeoutPersistsNothing(t *testing.T) {
	server := newManifestServer(t)
	registry := chains.NewRegistry()
	registry.Register(chainTon, &fakeEngine{maxMessages: 4})
	recorder := &updateRecorder{}
	promises := dapp.NewPromises(100 * time.Millisecond)
	t.Cleanup(promises.Close)
	cfg := &dapp.Config{
		OnUpdate: recorder.sink,
		Store:    dapp.NewMemoryStore(),
		Cursor:   dapp.NewMemoryCursor(),
		Chains:   registry,
		Promises: promises,
		Bridge:   &config.Bridge{},
	}
	a := New()
	require.NoError(t, a.Init(cfg))
	t.Cleanup(a.Destroy)

	// Nobody answers the prompt; the deadline sweeper must settle the call.
	result := a.Connect(context.Background(), &dapp.Request{}, &dapp.ConnectionRequest{
		Payload: connectRaw(server.URL, false),
	}, 1)
	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeTimeout, result.Error.Code)

	all, err := cfg.Store.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAccountFallbackUsesRequestNetwork(t *testing.T) {
	a, _, cfg := newTestAdapter(t, &fakeEngine{maxMessages: 4})
	ctx := context.Background()
	require.NoError(t, cfg.Store.Put(ctx, "0-testnet", &dapp.Connection{
		ProtocolType: dapp.ProtocolTonConnect,
		URL:          "https://app.example.com",
		Chains: []dapp.SessionChain{{
			Chain: dapp.ChainTon, Address: "EQexample", Network: dapp.NetworkTestnet,
		}},
	}))

	result := a.Reconnect(ctx, &dapp.Request{
		URL:     "https://app.example.com",
		Network: dapp.NetworkTestnet,
	}, 7)
	require.True(t, result.Success, "reconnect failed: %v", result.Error)
	assert.Equal(t, "0-testnet", result.Session.AccountID)

	// Without the network hint the mainnet fallback finds nothing.
	result = a.Reconnect(ctx, &dapp.Request{URL: "https://app.example.com"}, 8)
	require.False(t, result.Success)
	assert.Equal(t, dapp.CodeUnknownApp, result.Error.Code)
}

func TestNormalizeValidUntil(t *testing.T) {
	assert.Equal(t, int64(1700000000), normalizeValidUntil(1700000000))
	assert.Equal(t, int64(1700000000), normalizeValidUntil(1700000000000))
	assert.Zero(t, normalizeValidUntil(0))
}

func TestProofDomainOf(t *testing.T) {
	domain, ok := proofDomainOf("https://app.example.com/path")
	require.True(t, ok)
	assert.Equal(t, "app.example.com", domain)

	_, ok = proofDomainOf("https://localhost/path")
	assert.False(t, ok)
}
