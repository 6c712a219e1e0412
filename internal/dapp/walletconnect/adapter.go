package walletconnect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/atomic"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/internal/dapp"
	wcutil "stellawallet.io/stella-wallet/pkg/walletconnect"

	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

const chainEvm = "evm"

func chainIDFor(network dapp.Network) int {
	if network == dapp.NetworkTestnet {
		return 5
	}
	return 1
}

// liveSession is one active relay link to a paired dapp.
type liveSession struct {
	relay     *relaySession
	accountID string
	conn      *dapp.Connection
}

// Adapter implements the v1 relay protocol on the wallet side: it answers
// session requests, signs and broadcasts on user approval, and keeps paired
// relay links alive across restarts.
type Adapter struct {
	cfg         *dapp.Config
	initialized *atomic.Bool

	mu       sync.Mutex
	sessions map[string]*liveSession
}

func New() *Adapter {
	return &Adapter{
		initialized: atomic.NewBool(false),
		sessions:    make(map[string]*liveSession),
	}
}

func (a *Adapter) ProtocolType() dapp.ProtocolType {
	return dapp.ProtocolWalletConnect
}

func (a *Adapter) Init(cfg *dapp.Config) error {
	if !a.initialized.CAS(false, true) {
		return nil
	}
	a.cfg = cfg
	return nil
}

func (a *Adapter) Destroy() {
	if !a.initialized.CAS(true, false) {
		return
	}
	a.mu.Lock()
	for _, session := range a.sessions {
		session.relay.close()
	}
	a.sessions = make(map[string]*liveSession)
	a.mu.Unlock()
}

func (a *Adapter) bridgeURL() string {
	if a.cfg.Bridge.WalletConnectBridgeURL != "" {
		return a.cfg.Bridge.WalletConnectBridgeURL
	}
	return wcutil.RandomBridgeURL()
}

// pairingURI holds the pieces of a wc:{topic}@{version} link.
type pairingURI struct {
	topic   string
	version string
	bridge  string
	key     []byte
}

func parsePairingURI(link string) (*pairingURI, error) {
	if !strings.HasPrefix(link, "wc:") {
		return nil, errors.New("not a pairing link")
	}
	rest := strings.TrimPrefix(link, "wc:")
	at := strings.Index(rest, "@")
	if at < 0 {
		return nil, errors.New("malformed pairing link")
	}
	uri := &pairingURI{topic: rest[:at]}
	rest = rest[at+1:]
	q := strings.Index(rest, "?")
	if q < 0 {
		return nil, errors.New("malformed pairing link")
	}
	uri.version = rest[:q]
	for _, kv := range strings.Split(rest[q+1:], "&") {
		eq := strings.Index(kv, "=")
		if eq < 0 {
			continue
		}
		switch kv[:eq] {
		case "bridge":
			decoded, err := url.QueryUnescape(kv[eq+1:])
			if err != nil {
				return nil, errors.Wrap(err, "decode bridge url")
			}
			uri.bridge = decoded
		case "key":
			key, err := hex.DecodeString(kv[eq+1:])
			if err != nil || len(key) != 32 {
				return nil, errors.New("malformed pairing key")
			}
			uri.key = key
		}
	}
	if uri.topic == "" || uri.bridge == "" || uri.key == nil {
		return nil, errors.New("incomplete pairing link")
	}
	return uri, nil
}

// PairingQR renders a pairing link as a QR image for cross-device display.
func PairingQR(uri string) ([]byte, error) {
	png, err := qrcode.Encode(uri, qrcode.Medium, 256)
	return png, errors.WrapAndReport(err, "encode pairing qr code")
}

func (a *Adapter) CanHandleDeepLink(link string) bool {
	return strings.HasPrefix(link, "wc:")
}

func (a *Adapter) HandleDeepLink(ctx context.Context, link string, _ bool, requestID int64) (string, error) {
	result := a.pair(ctx, link, requestID)
	if !result.Success {
		return "", result.Error
	}
	return "", nil
}

// Connect pairs with the dapp named by the wc link in the payload and blocks
// until the session request is answered.
func (a *Adapter) Connect(ctx context.Context, _ *dapp.Request, connection *dapp.ConnectionRequest, requestID int64) dapp.ConnectionResult {
	var payload struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(connection.Payload, &payload); err != nil || payload.URI == "" {
		return dapp.FailConnection(dapp.BadRequest("Missing pairing uri"))
	}
	return a.pair(ctx, payload.URI, requestID)
}

func (a *Adapter) pair(ctx context.Context, link string, requestID int64) dapp.ConnectionResult {
	uri, err := parsePairingURI(link)
	if err != nil {
		a.cfg.OnUpdate(dapp.UpdateShowError{Display: dapp.DisplayInvalidLink})
		return dapp.FailConnection(dapp.BadRequest("Malformed pairing link"))
	}
	if uri.version != "1" {
		return dapp.FailConnection(dapp.BadRequest("Unsupported pairing link version"))
	}
	clientID := uuid.NewString()
	relay := newRelaySession(uri.bridge, uri.topic, clientID, uri.key)
	if err := relay.dial(ctx); err != nil {
		return dapp.FailConnection(dapp.TransportError("Relay unreachable"))
	}
	if err := relay.subscribe(clientID); err != nil {
		relay.close()
		return dapp.FailConnection(dapp.TransportError("Relay subscription failed"))
	}
	if err := relay.subscribe(uri.topic); err != nil {
		relay.close()
		return dapp.FailConnection(dapp.TransportError("Relay subscription failed"))
	}

	type sessionRequest struct {
		id   int64
		peer peer
	}
	requests := make(chan sessionRequest, 1)
	relay.setHandler(func(req *jsonRpcRequest) {
		if req.Method != "wc_sessionRequest" || len(req.Params) == 0 {
			return
		}
		var p peer
		if err := json.Unmarshal(req.Params[0], &p); err != nil {
			log.Errorf("decode session request:%v", err)
			return
		}
		select {
		case requests <- sessionRequest{id: req.Id, peer: p}:
		default:
		}
	})
	relay.startReader(func(err error) {
		if err != nil && ctx.Err() == nil {
			log.Debugf("relay %v dropped:%v", uri.topic, err)
		}
	})

	var request sessionRequest
	select {
	case request = <-requests:
	case <-ctx.Done():
		relay.close()
		return dapp.FailConnection(dapp.TransportError("Pairing cancelled"))
	case <-time.After(a.cfg.Bridge.ApprovalTimeout()):
		relay.close()
		return dapp.FailConnection(dapp.Timeout())
	}

	meta := request.peer.PeerMeta
	promiseID, outcome := a.cfg.Promises.Create(dapp.PromiseConnect)
	a.cfg.OnUpdate(dapp.UpdateConnectRequested{
		PromiseID: promiseID,
		Dapp: dapp.Metadata{
			URL:     meta.URL,
			Name:    meta.Name,
			IconURL: firstIcon(meta.Icons),
		},
		Permissions: dapp.Permissions{Address: true},
	})

	var approval *dapp.ConnectApproval
	select {
	case out := <-outcome:
		if out.Err != nil {
			a.rejectSession(relay, request.id, clientID, request.peer.PeerID)
			relay.close()
			return dapp.FailConnection(out.Err)
		}
		approval, _ = out.Value.(*dapp.ConnectApproval)
	case <-ctx.Done():
		a.rejectSession(relay, request.id, clientID, request.peer.PeerID)
		relay.close()
		return dapp.FailConnection(dapp.TransportError("Pairing cancelled"))
	}
	if approval == nil || approval.Address == "" {
		a.rejectSession(relay, request.id, clientID, request.peer.PeerID)
		relay.close()
		return dapp.FailConnection(dapp.Unexpected(errors.New("approval carried no account")))
	}

	network := dapp.ParseAccountNetwork(approval.AccountID)
	reply := newJSONRpcResult(request.id, sessionApproval{
		PeerID:   clientID,
		PeerMeta: clientMeta{Name: "stella-wallet", URL: "https://stellawallet.io"},
		Approved: true,
		ChainID:  chainIDFor(network),
		Accounts: []string{approval.Address},
	})
	if err := relay.publish(request.peer.PeerID, reply.Marshal(), true); err != nil {
		relay.close()
		return dapp.FailConnection(dapp.TransportError("Relay publish failed"))
	}

	conn := &dapp.Connection{
		ProtocolType: dapp.ProtocolWalletConnect,
		URL:          meta.URL,
		Name:         meta.Name,
		IconURL:      firstIcon(meta.Icons),
		ConnectedAt:  time.Now().UnixMilli(),
		Chains: []dapp.SessionChain{{
			Chain:   dapp.ChainEvm,
			Address: approval.Address,
			Network: network,
		}},
		PairingTopic: uri.topic,
		PeerID:       request.peer.PeerID,
		Key:          hex.EncodeToString(uri.key),
	}
	if err := a.cfg.Store.Put(ctx, approval.AccountID, conn); err != nil {
		relay.close()
		return dapp.FailConnection(dapp.Unexpected(err))
	}
	a.attachSession(ctx, approval.AccountID, conn, relay)
	a.cfg.OnUpdate(dapp.UpdateDappsChanged{AccountID: approval.AccountID})
	a.cfg.OnUpdate(dapp.UpdateConnectComplete{AccountID: approval.AccountID, URL: meta.URL, Success: true})
	return dapp.OkConnection(&dapp.Session{
		ID:           conn.UniqueID(),
		ProtocolType: dapp.ProtocolWalletConnect,
		AccountID:    approval.AccountID,
		Dapp:         conn,
		Chains:       conn.Chains,
		ConnectedAt:  conn.ConnectedAt,
	})
}

func (a *Adapter) rejectSession(relay *relaySession, id int64, clientID, peerTopic string) {
	reply := newJSONRpcResult(id, sessionApproval{PeerID: clientID, Approved: false})
	if err := relay.publish(peerTopic, reply.Marshal(), true); err != nil {
		log.Debugf("publish session rejection:%v", err)
	}
}

// attachSession records the live relay link and routes further inbound
// requests to the session handler. The relay's reader goroutine is started at
// most once; pairing only swaps the handler here.
func (a *Adapter) attachSession(ctx context.Context, accountID string, conn *dapp.Connection, relay *relaySession) {
	session := &liveSession{relay: relay, accountID: accountID, conn: conn}
	a.mu.Lock()
	if old, ok := a.sessions[conn.PairingTopic]; ok && old.relay != relay {
		old.relay.close()
	}
	a.sessions[conn.PairingTopic] = session
	a.mu.Unlock()
	relay.setHandler(func(req *jsonRpcRequest) {
		a.handleSessionRequest(ctx, session, req)
	})
	relay.startReader(func(err error) {
		if err != nil && ctx.Err() == nil {
			log.Debugf("relay session %v dropped:%v", session.conn.URL, err)
		}
	})
}

func (a *Adapter) handleSessionRequest(ctx context.Context, session *liveSession, req *jsonRpcRequest) {
	request := &dapp.Request{
		URL:        session.conn.URL,
		AccountID:  session.accountID,
		Identifier: session.conn.PairingTopic,
	}
	reply := func(resp *jsonRpcResponse) {
		if err := session.relay.publish(session.conn.PeerID, resp.Marshal(), req.IsSilentPayload()); err != nil {
			log.Errorf("publish relay reply:%v", err)
		}
	}
	switch req.Method {
	case "eth_sendTransaction":
		if len(req.Params) == 0 {
			reply(newJSONRpcError(req.Id, int(dapp.CodeBadRequest), "missing params"))
			return
		}
		result := a.SendTransaction(ctx, request, &dapp.TransactionRequest{
			Chain:   dapp.ChainEvm,
			Payload: req.Params[0],
		})
		if !result.Success {
			reply(newJSONRpcError(req.Id, int(result.Error.Code), result.Error.Message))
			return
		}
		reply(newJSONRpcResult(req.Id, result.Result))
	case "eth_sign", "personal_sign":
		if len(req.Params) < 2 {
			reply(newJSONRpcError(req.Id, int(dapp.CodeBadRequest), "missing params"))
			return
		}
		// eth_sign is [address, message]; personal_sign swaps the order.
		payload := req.Params[1]
		address := req.Params[0]
		if req.Method == "personal_sign" {
			payload, address = req.Params[0], req.Params[1]
		}
		result := a.signData(ctx, session, address, payload)
		if !result.Success {
			reply(newJSONRpcError(req.Id, int(result.Error.Code), result.Error.Message))
			return
		}
		reply(newJSONRpcResult(req.Id, result.Result))
	case "wc_sessionUpdate":
		if len(req.Params) == 0 {
			return
		}
		var update struct {
			Approved bool `json:"approved"`
		}
		if err := json.Unmarshal(req.Params[0], &update); err != nil || update.Approved {
			return
		}
		log.Infof("relay peer %v closed session", session.conn.URL)
		a.Disconnect(ctx, request, &dapp.DisconnectRequest{})
	default:
		reply(newJSONRpcError(req.Id, int(dapp.CodeMethodNotSupported), "method not supported"))
	}
}

// Reconnect reopens the relay link of a stored pairing without prompting.
func (a *Adapter) Reconnect(ctx context.Context, request *dapp.Request, _ int64) dapp.ConnectionResult {
	conn, err := a.cfg.Store.Get(ctx, request.AccountID, request.URL, dapp.RequestUniqueID(request))
	if err != nil {
		return dapp.FailConnection(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.FailConnection(dapp.UnknownApp())
	}
	if err := a.resumeSession(ctx, request.AccountID, conn); err != nil {
		return dapp.FailConnection(dapp.TransportError("Relay unreachable"))
	}
	return dapp.OkConnection(&dapp.Session{
		ID:           conn.UniqueID(),
		ProtocolType: dapp.ProtocolWalletConnect,
		AccountID:    request.AccountID,
		Dapp:         conn,
		Chains:       conn.Chains,
		ConnectedAt:  conn.ConnectedAt,
	})
}

func (a *Adapter) resumeSession(ctx context.Context, accountID string, conn *dapp.Connection) error {
	a.mu.Lock()
	_, alive := a.sessions[conn.PairingTopic]
	a.mu.Unlock()
	if alive {
		return nil
	}
	key, err := hex.DecodeString(conn.Key)
	if err != nil {
		return errors.Wrap(err, "decode session key")
	}
	clientID := uuid.NewString()
	relay := newRelaySession(a.bridgeURL(), conn.PairingTopic, clientID, key)
	if err := relay.dial(ctx); err != nil {
		return err
	}
	if err := relay.subscribe(clientID); err != nil {
		relay.close()
		return err
	}
	if err := relay.subscribe(conn.PairingTopic); err != nil {
		relay.close()
		return err
	}
	a.attachSession(ctx, accountID, conn, relay)
	return nil
}

// Disconnect closes the relay link, notifies the peer, and drops the stored
// pairing. Always succeeds.
func (a *Adapter) Disconnect(ctx context.Context, request *dapp.Request, _ *dapp.DisconnectRequest) dapp.MethodResult {
	uniqueID := dapp.RequestUniqueID(request)
	conn, err := a.cfg.Store.Get(ctx, request.AccountID, request.URL, uniqueID)
	if err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.OkResult(struct{}{})
	}
	a.mu.Lock()
	session, ok := a.sessions[conn.PairingTopic]
	if ok {
		delete(a.sessions, conn.PairingTopic)
	}
	a.mu.Unlock()
	if ok {
		update := &jsonRpcRequest{Id: dapp.NextEventID(), JSONRpc: "2.0", Method: "wc_sessionUpdate",
			Params: []json.RawMessage{json.RawMessage(`{"approved":false,"chainId":null,"accounts":null}`)}}
		raw, _ := json.Marshal(update)
		if err := session.relay.publish(conn.PeerID, string(raw), true); err != nil {
			log.Debugf("publish session close:%v", err)
		}
		session.relay.close()
	}
	if _, err := a.cfg.Store.Delete(ctx, request.AccountID, conn.URL, conn.UniqueID()); err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	a.cfg.OnUpdate(dapp.UpdateDappsChanged{AccountID: request.AccountID})
	a.cfg.OnUpdate(dapp.UpdateDappDisconnect{AccountID: request.AccountID, URL: conn.URL, UniqueID: conn.UniqueID()})
	return dapp.OkResult(struct{}{})
}

// SendTransaction drafts the requested transfer, prompts the user, and
// broadcasts the signed payload, answering with the transaction hash.
func (a *Adapter) SendTransaction(ctx context.Context, request *dapp.Request, transaction *dapp.TransactionRequest) dapp.MethodResult {
	var tx struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Value string `json:"value"`
		Data  string `json:"data"`
	}
	if err := json.Unmarshal(transaction.Payload, &tx); err != nil {
		return dapp.FailResult(dapp.BadRequest("Malformed transaction request"))
	}
	engine := a.cfg.Chains.Get(chainEvm)
	if engine == nil {
		return dapp.FailResult(dapp.MethodNotSupported("eth_sendTransaction"))
	}
	conn, err := a.cfg.Store.Get(ctx, request.AccountID, request.URL, dapp.RequestUniqueID(request))
	if err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.FailResult(dapp.UnknownApp())
	}
	if tx.From != "" && !addressMatches(conn, tx.From) {
		return dapp.FailResult(dapp.BadRequestDisplay(
			"The from address does not belong to the connected account", dapp.DisplayWrongAddress))
	}

	network := dapp.ParseAccountNetwork(request.AccountID)
	draft, err := engine.CheckTransactionDraft(ctx, request.AccountID, string(network), []chains.Message{{
		Address: tx.To,
		Amount:  tx.Value,
		Payload: tx.Data,
	}})
	if err != nil {
		return dapp.FailResult(dapp.BadRequestDisplay("Draft check failed", dapp.DisplayServerUnreachable))
	}
	if draft.Err != nil {
		return dapp.FailResult(draftToProtocolError(draft.Err))
	}

	promiseID, outcome := a.cfg.Promises.Create(dapp.PromiseTransaction)
	a.cfg.OnUpdate(dapp.UpdateTransactionsRequested{
		PromiseID:    promiseID,
		AccountID:    request.AccountID,
		Dapp:         &dapp.Metadata{URL: conn.URL, Name: conn.Name, IconURL: conn.IconURL},
		Transactions: draft.Transfers,
		Emulation:    draft.Emulation,
	})
	var signed []chains.SignedTransaction
	select {
	case out := <-outcome:
		if out.Err != nil {
			a.cfg.OnUpdate(dapp.UpdateTransferComplete{AccountID: request.AccountID, Success: false})
			return dapp.FailResult(out.Err)
		}
		signed, _ = out.Value.([]chains.SignedTransaction)
	case <-ctx.Done():
		return dapp.FailResult(dapp.TransportError("Request cancelled"))
	}
	if len(signed) == 0 {
		return dapp.FailResult(dapp.Unexpected(errors.New("approval carried no signed transactions")))
	}
	sent, err := engine.SendSignedTransactions(ctx, request.AccountID, signed)
	if err != nil || len(sent) == 0 {
		a.cfg.OnUpdate(dapp.UpdateTransferComplete{AccountID: request.AccountID, Success: false})
		return dapp.FailResult(dapp.BroadcastFailure("Failed transfers", dapp.DisplayUnexpected))
	}
	a.cfg.OnUpdate(dapp.UpdateTransferComplete{AccountID: request.AccountID, Success: true})
	return dapp.OkResult(sent[0].MsgHash)
}

func (a *Adapter) SignData(ctx context.Context, request *dapp.Request, sign *dapp.SignDataRequest) dapp.MethodResult {
	conn, err := a.cfg.Store.Get(ctx, request.AccountID, request.URL, dapp.RequestUniqueID(request))
	if err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.FailResult(dapp.UnknownApp())
	}
	a.mu.Lock()
	session := a.sessions[conn.PairingTopic]
	a.mu.Unlock()
	if session == nil {
		session = &liveSession{accountID: request.AccountID, conn: conn}
	}
	return a.signData(ctx, session, nil, sign.Payload)
}

func (a *Adapter) signData(ctx context.Context, session *liveSession, address, payload json.RawMessage) dapp.MethodResult {
	if address != nil {
		var requested string
		if err := json.Unmarshal(address, &requested); err == nil && requested != "" && !addressMatches(session.conn, requested) {
			return dapp.FailResult(dapp.BadRequestDisplay(
				"The signing address does not belong to the connected account", dapp.DisplayWrongAddress))
		}
	}
	promiseID, outcome := a.cfg.Promises.Create(dapp.PromiseSignData)
	a.cfg.OnUpdate(dapp.UpdateSignDataRequested{
		PromiseID: promiseID,
		AccountID: session.accountID,
		Dapp:      &dapp.Metadata{URL: session.conn.URL, Name: session.conn.Name, IconURL: session.conn.IconURL},
		Payload:   json.RawMessage(payload),
	})
	select {
	case out := <-outcome:
		if out.Err != nil {
			a.cfg.OnUpdate(dapp.UpdateSignDataComplete{AccountID: session.accountID, Success: false})
			return dapp.FailResult(out.Err)
		}
		signature, _ := out.Value.(string)
		if signature == "" {
			return dapp.FailResult(dapp.Unexpected(errors.New("approval carried no signature")))
		}
		// Sanity-check the produced signature before answering the dapp.
		if signer := signerAddress(session.conn); signer != "" {
			var msg string
			if err := json.Unmarshal(payload, &msg); err == nil {
				if !verifySignature(signer, signature, []byte(msg)) {
					return dapp.FailResult(dapp.Unexpected(errors.New("signature does not match the session address")))
				}
			}
		}
		a.cfg.OnUpdate(dapp.UpdateSignDataComplete{AccountID: session.accountID, Success: true})
		return dapp.OkResult(signature)
	case <-ctx.Done():
		return dapp.FailResult(dapp.TransportError("Request cancelled"))
	}
}

func (a *Adapter) ResetupRemoteConnection(ctx context.Context) {
	all, err := a.cfg.Store.ListAll(ctx)
	if err != nil {
		log.Errorf("list connections for relay resume:%v", err)
		return
	}
	for accountID, conns := range all {
		for _, conn := range conns {
			if conn.ProtocolType != dapp.ProtocolWalletConnect || conn.PairingTopic == "" {
				continue
			}
			if err := a.resumeSession(ctx, accountID, conn); err != nil {
				log.Errorf("resume relay session %v:%v", conn.URL, err)
			}
		}
	}
}

func (a *Adapter) CloseRemoteConnection(_ context.Context, _ string, conn *dapp.Connection) {
	a.mu.Lock()
	session, ok := a.sessions[conn.PairingTopic]
	if ok {
		delete(a.sessions, conn.PairingTopic)
	}
	a.mu.Unlock()
	if ok {
		session.relay.close()
	}
}

func signerAddress(conn *dapp.Connection) string {
	for _, chain := range conn.Chains {
		if chain.Chain == dapp.ChainEvm {
			return chain.Address
		}
	}
	return ""
}

func addressMatches(conn *dapp.Connection, from string) bool {
	for _, chain := range conn.Chains {
		if chain.Chain == dapp.ChainEvm && strings.EqualFold(chain.Address, from) {
			return true
		}
	}
	return false
}

func draftToProtocolError(draftErr *chains.DraftError) *dapp.Error {
	switch draftErr.Code {
	case chains.DraftInsufficientBalance:
		return dapp.BadRequestDisplay("Insufficient balance", dapp.DisplayInsufficientBalance)
	case chains.DraftInvalidPayload:
		return dapp.BadRequest("Invalid transaction payload")
	case chains.DraftServerError:
		return dapp.BadRequestDisplay("Draft check failed", dapp.DisplayServerUnreachable)
	default:
		return dapp.Unexpected(errors.New(draftErr.Message))
	}
}

func firstIcon(icons []string) string {
	if len(icons) == 0 {
		return ""
	}
	return icons[0]
}
