package tonconnect

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/internal/dapp"
	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

const chainTon = "ton"

// Window after a remote request in which the user is routed back to the dapp.
const maxConfirmDuration = time.Minute

type returnHint struct {
	strategy string
	at       time.Time
}

// Adapter implements the TON dapp connection protocol over the embedded
// browser bridge and the encrypted remote stream.
type Adapter struct {
	cfg         *dapp.Config
	bridge      *remoteBridge
	initialized *atomic.Bool

	mu          sync.Mutex
	returnHints map[string]returnHint
}

func New() *Adapter {
	return &Adapter{
		initialized: atomic.NewBool(false),
		returnHints: make(map[string]returnHint),
	}
}

func (a *Adapter) ProtocolType() dapp.ProtocolType {
	return dapp.ProtocolTonConnect
}

func (a *Adapter) Init(cfg *dapp.Config) error {
	if !a.initialized.CAS(false, true) {
		return nil
	}
	a.cfg = cfg
	a.bridge = newRemoteBridge(cfg, a.handleRemoteMessage)
	return nil
}

func (a *Adapter) Destroy() {
	if !a.initialized.CAS(true, false) {
		return
	}
	a.bridge.Close()
}

func (a *Adapter) ResetupRemoteConnection(ctx context.Context) {
	a.bridge.Resetup(ctx)
}

func (a *Adapter) CloseRemoteConnection(ctx context.Context, accountID string, conn *dapp.Connection) {
	if conn.Remote == nil {
		return
	}
	if crypto, err := sessionCryptoFromSecret(conn.Remote.SecretKey); err == nil {
		conn.Remote.LastOutputID++
		event := &disconnectEvent{Event: "disconnect", ID: conn.Remote.LastOutputID}
		if serr := a.bridge.Send(ctx, crypto, conn.Remote.AppClientID, event); serr != nil {
			log.Debugf("send disconnect event to %v:%v", conn.URL, serr)
		}
	}
	a.bridge.RemoveClient(ctx, conn.Remote.ClientID)
}

// Connect validates the connect request, prompts the user, and on approval
// persists the connection and returns the session with the protocol connect
// event attached.
func (a *Adapter) Connect(ctx context.Context, request *dapp.Request, connection *dapp.ConnectionRequest, requestID int64) dapp.ConnectionResult {
	var payload connectPayload
	if err := json.Unmarshal(connection.Payload, &payload); err != nil {
		return dapp.FailConnection(dapp.BadRequest("Malformed connect request"))
	}
	// An address grant is mandatory; reject before bothering the user.
	if !payload.hasItem(itemAddress) {
		return dapp.FailConnection(dapp.BadRequest("Missing ton_addr item"))
	}
	manifest, err := dapp.FetchManifest(ctx, payload.ManifestURL)
	if err != nil {
		return dapp.FailConnection(err)
	}

	permissions := dapp.Permissions{Address: true, Proof: payload.hasItem(itemProof)}
	var proof *dapp.ProofRequest
	if permissions.Proof {
		domain, ok := proofDomainOf(manifest.URL)
		if !ok {
			return dapp.FailConnection(dapp.BadRequest("Malformed dapp url"))
		}
		proof = &dapp.ProofRequest{
			Timestamp: time.Now().Unix(),
			Domain:    domain,
			Payload:   payload.itemPayload(itemProof),
		}
	}

	promiseID, outcome := a.cfg.Promises.Create(dapp.PromiseConnect)
	a.cfg.OnUpdate(dapp.UpdateConnectRequested{
		Identifier:  request.Identifier,
		PromiseID:   promiseID,
		AccountID:   request.AccountID,
		Dapp:        dapp.Metadata{URL: manifest.URL, Name: manifest.Name, IconURL: manifest.IconURL, ManifestURL: payload.ManifestURL},
		Permissions: permissions,
		Proof:       proof,
	})

	approval, err := awaitApproval(ctx, outcome)
	if err != nil {
		a.cfg.OnUpdate(dapp.UpdateConnectComplete{URL: manifest.URL, Success: false})
		return dapp.FailConnection(err)
	}
	if permissions.Proof && len(approval.ProofSignatures) == 0 {
		return dapp.FailConnection(dapp.BadRequest("Missing ownership proof signature"))
	}

	network := dapp.ParseAccountNetwork(approval.AccountID)
	conn := &dapp.Connection{
		ProtocolType: dapp.ProtocolTonConnect,
		URL:          manifest.URL,
		Name:         manifest.Name,
		IconURL:      manifest.IconURL,
		ManifestURL:  payload.ManifestURL,
		ConnectedAt:  time.Now().UnixMilli(),
		URLEnsured:   request.URLEnsured,
		Chains: []dapp.SessionChain{{
			Chain:     dapp.ChainTon,
			Address:   approval.Address,
			PublicKey: approval.PublicKey,
			Network:   network,
		}},
		Remote: request.Remote,
	}
	if err := a.cfg.Store.Put(ctx, approval.AccountID, conn); err != nil {
		return dapp.FailConnection(dapp.Unexpected(err))
	}
	if conn.Remote != nil {
		crypto, err := sessionCryptoFromSecret(conn.Remote.SecretKey)
		if err != nil {
			return dapp.FailConnection(dapp.Unexpected(err))
		}
		a.bridge.AddClient(ctx, &bridgeClient{
			accountID: approval.AccountID,
			conn:      conn,
			crypto:    crypto,
		})
	}
	a.cfg.OnUpdate(dapp.UpdateDappsChanged{AccountID: approval.AccountID})
	a.cfg.OnUpdate(dapp.UpdateConnectComplete{AccountID: approval.AccountID, URL: manifest.URL, Success: true})

	event := a.buildConnectEvent(requestID, approval, network, proof)
	return dapp.OkConnection(&dapp.Session{
		ID:           conn.UniqueID(),
		ProtocolType: dapp.ProtocolTonConnect,
		AccountID:    approval.AccountID,
		Dapp:         conn,
		Chains:       conn.Chains,
		ConnectedAt:  conn.ConnectedAt,
		Event:        event,
	})
}

func (a *Adapter) buildConnectEvent(requestID int64, approval *dapp.ConnectApproval, network dapp.Network, proof *dapp.ProofRequest) *connectEvent {
	maxMessages := 4
	if engine := a.cfg.Chains.Get(chainTon); engine != nil {
		maxMessages = engine.MaxMessagesPerTransaction(approval.AccountID)
	}
	event := &connectEvent{Event: "connect", ID: requestID}
	event.Payload.Device = defaultDeviceInfo(maxMessages)
	event.Payload.Items = append(event.Payload.Items, addressItemReply{
		Name:            itemAddress,
		Address:         approval.Address,
		Network:         wireNetwork(network),
		PublicKey:       approval.PublicKey,
		WalletStateInit: approval.WalletStateInit,
	})
	if proof != nil && len(approval.ProofSignatures) > 0 {
		item := proofItemReply{Name: itemProof}
		item.Proof.Timestamp = proof.Timestamp
		item.Proof.Domain = proofDomain{LengthBytes: len(proof.Domain), Value: proof.Domain}
		item.Proof.Signature = approval.ProofSignatures[0]
		item.Proof.Payload = proof.Payload
		event.Payload.Items = append(event.Payload.Items, item)
	}
	return event
}

// Reconnect restores a previously approved session without prompting. An
// unknown dapp yields an unknown-app error, never a silent new session.
func (a *Adapter) Reconnect(ctx context.Context, request *dapp.Request, requestID int64) dapp.ConnectionResult {
	conn, accountID, err := a.findConnection(ctx, request)
	if err != nil {
		return dapp.FailConnection(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.FailConnection(dapp.UnknownApp())
	}
	approval := &dapp.ConnectApproval{AccountID: accountID}
	network := dapp.NetworkMainnet
	if len(conn.Chains) > 0 {
		approval.Address = conn.Chains[0].Address
		approval.PublicKey = conn.Chains[0].PublicKey
		network = conn.Chains[0].Network
	}
	conn.ConnectedAt = time.Now().UnixMilli()
	if err := a.cfg.Store.Put(ctx, accountID, conn); err != nil {
		log.Errorf("refresh connection %v:%v", conn.URL, err)
	}
	event := a.buildConnectEvent(requestID, approval, network, nil)
	return dapp.OkConnection(&dapp.Session{
		ID:           conn.UniqueID(),
		ProtocolType: dapp.ProtocolTonConnect,
		AccountID:    accountID,
		Dapp:         conn,
		Chains:       conn.Chains,
		ConnectedAt:  conn.ConnectedAt,
		Event:        event,
	})
}

// Disconnect removes the stored connection. Disconnecting an unknown dapp is
// still a success; there is nothing left either way.
func (a *Adapter) Disconnect(ctx context.Context, request *dapp.Request, _ *dapp.DisconnectRequest) dapp.MethodResult {
	conn, accountID, err := a.findConnection(ctx, request)
	if err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.OkResult(struct{}{})
	}
	uniqueID := conn.UniqueID()
	if _, err := a.cfg.Store.Delete(ctx, accountID, conn.URL, uniqueID); err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn.Remote != nil {
		// A wallet-initiated disconnect notifies the dapp; a dapp-initiated one
		// already gets its rpc reply.
		if request.Remote == nil {
			if crypto, cerr := sessionCryptoFromSecret(conn.Remote.SecretKey); cerr == nil {
				event := &disconnectEvent{Event: "disconnect", ID: conn.Remote.LastOutputID + 1}
				if serr := a.bridge.Send(ctx, crypto, conn.Remote.AppClientID, event); serr != nil {
					log.Debugf("send disconnect event to %v:%v", conn.URL, serr)
				}
			}
		}
		a.bridge.RemoveClient(ctx, conn.Remote.ClientID)
	}
	a.cfg.OnUpdate(dapp.UpdateDappsChanged{AccountID: accountID})
	a.cfg.OnUpdate(dapp.UpdateDappDisconnect{AccountID: accountID, URL: conn.URL, UniqueID: uniqueID})
	return dapp.OkResult(struct{}{})
}

// SendTransaction validates and drafts the requested transfers, prompts the
// user, broadcasts the signed payloads, and returns the first broadcast
// payload the way the protocol expects.
func (a *Adapter) SendTransaction(ctx context.Context, request *dapp.Request, transaction *dapp.TransactionRequest) dapp.MethodResult {
	var payload transactionPayload
	if err := json.Unmarshal(transaction.Payload, &payload); err != nil {
		return dapp.FailResult(dapp.BadRequest("Malformed transaction request"))
	}
	if len(payload.Messages) == 0 {
		return dapp.FailResult(dapp.BadRequest("Empty transaction request"))
	}
	engine := a.cfg.Chains.Get(chainTon)
	if engine == nil {
		return dapp.FailResult(dapp.MethodNotSupported("sendTransaction"))
	}
	conn, accountID, err := a.findConnection(ctx, request)
	if err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.FailResult(dapp.UnknownApp())
	}

	network := dapp.ParseAccountNetwork(accountID)
	if payload.Network != "" {
		requested, ok := parseWireNetwork(payload.Network)
		if !ok || requested != network {
			return dapp.FailResult(dapp.NetworkMismatch())
		}
	}
	if payload.From != "" && !addressMatches(conn, payload.From) {
		return dapp.FailResult(dapp.BadRequestDisplay(
			"The from address does not belong to the connected account", dapp.DisplayWrongAddress))
	}
	if max := engine.MaxMessagesPerTransaction(accountID); len(payload.Messages) > max {
		return dapp.FailResult(dapp.BadRequest("Too many messages in one transaction"))
	}
	validUntil := normalizeValidUntil(payload.ValidUntil)
	if validUntil > 0 && validUntil <= time.Now().Unix() {
		return dapp.FailResult(dapp.BadRequest("Transaction request expired"))
	}

	messages := make([]chains.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, chains.Message{
			Address:   m.Address,
			Amount:    m.Amount,
			Payload:   m.Payload,
			StateInit: m.StateInit,
		})
	}
	draft, err := engine.CheckTransactionDraft(ctx, accountID, string(network), messages)
	if err != nil {
		return dapp.FailResult(dapp.BadRequestDisplay("Draft check failed", dapp.DisplayServerUnreachable))
	}
	if draft.Err != nil {
		return dapp.FailResult(draftToProtocolError(draft.Err))
	}

	promiseID, outcome := a.cfg.Promises.Create(dapp.PromiseTransaction)
	a.cfg.OnUpdate(dapp.UpdateTransactionsRequested{
		PromiseID:    promiseID,
		AccountID:    accountID,
		Dapp:         connMetadata(conn),
		Transactions: draft.Transfers,
		Emulation:    draft.Emulation,
		ValidUntil:   validUntil,
	})
	out, err := awaitOutcome(ctx, outcome)
	if err != nil {
		a.cfg.OnUpdate(dapp.UpdateTransferComplete{AccountID: accountID, Success: false})
		return dapp.FailResult(err)
	}
	signed, ok := out.([]chains.SignedTransaction)
	if !ok || len(signed) == 0 {
		return dapp.FailResult(dapp.Unexpected(errors.New("approval carried no signed transactions")))
	}

	sent, err := engine.SendSignedTransactions(ctx, accountID, signed)
	if err != nil && len(sent) == 0 {
		a.cfg.OnUpdate(dapp.UpdateTransferComplete{AccountID: accountID, Success: false})
		return dapp.FailResult(dapp.BroadcastFailure("Failed transfers", dapp.DisplayUnexpected))
	}
	// A partially delivered batch still answers the dapp with success; the
	// user sees the partial failure locally.
	if len(sent) < len(signed) {
		a.cfg.OnUpdate(dapp.UpdateShowError{Display: dapp.DisplayPartialFailure})
	}
	a.cfg.OnUpdate(dapp.UpdateTransferComplete{AccountID: accountID, Success: true})
	return dapp.OkResult(sent[0].Payload)
}

// SignData prompts the user to sign an arbitrary payload bound to the dapp
// domain.
func (a *Adapter) SignData(ctx context.Context, request *dapp.Request, sign *dapp.SignDataRequest) dapp.MethodResult {
	var payload signDataPayload
	if err := json.Unmarshal(sign.Payload, &payload); err != nil {
		return dapp.FailResult(dapp.BadRequest("Malformed sign request"))
	}
	if payload.Cell == "" && payload.Text == "" && payload.Bytes == "" {
		return dapp.FailResult(dapp.BadRequest("Empty sign request"))
	}
	conn, accountID, err := a.findConnection(ctx, request)
	if err != nil {
		return dapp.FailResult(dapp.Unexpected(err))
	}
	if conn == nil {
		return dapp.FailResult(dapp.UnknownApp())
	}

	promiseID, outcome := a.cfg.Promises.Create(dapp.PromiseSignData)
	a.cfg.OnUpdate(dapp.UpdateSignDataRequested{
		PromiseID: promiseID,
		AccountID: accountID,
		Dapp:      connMetadata(conn),
		Payload:   payload,
	})
	out, err := awaitOutcome(ctx, outcome)
	if err != nil {
		a.cfg.OnUpdate(dapp.UpdateSignDataComplete{AccountID: accountID, Success: false})
		return dapp.FailResult(err)
	}
	approval, ok := out.(*dapp.SignDataApproval)
	if !ok || approval.Signature == "" {
		return dapp.FailResult(dapp.Unexpected(errors.New("approval carried no signature")))
	}
	a.cfg.OnUpdate(dapp.UpdateSignDataComplete{AccountID: accountID, Success: true})
	return dapp.OkResult(approval)
}

// findConnection resolves the connection a request addresses. Requests with
// an explicit account use it directly; remote requests fall back to the last
// account that connected to the origin on the same network.
func (a *Adapter) findConnection(ctx context.Context, request *dapp.Request) (*dapp.Connection, string, error) {
	uniqueID := dapp.RequestUniqueID(request)
	accountID := request.AccountID
	if accountID == "" {
		network := request.Network
		if network == "" {
			network = dapp.NetworkMainnet
		}
		var err error
		accountID, err = a.cfg.Store.FindLastConnectedAccount(ctx, network, request.URL)
		if err != nil {
			return nil, "", err
		}
		if accountID == "" {
			return nil, "", nil
		}
	}
	conn, err := a.cfg.Store.Get(ctx, accountID, request.URL, uniqueID)
	if err != nil {
		return nil, "", err
	}
	return conn, accountID, nil
}

func (a *Adapter) handleRemoteMessage(ctx context.Context, client *bridgeClient, msg *appMessage) {
	request := &dapp.Request{
		URL:        client.conn.URL,
		AccountID:  client.accountID,
		Identifier: client.conn.UniqueID(),
		URLEnsured: client.conn.URLEnsured,
		Remote:     client.conn.Remote,
	}
	appClientID := client.conn.Remote.AppClientID
	reply := func(payload interface{}) {
		if err := a.bridge.Send(ctx, client.crypto, appClientID, payload); err != nil {
			log.Errorf("send bridge reply to %v:%v", client.conn.URL, err)
		}
	}

	switch msg.Method {
	case "sendTransaction":
		if len(msg.Params) == 0 {
			reply(newMethodErrorReply(msg.ID.String(), dapp.BadRequest("Missing params")))
			return
		}
		result := a.SendTransaction(ctx, request, &dapp.TransactionRequest{
			ID:      msg.ID.String(),
			Chain:   dapp.ChainTon,
			Payload: json.RawMessage(msg.Params[0]),
		})
		if !result.Success {
			a.showRemoteError(result.Error)
			reply(newMethodErrorReply(msg.ID.String(), result.Error))
			return
		}
		boc, _ := result.Result.(string)
		reply(&methodSuccessReply{ID: msg.ID.String(), Result: boc})
		a.returnToApp(client)
	case "signData":
		if len(msg.Params) == 0 {
			reply(newMethodErrorReply(msg.ID.String(), dapp.BadRequest("Missing params")))
			return
		}
		result := a.SignData(ctx, request, &dapp.SignDataRequest{
			ID:      msg.ID.String(),
			Chain:   dapp.ChainTon,
			Payload: json.RawMessage(msg.Params[0]),
		})
		if !result.Success {
			a.showRemoteError(result.Error)
			reply(newMethodErrorReply(msg.ID.String(), result.Error))
			return
		}
		raw, err := json.Marshal(result.Result)
		if err != nil {
			reply(newMethodErrorReply(msg.ID.String(), dapp.Unexpected(err)))
			return
		}
		reply(&methodSuccessReply{ID: msg.ID.String(), Result: string(raw)})
		a.returnToApp(client)
	case "disconnect":
		a.Disconnect(ctx, request, &dapp.DisconnectRequest{RequestID: msg.ID.String()})
		reply(&methodSuccessReply{ID: msg.ID.String(), Result: "{}"})
	default:
		reply(newMethodErrorReply(msg.ID.String(), dapp.MethodNotSupported(msg.Method)))
	}
}

func (a *Adapter) showRemoteError(err *dapp.Error) {
	if err != nil && err.Display != "" {
		a.cfg.OnUpdate(dapp.UpdateShowError{Display: err.Display})
	}
}

// returnToApp routes the user back to the dapp when the request arrived
// shortly after a return-strategy deep link.
func (a *Adapter) returnToApp(client *bridgeClient) {
	clientID := client.crypto.clientID()
	a.mu.Lock()
	hint, ok := a.returnHints[clientID]
	if ok {
		delete(a.returnHints, clientID)
	}
	a.mu.Unlock()
	if !ok || time.Since(hint.at) > maxConfirmDuration {
		return
	}
	switch hint.strategy {
	case "", "back", "none":
	default:
		a.cfg.OnUpdate(dapp.UpdateOpenURL{URL: hint.strategy, External: true})
	}
}

func (a *Adapter) rememberReturnHint(clientID, strategy string) {
	a.mu.Lock()
	a.returnHints[clientID] = returnHint{strategy: strategy, at: time.Now()}
	a.mu.Unlock()
}

func awaitApproval(ctx context.Context, outcome <-chan dapp.Outcome) (*dapp.ConnectApproval, error) {
	out, err := awaitOutcome(ctx, outcome)
	if err != nil {
		return nil, err
	}
	approval, ok := out.(*dapp.ConnectApproval)
	if !ok {
		return nil, dapp.Unexpected(errors.New("approval carried no account"))
	}
	return approval, nil
}

func awaitOutcome(ctx context.Context, outcome <-chan dapp.Outcome) (interface{}, error) {
	select {
	case out := <-outcome:
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, dapp.TransportError("Request cancelled")
	}
}

func connMetadata(conn *dapp.Connection) *dapp.Metadata {
	return &dapp.Metadata{
		URL:         conn.URL,
		Name:        conn.Name,
		IconURL:     conn.IconURL,
		ManifestURL: conn.ManifestURL,
	}
}

func addressMatches(conn *dapp.Connection, from string) bool {
	for _, chain := range conn.Chains {
		if chain.Chain == dapp.ChainTon && strings.EqualFold(chain.Address, from) {
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

// normalizeValidUntil accepts both seconds and milliseconds, as dapps send
// either.
func normalizeValidUntil(validUntil int64) int64 {
	if validUntil > 1_000_000_000_000 {
		return validUntil / 1000
	}
	return validUntil
}

func proofDomainOf(dappURL string) (string, bool) {
	u, err := url.Parse(dappURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	host := u.Hostname()
	if !strings.Contains(host, ".") {
		return "", false
	}
	return host, true
}
