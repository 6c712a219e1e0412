package tonconnect

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"go.uber.org/ratelimit"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"stellawallet.io/stella-wallet/internal/dapp"
	"stellawallet.io/stella-wallet/pkg/common"
	"stellawallet.io/stella-wallet/pkg/concurrent"
	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

const (
	nonceSize         = 24
	defaultMessageTTL = 300 * time.Second
	maxDispatchers    = 16
	sendRatePerSecond = 4
)

// sessionCrypto is the NaCl box key pair of one remote channel. The public
// key doubles as the wallet-side client id on the relay.
type sessionCrypto struct {
	publicKey [32]byte
	secretKey [32]byte
}

func newSessionCrypto() (*sessionCrypto, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.WrapAndReport(err, "generate session key pair")
	}
	sc := &sessionCrypto{}
	copy(sc.publicKey[:], pub[:])
	copy(sc.secretKey[:], priv[:])
	return sc, nil
}

func sessionCryptoFromSecret(secretHex string) (*sessionCrypto, error) {
	raw := common.HexToBytes(secretHex)
	if len(raw) != 32 {
		return nil, errors.New("malformed session secret key")
	}
	sc := &sessionCrypto{}
	copy(sc.secretKey[:], raw)
	curve25519.ScalarBaseMult(&sc.publicKey, &sc.secretKey)
	return sc, nil
}

func (sc *sessionCrypto) clientID() string {
	return common.BytesToHex(sc.publicKey[:])
}

func (sc *sessionCrypto) secretKeyHex() string {
	return common.BytesToHex(sc.secretKey[:])
}

// encrypt seals a message for the dapp: a fresh 24-byte nonce prefixed to the
// box ciphertext, base64 encoded.
func (sc *sessionCrypto) encrypt(appClientID string, message []byte) (string, error) {
	peer, err := peerKey(appClientID)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.WrapAndReport(err, "generate message nonce")
	}
	sealed := box.Seal(nonce[:], message, &nonce, peer, &sc.secretKey)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (sc *sessionCrypto) decrypt(appClientID, encoded string) ([]byte, error) {
	peer, err := peerKey(appClientID)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode bridge message")
	}
	if len(raw) <= nonceSize {
		return nil, errors.New("bridge message too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	opened, ok := box.Open(nil, raw[nonceSize:], &nonce, peer, &sc.secretKey)
	if !ok {
		return nil, errors.New("bridge message authentication failed")
	}
	return opened, nil
}

func peerKey(appClientID string) (*[32]byte, error) {
	raw := common.HexToBytes(appClientID)
	if len(raw) != 32 {
		return nil, errors.New("malformed app client id")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// bridgeClient is one live remote channel: the persisted connection plus the
// rehydrated key pair.
type bridgeClient struct {
	accountID string
	conn      *dapp.Connection
	crypto    *sessionCrypto
}

type bridgeEvent struct {
	ID      string
	From    string
	Message string
}

// messageHandler processes one decrypted dapp request arriving over the
// remote stream.
type messageHandler func(ctx context.Context, client *bridgeClient, msg *appMessage)

// remoteBridge multiplexes every remote channel over a single event stream
// subscription and pushes encrypted replies back through the relay.
type remoteBridge struct {
	cfg     *dapp.Config
	baseURL string
	handler messageHandler

	mu      sync.Mutex
	cancel  context.CancelFunc
	clients map[string]*bridgeClient

	online      *atomic.Bool
	sendLimiter ratelimit.Limiter
	dispatchers concurrent.Limiter
	postClient  *http.Client
}

func newRemoteBridge(cfg *dapp.Config, handler messageHandler) *remoteBridge {
	return &remoteBridge{
		cfg:         cfg,
		baseURL:     strings.TrimSuffix(cfg.Bridge.SSEBridgeURL, "/") + "/",
		handler:     handler,
		clients:     make(map[string]*bridgeClient),
		online:      atomic.NewBool(false),
		sendLimiter: ratelimit.New(sendRatePerSecond),
		dispatchers: concurrent.NewLimiter(maxDispatchers),
		postClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *remoteBridge) messageTTL() time.Duration {
	if b.cfg.Bridge.MessageTTLSec > 0 {
		return time.Duration(b.cfg.Bridge.MessageTTLSec) * time.Second
	}
	return defaultMessageTTL
}

// Resetup rebuilds the stream subscription from the persisted connections.
// Safe to call at any time; the previous stream is torn down first.
func (b *remoteBridge) Resetup(ctx context.Context) {
	if !b.cfg.Bridge.SSEEnabled || b.baseURL == "/" {
		return
	}
	all, err := b.cfg.Store.ListAll(ctx)
	if err != nil {
		log.Errorf("list connections for remote stream:%v", err)
		return
	}
	clients := make(map[string]*bridgeClient)
	for accountID, conns := range all {
		for _, conn := range conns {
			if conn.ProtocolType != dapp.ProtocolTonConnect || conn.Remote == nil {
				continue
			}
			crypto, err := sessionCryptoFromSecret(conn.Remote.SecretKey)
			if err != nil {
				log.Errorf("rehydrate session key for %v:%v", conn.URL, err)
				continue
			}
			clients[crypto.clientID()] = &bridgeClient{
				accountID: accountID,
				conn:      conn,
				crypto:    crypto,
			}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restartLocked(clients)
}

// AddClient registers a freshly connected channel and rebuilds the stream.
func (b *remoteBridge) AddClient(_ context.Context, client *bridgeClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	clients := make(map[string]*bridgeClient, len(b.clients)+1)
	for id, c := range b.clients {
		clients[id] = c
	}
	clients[client.crypto.clientID()] = client
	b.restartLocked(clients)
}

// RemoveClient drops a channel and rebuilds the stream without it.
func (b *remoteBridge) RemoveClient(_ context.Context, clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[clientID]; !ok {
		return
	}
	clients := make(map[string]*bridgeClient, len(b.clients))
	for id, c := range b.clients {
		if id != clientID {
			clients[id] = c
		}
	}
	b.restartLocked(clients)
}

// restartLocked swaps the client set and replaces the stream subscription.
// Callers hold b.mu, so concurrent rebuilds are serialized and the prior
// stream is always cancelled before the next opens.
func (b *remoteBridge) restartLocked(clients map[string]*bridgeClient) {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.clients = clients
	if len(clients) == 0 {
		b.setOnline(false)
		return
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	if b.cfg.Bridge.ShowLoaderOnRemoteStart {
		b.cfg.OnUpdate(dapp.UpdateLoading{})
	}
	go b.streamLoop(streamCtx, ids)
}

// Close tears down the stream subscription.
func (b *remoteBridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.clients = make(map[string]*bridgeClient)
	b.setOnline(false)
}

func (b *remoteBridge) setOnline(online bool) {
	if b.online.CAS(!online, online) {
		b.cfg.OnUpdate(dapp.UpdateTransportOnline{
			Protocol: dapp.ProtocolTonConnect,
			Online:   online,
		})
	}
}

func (b *remoteBridge) streamLoop(ctx context.Context, clientIDs []string) {
	backoff := time.Second
	for {
		err := b.streamOnce(ctx, clientIDs)
		if ctx.Err() != nil {
			return
		}
		b.setOnline(false)
		log.Debugf("remote stream dropped:%v", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (b *remoteBridge) streamOnce(ctx context.Context, clientIDs []string) error {
	lastEventID, err := b.cfg.Cursor.LastEventID(ctx)
	if err != nil {
		log.Errorf("read stream cursor:%v", err)
	}
	streamURL := fmt.Sprintf("%vevents?client_id=%v", b.baseURL, strings.Join(clientIDs, ","))
	if lastEventID != "" {
		streamURL += "&last_event_id=" + url.QueryEscape(lastEventID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return errors.Wrap(err, "build stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "open stream")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("stream status %v", resp.StatusCode)
	}
	b.setOnline(true)
	if b.cfg.Bridge.ShowLoaderOnRemoteStart {
		b.cfg.OnUpdate(dapp.UpdateCloseLoading{})
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event bridgeEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event.Message != "" {
				b.dispatch(event)
			}
			event = bridgeEvent{}
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(line[len("data:"):])
			if !gjson.Valid(data) {
				// heartbeat
				continue
			}
			event.From = gjson.Get(data, "from").String()
			event.Message = gjson.Get(data, "message").String()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stream")
	}
	return errors.New("stream closed")
}

func (b *remoteBridge) dispatch(event bridgeEvent) {
	b.mu.Lock()
	var client *bridgeClient
	for _, c := range b.clients {
		if c.conn.Remote != nil && c.conn.Remote.AppClientID == event.From {
			client = c
			break
		}
	}
	b.mu.Unlock()

	ctx := context.Background()
	if event.ID != "" {
		if err := b.cfg.Cursor.SetLastEventID(ctx, event.ID); err != nil {
			log.Errorf("save stream cursor:%v", err)
		}
	}
	if client == nil {
		log.Debugf("stream event from unknown peer %v", event.From)
		return
	}
	b.dispatchers.Add()
	go func() {
		defer b.dispatchers.Done()
		b.handleEvent(ctx, client, event)
	}()
}

func (b *remoteBridge) handleEvent(ctx context.Context, client *bridgeClient, event bridgeEvent) {
	opened, err := client.crypto.decrypt(event.From, event.Message)
	if err != nil {
		log.Errorf("decrypt bridge message from %v:%v", event.From, err)
		return
	}
	var msg appMessage
	if err := json.Unmarshal(opened, &msg); err != nil {
		log.Errorf("decode bridge message from %v:%v", event.From, err)
		return
	}
	// The relay redelivers on reconnect; drop requests already applied.
	dedupKey := event.From + ":" + msg.ID.String()
	first, err := b.cfg.Cursor.MarkProcessed(ctx, dedupKey, 2*b.messageTTL())
	if err != nil {
		log.Errorf("dedup bridge message:%v", err)
	} else if !first {
		log.Debugf("duplicate bridge message %v dropped", dedupKey)
		return
	}
	b.handler(ctx, client, &msg)
}

// Send encrypts and posts one reply through the relay. Outbound calls are
// paced to stay within the relay rate limit.
func (b *remoteBridge) Send(ctx context.Context, crypto *sessionCrypto, appClientID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapAndReport(err, "encode bridge reply")
	}
	sealed, err := crypto.encrypt(appClientID, body)
	if err != nil {
		return err
	}
	b.sendLimiter.Take()
	postURL := fmt.Sprintf("%vmessage?client_id=%v&to=%v&ttl=%v",
		b.baseURL, crypto.clientID(), appClientID, int(b.messageTTL().Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(sealed))
	if err != nil {
		return errors.Wrap(err, "build bridge post")
	}
	resp, err := b.postClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post bridge message")
	}
	defer resp.Body.Close()
	ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("bridge post status %v", resp.StatusCode)
	}
	return nil
}
