package walletconnect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	wcutil "stellawallet.io/stella-wallet/pkg/walletconnect"

	"stellawallet.io/stella-wallet/pkg/errors"
	"stellawallet.io/stella-wallet/pkg/log"
)

var errSessionClosed = errors.New("session closed")

// relaySession is one websocket link to a v1 relay shard, subscribed on the
// wallet's client id and, during pairing, on the handshake topic.
type relaySession struct {
	ctx    context.Context
	cancel context.CancelFunc

	bridgeURL      string
	handshakeTopic string
	clientID       string
	encryptionKey  []byte

	writeMu sync.Mutex
	conn    *websocket.Conn

	// The websocket allows a single concurrent reader, so one reader goroutine
	// lives for the whole session and the handler is swapped instead.
	handlerMu sync.Mutex
	handler   func(req *jsonRpcRequest)
	readOnce  sync.Once
}

func newRelaySession(bridgeURL, handshakeTopic, clientID string, encryptionKey []byte) *relaySession {
	return &relaySession{
		bridgeURL:      bridgeURL,
		handshakeTopic: handshakeTopic,
		clientID:       clientID,
		encryptionKey:  encryptionKey,
	}
}

func (s *relaySession) dial(ctx context.Context) error {
	wsURL := wcutil.GetWebSocketUrl(s.bridgeURL, "wc", "1")
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.WrapAndReport(err, "dial relay")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.conn = conn
	return nil
}

func (s *relaySession) close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *relaySession) send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.WriteMessage(websocket.TextMessage, payload)
	return errors.WrapAndReport(err, "write relay message")
}

func (s *relaySession) subscribe(topic string) error {
	msg := wcMessage{Topic: topic, Type: "sub", Silent: true}
	log.Debugf("relay - subscribe:%v", string(msg.Marshal()))
	return s.send(msg.Marshal())
}

func (s *relaySession) ack() error {
	msg := wcMessage{Topic: s.clientID, Type: "ack", Silent: true}
	return s.send(msg.Marshal())
}

// publish encrypts a json-rpc payload and pushes it to the peer's topic.
func (s *relaySession) publish(topic, jsonRpc string, silent bool) error {
	payload, err := s.encryptJSONRpc(jsonRpc)
	if err != nil {
		return err
	}
	msg := wcMessage{Topic: topic, Type: "pub", Payload: payload.Marshal(), Silent: silent}
	log.Debugf("relay - publish:%v", string(msg.Marshal()))
	return s.send(msg.Marshal())
}

func (s *relaySession) encryptJSONRpc(jsonRpc string) (*wcMessagePayload, error) {
	iv, err := wcutil.GenerateRandomBytes(128 / 8)
	if err != nil {
		return nil, errors.WrapAndReport(err, "generate iv")
	}
	data, err := wcutil.Aes256Encrypt([]byte(jsonRpc), s.encryptionKey, iv)
	if err != nil {
		return nil, err
	}
	unsigned := append(data, iv...)
	hmac := wcutil.HmacSha256(unsigned, s.encryptionKey)
	return &wcMessagePayload{
		Data: hex.EncodeToString(data),
		IV:   hex.EncodeToString(iv),
		Hmac: hex.EncodeToString(hmac),
	}, nil
}

func (s *relaySession) decryptJSONRpc(msg *wcMessage) (string, error) {
	mp, err := newWCMessagePayloadFromBytes([]byte(msg.Payload))
	if err != nil {
		return "", err
	}
	iv, err := hex.DecodeString(mp.IV)
	if err != nil {
		return "", errors.WrapAndReport(err, "decode iv hex")
	}
	cipher, err := hex.DecodeString(mp.Data)
	if err != nil {
		return "", errors.WrapAndReport(err, "decode cipher hex")
	}
	unsigned := append(cipher, iv...)
	hmac := wcutil.HmacSha256(unsigned, s.encryptionKey)
	if hex.EncodeToString(hmac) != mp.Hmac {
		return "", errors.NewWithReport("inconsistent relay message hmac")
	}
	data, err := wcutil.Aes256Decrypt(cipher, s.encryptionKey, iv)
	if err != nil {
		return "", errors.WrapAndReport(err, "aes256 decrypt")
	}
	return string(data), nil
}

func (s *relaySession) setHandler(handler func(req *jsonRpcRequest)) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

func (s *relaySession) dispatch(req *jsonRpcRequest) {
	s.handlerMu.Lock()
	handler := s.handler
	s.handlerMu.Unlock()
	if handler != nil {
		handler(req)
	}
}

// startReader starts the session's only reader goroutine. Later calls are
// no-ops; callers change behavior through setHandler.
func (s *relaySession) startReader(onExit func(error)) {
	s.readOnce.Do(func() {
		go func() {
			onExit(s.readLoop())
		}()
	})
}

// readLoop decrypts inbound messages and hands each json-rpc request to the
// current handler until the socket drops or the context ends.
func (s *relaySession) readLoop() error {
	for {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read relay message")
		}
		switch msgType {
		case websocket.TextMessage:
			log.Debugf("relay - receive:%v", string(data))
			if err := s.ack(); err != nil {
				return err
			}
			msg, err := newWCMessageFromBytes(data)
			if err != nil {
				log.Errorf("relay message:%v", err)
				continue
			}
			jsonRpc, err := s.decryptJSONRpc(msg)
			if err != nil {
				log.Errorf("decrypt relay message:%v", err)
				continue
			}
			var req jsonRpcRequest
			if err := json.Unmarshal([]byte(jsonRpc), &req); err != nil {
				log.Errorf("decode relay rpc:%v", err)
				continue
			}
			s.dispatch(&req)
		case websocket.CloseMessage:
			return errSessionClosed
		}
	}
}
