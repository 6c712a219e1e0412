package dapp

import (
	"context"

	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/internal/config"
	"stellawallet.io/stella-wallet/pkg/log"
)

// Config is the shared wiring handed to every adapter at init time.
type Config struct {
	OnUpdate UpdateSink
	Store    Store
	Cursor   StreamCursor
	Chains   *chains.Registry
	Promises *Promises
	Bridge   *config.Bridge
}

// Adapter is one dapp connection protocol implementation. All methods return
// unified results; protocol wire errors never escape as plain Go errors.
type Adapter interface {
	ProtocolType() ProtocolType
	Init(cfg *Config) error
	Destroy()

	Connect(ctx context.Context, request *Request, connection *ConnectionRequest, requestID int64) ConnectionResult
	Reconnect(ctx context.Context, request *Request, requestID int64) ConnectionResult
	Disconnect(ctx context.Context, request *Request, disconnect *DisconnectRequest) MethodResult
	SendTransaction(ctx context.Context, request *Request, transaction *TransactionRequest) MethodResult
	SignData(ctx context.Context, request *Request, sign *SignDataRequest) MethodResult

	CanHandleDeepLink(url string) bool
	// HandleDeepLink returns a return hint telling the UI where to send the
	// user afterwards.
	HandleDeepLink(ctx context.Context, url string, fromInAppBrowser bool, requestID int64) (string, error)

	ResetupRemoteConnection(ctx context.Context)
	CloseRemoteConnection(ctx context.Context, accountID string, conn *Connection)
}

// Manager owns the adapter registry and routes inbound work to the protocol
// that claims it. Registration order is preserved for deep-link matching.
type Manager struct {
	adapters []Adapter
	byType   map[ProtocolType]Adapter
}

func NewManager() *Manager {
	return &Manager{byType: make(map[ProtocolType]Adapter)}
}

// Register adds an adapter. Registering the same protocol twice replaces the
// earlier adapter and keeps its position.
func (m *Manager) Register(adapter Adapter) {
	t := adapter.ProtocolType()
	if _, ok := m.byType[t]; ok {
		for i, existing := range m.adapters {
			if existing.ProtocolType() == t {
				m.adapters[i] = adapter
				break
			}
		}
	} else {
		m.adapters = append(m.adapters, adapter)
	}
	m.byType[t] = adapter
}

// Get returns the adapter for a protocol, or nil when none is registered.
func (m *Manager) Get(protocol ProtocolType) Adapter {
	return m.byType[protocol]
}

// Init initializes every registered adapter. A failing adapter is logged and
// left registered so the rest of the bridge keeps working.
func (m *Manager) Init(cfg *Config) {
	for _, adapter := range m.adapters {
		if err := adapter.Init(cfg); err != nil {
			log.Errorf("init %v adapter:%v", adapter.ProtocolType(), err)
		}
	}
}

// HandleDeepLink routes the link to the first adapter that claims it.
// Unclaimed links are ignored.
func (m *Manager) HandleDeepLink(ctx context.Context, url string, fromInAppBrowser bool, requestID int64) (string, bool, error) {
	for _, adapter := range m.adapters {
		if adapter.CanHandleDeepLink(url) {
			ret, err := adapter.HandleDeepLink(ctx, url, fromInAppBrowser, requestID)
			return ret, true, err
		}
	}
	return "", false, nil
}

// ResetupRemoteConnections re-subscribes every adapter's remote transport,
// typically after startup or a network change.
func (m *Manager) ResetupRemoteConnections(ctx context.Context) {
	for _, adapter := range m.adapters {
		adapter.ResetupRemoteConnection(ctx)
	}
}

// CloseRemoteConnection tells the owning adapter to drop the remote channel
// of one connection.
func (m *Manager) CloseRemoteConnection(ctx context.Context, accountID string, conn *Connection) {
	if adapter := m.byType[conn.ProtocolType]; adapter != nil {
		adapter.CloseRemoteConnection(ctx, accountID, conn)
	}
}

// Destroy tears down every adapter and empties the registry.
func (m *Manager) Destroy() {
	for _, adapter := range m.adapters {
		adapter.Destroy()
	}
	m.adapters = nil
	m.byType = make(map[ProtocolType]Adapter)
}
