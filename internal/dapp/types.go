package dapp

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// ProtocolType identifies a dapp connection protocol.
type ProtocolType string

const (
	ProtocolTonConnect    ProtocolType = "tonConnect"
	ProtocolWalletConnect ProtocolType = "walletConnect"
)

type Chain string

const (
	ChainTon Chain = "ton"
	ChainEvm Chain = "evm"
)

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// ParseAccountNetwork extracts the network part of an account id of the form
// "<index>-<network>".
func ParseAccountNetwork(accountID string) Network {
	parts := strings.SplitN(accountID, "-", 3)
	if len(parts) >= 2 && Network(parts[1]) == NetworkTestnet {
		return NetworkTestnet
	}
	return NetworkMainnet
}

// TransportType names the way a request reached the wallet.
type TransportType string

const (
	TransportEmbedded  TransportType = "jsbridge"
	TransportSSE       TransportType = "sse"
	TransportRelay     TransportType = "relay"
	TransportExtension TransportType = "extension"
)

// Metadata is the dapp self-description, common across protocols.
type Metadata struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	IconURL     string `json:"iconUrl"`
	ManifestURL string `json:"manifestUrl,omitempty"`
}

// SessionChain scopes a connection to one chain/network/address tuple.
type SessionChain struct {
	Chain     Chain   `json:"chain"`
	Address   string  `json:"address,omitempty"`
	PublicKey string  `json:"publicKey,omitempty"`
	Network   Network `json:"network"`
}

// Permissions requested by a dapp during connect.
type Permissions struct {
	Address bool `json:"address"`
	Proof   bool `json:"proof"`
}

// ProofRequest is the domain-bound challenge an ownership proof signs over.
type ProofRequest struct {
	Timestamp int64  `json:"timestamp"`
	Domain    string `json:"domain"`
	Payload   string `json:"payload"`
}

// RemoteOptions are the credentials of one encrypted remote channel
// subscription: the local key pair, the counterparty identifier and the
// running outbound sequence.
type RemoteOptions struct {
	ClientID     string `json:"clientId"`
	AppClientID  string `json:"appClientId"`
	SecretKey    string `json:"secretKey"`
	LastOutputID int64  `json:"lastOutputId"`
}

// Request is the ambient routing envelope accompanying every adapter call:
// who is asking (origin URL), on behalf of which account, and over which
// remote credentials if the call arrived through the relay.
type Request struct {
	URL        string         `json:"url,omitempty"`
	AccountID  string         `json:"accountId,omitempty"`
	Identifier string         `json:"identifier,omitempty"`
	URLEnsured bool           `json:"isUrlEnsured,omitempty"`
	// Network is the shell's active network, used to resolve requests that
	// name no account. Empty means mainnet.
	Network Network        `json:"network,omitempty"`
	Remote  *RemoteOptions `json:"sseOptions,omitempty"`
}

// ConnectionRequest is a protocol-agnostic connect call; Payload keeps the
// protocol-specific part opaque to everything but the owning adapter.
type ConnectionRequest struct {
	ProtocolType    ProtocolType    `json:"protocolType"`
	Transport       TransportType   `json:"transport"`
	RequestedChains []SessionChain  `json:"requestedChains,omitempty"`
	Permissions     Permissions     `json:"permissions"`
	Payload         json.RawMessage `json:"payload"`
}

type TransactionRequest struct {
	ID      string          `json:"id"`
	Chain   Chain           `json:"chain"`
	Payload json.RawMessage `json:"payload"`
}

type SignDataRequest struct {
	ID      string          `json:"id"`
	Chain   Chain           `json:"chain"`
	Payload json.RawMessage `json:"payload"`
}

type DisconnectRequest struct {
	RequestID string `json:"requestId"`
}

// Session is the runtime view of an established connection, including the
// protocol-specific connect event pushed back to the dapp.
type Session struct {
	ID           string         `json:"id"`
	ProtocolType ProtocolType   `json:"protocolType"`
	AccountID    string         `json:"accountId"`
	Dapp         *Connection    `json:"dapp"`
	Chains       []SessionChain `json:"chains"`
	ConnectedAt  int64          `json:"connectedAt"`
	Event        interface{}    `json:"event,omitempty"`
}

// ConnectionResult is the unified outcome of connect/reconnect.
type ConnectionResult struct {
	Success bool     `json:"success"`
	Session *Session `json:"session,omitempty"`
	Error   *Error   `json:"error,omitempty"`
}

// MethodResult is the unified outcome of every non-connect method.
type MethodResult struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

func OkResult(result interface{}) MethodResult {
	return MethodResult{Success: true, Result: result}
}

func FailResult(err error) MethodResult {
	return MethodResult{Success: false, Error: AsProtocolError(err)}
}

func OkConnection(session *Session) ConnectionResult {
	return ConnectionResult{Success: true, Session: session}
}

func FailConnection(err error) ConnectionResult {
	return ConnectionResult{Success: false, Error: AsProtocolError(err)}
}

// StreamCursor persists the replay position of the shared remote stream and
// deduplicates inbound messages by correlation key.
type StreamCursor interface {
	LastEventID(ctx context.Context) (string, error)
	SetLastEventID(ctx context.Context, eventID string) error
	// MarkProcessed returns false when the key was applied before.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
