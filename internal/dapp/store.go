package dapp

import (
	"context"
)

// Connection is the persisted record of one dapp link. Exactly one transport
// credential set is populated depending on how the dapp connected: Remote for
// the encrypted remote channel, PairingTopic/PeerID/Key for the relay, none
// for the embedded browser bridge.
type Connection struct {
	ProtocolType ProtocolType   `json:"protocolType"`
	URL          string         `json:"url"`
	Name         string         `json:"name"`
	IconURL      string         `json:"iconUrl"`
	ManifestURL  string         `json:"manifestUrl,omitempty"`
	ConnectedAt  int64          `json:"connectedAt"`
	URLEnsured   bool           `json:"isUrlEnsured,omitempty"`
	Chains       []SessionChain `json:"chains,omitempty"`
	Remote       *RemoteOptions `json:"sse,omitempty"`
	PairingTopic string         `json:"pairingTopic,omitempty"`
	PeerID       string         `json:"peerId,omitempty"`
	Key          string         `json:"key,omitempty"`
}

const embeddedUniqueID = "jsbridge"

// UniqueID distinguishes parallel connections from the same dapp URL. All
// embedded-browser connections for one URL share a single record.
func (c *Connection) UniqueID() string {
	if c.Remote != nil && c.Remote.AppClientID != "" {
		return c.Remote.AppClientID
	}
	if c.PairingTopic != "" {
		return c.PairingTopic
	}
	return embeddedUniqueID
}

// RequestUniqueID derives the same key from an inbound routing envelope, so
// lookups hit the record UniqueID stored.
func RequestUniqueID(r *Request) string {
	if r != nil && r.Remote != nil && r.Remote.AppClientID != "" {
		return r.Remote.AppClientID
	}
	if r != nil && r.Identifier != "" {
		return r.Identifier
	}
	return embeddedUniqueID
}

// Store persists dapp connections keyed by account, dapp URL and unique id.
type Store interface {
	Get(ctx context.Context, accountID, url, uniqueID string) (*Connection, error)
	Put(ctx context.Context, accountID string, conn *Connection) error
	// Delete reports whether a record existed.
	Delete(ctx context.Context, accountID, url, uniqueID string) (bool, error)
	List(ctx context.Context, accountID string) ([]*Connection, error)
	ListAll(ctx context.Context) (map[string][]*Connection, error)
	DeleteAccount(ctx context.Context, accountID string) error
	// FindLastConnectedAccount returns the account on the given network that
	// connected to the url most recently, or "" when none did.
	FindLastConnectedAccount(ctx context.Context, network Network, url string) (string, error)
}
