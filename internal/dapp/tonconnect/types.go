package tonconnect

import (
	"encoding/json"

	"stellawallet.io/stella-wallet/internal/dapp"
)

// Wire-level network ids used by the protocol.
const (
	wireNetworkMainnet = "-239"
	wireNetworkTestnet = "-3"
)

func wireNetwork(network dapp.Network) string {
	if network == dapp.NetworkTestnet {
		return wireNetworkTestnet
	}
	return wireNetworkMainnet
}

func parseWireNetwork(wire string) (dapp.Network, bool) {
	switch wire {
	case wireNetworkMainnet:
		return dapp.NetworkMainnet, true
	case wireNetworkTestnet:
		return dapp.NetworkTestnet, true
	default:
		return "", false
	}
}

const (
	itemAddress = "ton_addr"
	itemProof   = "ton_proof"
)

type connectItem struct {
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

// connectPayload is the protocol connect request carried inside the unified
// connect call or a pairing deep link.
type connectPayload struct {
	ManifestURL string        `json:"manifestUrl"`
	Items       []connectItem `json:"items"`
}

func (p *connectPayload) hasItem(name string) bool {
	for _, item := range p.Items {
		if item.Name == name {
			return true
		}
	}
	return false
}

func (p *connectPayload) itemPayload(name string) string {
	for _, item := range p.Items {
		if item.Name == name {
			return item.Payload
		}
	}
	return ""
}

type deviceInfo struct {
	Platform           string        `json:"platform"`
	AppName            string        `json:"appName"`
	AppVersion         string        `json:"appVersion"`
	MaxProtocolVersion int           `json:"maxProtocolVersion"`
	Features           []interface{} `json:"features"`
}

func defaultDeviceInfo(maxMessages int) deviceInfo {
	return deviceInfo{
		Platform:           "linux",
		AppName:            "stella-wallet",
		AppVersion:         "1.0.0",
		MaxProtocolVersion: 2,
		Features: []interface{}{
			"SendTransaction",
			map[string]interface{}{
				"name":        "SendTransaction",
				"maxMessages": maxMessages,
			},
			map[string]interface{}{
				"name": "SignData",
			},
		},
	}
}

type addressItemReply struct {
	Name            string `json:"name"`
	Address         string `json:"address"`
	Network         string `json:"network"`
	PublicKey       string `json:"publicKey"`
	WalletStateInit string `json:"walletStateInit,omitempty"`
}

type proofDomain struct {
	LengthBytes int    `json:"lengthBytes"`
	Value       string `json:"value"`
}

type proofItemReply struct {
	Name  string `json:"name"`
	Proof struct {
		Timestamp int64       `json:"timestamp"`
		Domain    proofDomain `json:"domain"`
		Signature string      `json:"signature"`
		Payload   string      `json:"payload"`
	} `json:"proof"`
}

// connectEvent is the success event pushed back to the dapp after the user
// approves a connection.
type connectEvent struct {
	Event   string `json:"event"`
	ID      int64  `json:"id"`
	Payload struct {
		Items  []interface{} `json:"items"`
		Device deviceInfo    `json:"device"`
	} `json:"payload"`
}

type connectErrorEvent struct {
	Event   string `json:"event"`
	ID      int64  `json:"id"`
	Payload struct {
		Code    dapp.ErrorCode `json:"code"`
		Message string         `json:"message"`
	} `json:"payload"`
}

func newConnectErrorEvent(id int64, err *dapp.Error) *connectErrorEvent {
	event := &connectErrorEvent{Event: "connect_error", ID: id}
	event.Payload.Code = err.Code
	event.Payload.Message = err.Message
	return event
}

type disconnectEvent struct {
	Event   string   `json:"event"`
	ID      int64    `json:"id"`
	Payload struct{} `json:"payload"`
}

// appMessage is one decrypted request from a remote dapp.
type appMessage struct {
	ID     json.Number `json:"id"`
	Method string      `json:"method"`
	Params []string    `json:"params"`
}

type methodSuccessReply struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

type methodErrorReply struct {
	ID    string `json:"id"`
	Error struct {
		Code    dapp.ErrorCode `json:"code"`
		Message string         `json:"message"`
	} `json:"error"`
}

func newMethodErrorReply(id string, err *dapp.Error) *methodErrorReply {
	reply := &methodErrorReply{ID: id}
	reply.Error.Code = err.Code
	reply.Error.Message = err.Message
	return reply
}

// transactionPayload is the params payload of a sendTransaction request.
type transactionPayload struct {
	ValidUntil int64        `json:"valid_until"`
	Network    string       `json:"network,omitempty"`
	From       string       `json:"from,omitempty"`
	Messages   []trxMessage `json:"messages"`
}

type trxMessage struct {
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Payload   string `json:"payload,omitempty"`
	StateInit string `json:"stateInit,omitempty"`
}

// signDataPayload is the params payload of a signData request.
type signDataPayload struct {
	SchemaCRC int64  `json:"schema_crc,omitempty"`
	Cell      string `json:"cell,omitempty"`
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	Bytes     string `json:"bytes,omitempty"`
}
