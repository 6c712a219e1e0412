package dapp

import (
	"github.com/bwmarrin/snowflake"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/pkg/log"
)

// Update is one event pushed from the bridge to the wallet UI.
type Update interface {
	Type() string
}

// UpdateSink receives bridge updates. Adapters call it from their own
// goroutines; implementations must be safe for concurrent use.
type UpdateSink func(update Update)

var eventIDNode *snowflake.Node

func init() {
	var err error
	eventIDNode, err = snowflake.NewNode(1)
	if err != nil {
		log.Fatalf("create event id node:%v", err)
	}
}

// NextEventID returns a unique, monotonically increasing event id.
func NextEventID() int64 {
	return eventIDNode.Generate().Int64()
}

type UpdateLoading struct{}

func (UpdateLoading) Type() string { return "dappLoading" }

type UpdateCloseLoading struct{}

func (UpdateCloseLoading) Type() string { return "dappCloseLoading" }

// UpdateConnectRequested asks the UI to show the connect approval prompt.
type UpdateConnectRequested struct {
	Identifier  string        `json:"identifier,omitempty"`
	PromiseID   string        `json:"promiseId"`
	AccountID   string        `json:"accountId,omitempty"`
	Dapp        Metadata      `json:"dapp"`
	Permissions Permissions   `json:"permissions"`
	Proof       *ProofRequest `json:"proof,omitempty"`
}

func (UpdateConnectRequested) Type() string { return "dappConnect" }

// UpdateTransactionsRequested asks the UI to show the transaction confirmation
// prompt with the draft preview attached.
type UpdateTransactionsRequested struct {
	PromiseID    string            `json:"promiseId"`
	AccountID    string            `json:"accountId"`
	Dapp         *Metadata         `json:"dapp,omitempty"`
	Transactions []chains.Transfer `json:"transactions"`
	Emulation    *chains.Emulation `json:"emulation,omitempty"`
	ValidUntil   int64             `json:"validUntil,omitempty"`
}

func (UpdateTransactionsRequested) Type() string { return "dappSendTransactions" }

type UpdateSignDataRequested struct {
	PromiseID string      `json:"promiseId"`
	AccountID string      `json:"accountId"`
	Dapp      *Metadata   `json:"dapp,omitempty"`
	Payload   interface{} `json:"payload"`
}

func (UpdateSignDataRequested) Type() string { return "dappSignData" }

type UpdateShowError struct {
	Display DisplayError `json:"error"`
}

func (UpdateShowError) Type() string { return "showError" }

// UpdateDappsChanged signals that the persisted connection list changed and
// any session view should be refreshed.
type UpdateDappsChanged struct {
	AccountID string `json:"accountId,omitempty"`
}

func (UpdateDappsChanged) Type() string { return "updateDapps" }

type UpdateDappDisconnect struct {
	AccountID string `json:"accountId"`
	URL       string `json:"url"`
	UniqueID  string `json:"uniqueId"`
}

func (UpdateDappDisconnect) Type() string { return "dappDisconnect" }

type UpdateTransferComplete struct {
	AccountID string `json:"accountId"`
	Success   bool   `json:"success"`
}

func (UpdateTransferComplete) Type() string { return "dappTransferComplete" }

type UpdateSignDataComplete struct {
	AccountID string `json:"accountId"`
	Success   bool   `json:"success"`
}

func (UpdateSignDataComplete) Type() string { return "dappSignDataComplete" }

type UpdateConnectComplete struct {
	AccountID string `json:"accountId"`
	URL       string `json:"url"`
	Success   bool   `json:"success"`
}

func (UpdateConnectComplete) Type() string { return "dappConnectComplete" }

// UpdateTransportOnline reports remote channel availability transitions.
type UpdateTransportOnline struct {
	Protocol ProtocolType `json:"protocol"`
	Online   bool         `json:"online"`
}

func (UpdateTransportOnline) Type() string { return "dappTransportOnline" }

// UpdateOpenURL instructs the UI to return the user to the dapp after a
// remote flow completes.
type UpdateOpenURL struct {
	URL      string `json:"url"`
	External bool   `json:"external,omitempty"`
}

func (UpdateOpenURL) Type() string { return "openUrl" }
