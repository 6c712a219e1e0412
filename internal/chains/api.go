package chains

import (
	"context"
	"encoding/json"
	"sync"
)

// Message is one raw transfer requested by a dapp, still in the chain's wire
// encoding.
type Message struct {
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Payload   string `json:"payload,omitempty"`
	StateInit string `json:"stateInit,omitempty"`
}

// Transfer is a message prepared for user preview.
type Transfer struct {
	Chain              string `json:"chain"`
	ToAddress          string `json:"toAddress"`
	DisplayedToAddress string `json:"displayedToAddress,omitempty"`
	NormalizedAddress  string `json:"normalizedAddress,omitempty"`
	Amount             string `json:"amount"`
	Payload            string `json:"payload,omitempty"`
	NetworkFee         string `json:"networkFee,omitempty"`
	IsDangerous        bool   `json:"isDangerous,omitempty"`
	IsScam             bool   `json:"isScam,omitempty"`
}

// Emulation is the simulated outcome of a transaction draft. A fallback
// emulation carries only a fee estimate.
type Emulation struct {
	IsFallback bool              `json:"isFallback,omitempty"`
	NetworkFee string            `json:"networkFee,omitempty"`
	RealFee    string            `json:"realFee,omitempty"`
	Activities []json.RawMessage `json:"activities,omitempty"`
}

type DraftErrorCode string

const (
	DraftInsufficientBalance DraftErrorCode = "insufficientBalance"
	DraftInvalidPayload      DraftErrorCode = "invalidPayload"
	DraftServerError         DraftErrorCode = "serverError"
	DraftUnexpected          DraftErrorCode = "unexpected"
)

type DraftError struct {
	Code    DraftErrorCode
	Message string
}

func (e *DraftError) Error() string { return string(e.Code) + ": " + e.Message }

// DraftResult is what a chain engine returns for a checked draft. Either Err
// is set, or Transfers and Emulation describe the previewed transaction.
type DraftResult struct {
	Transfers []Transfer
	Emulation *Emulation
	Err       *DraftError
}

type SignedTransaction struct {
	Payload string `json:"payload"`
}

type SentTransaction struct {
	Payload string `json:"payload"`
	MsgHash string `json:"msgHash"`
}

// Support is the surface a chain engine exposes to the dapp bridge. The
// bridge never reads keys or builds chain transactions itself; it drafts,
// shows, and broadcasts through this interface only.
type Support interface {
	// MaxMessagesPerTransaction returns the chain limit for the given account.
	MaxMessagesPerTransaction(accountID string) int

	// CheckTransactionDraft validates and simulates the proposed messages.
	CheckTransactionDraft(ctx context.Context, accountID, network string, messages []Message) (*DraftResult, error)

	// SendSignedTransactions broadcasts payloads signed by the user. The
	// returned slice may be shorter than the input on partial failure.
	SendSignedTransactions(ctx context.Context, accountID string, signed []SignedTransaction) ([]SentTransaction, error)
}

// Registry holds the chain engines compiled into this build.
type Registry struct {
	mu       sync.RWMutex
	supports map[string]Support
}

func NewRegistry() *Registry {
	return &Registry{supports: make(map[string]Support)}
}

func (r *Registry) Register(chain string, support Support) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supports[chain] = support
}

// Get returns the engine for a chain, or nil when the chain is unsupported.
func (r *Registry) Get(chain string) Support {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supports[chain]
}
