package dapp

import (
	"strings"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/google/uuid"
	"stellawallet.io/stella-wallet/pkg/log"
)

// PromiseKind names the user decision a suspended call is waiting for.
type PromiseKind string

const (
	PromiseConnect     PromiseKind = "connect"
	PromiseTransaction PromiseKind = "sendTransaction"
	PromiseSignData    PromiseKind = "signData"
)

// Outcome is the settlement of a pending operation.
type Outcome struct {
	Value interface{}
	Err   error
}

// ConnectApproval is the value the UI resolves an approve-connect operation
// with: the chosen account plus the signatures over any requested ownership
// proofs.
type ConnectApproval struct {
	AccountID       string   `json:"accountId"`
	Address         string   `json:"address"`
	PublicKey       string   `json:"publicKey,omitempty"`
	WalletStateInit string   `json:"walletStateInit,omitempty"`
	ProofSignatures []string `json:"proofSignatures,omitempty"`
}

// SignDataApproval is the value the UI resolves an approve-sign-data
// operation with.
type SignDataApproval struct {
	Signature string `json:"signature"`
	Address   string `json:"address,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Domain    string `json:"domain,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

type pendingOp struct {
	id       string
	kind     PromiseKind
	deadline time.Time
	ch       chan Outcome
	settled  bool
}

type deadlineKey struct {
	at time.Time
	id string
}

func compareDeadlineKeys(a, b interface{}) int {
	ka, kb := a.(deadlineKey), b.(deadlineKey)
	if ka.at.Before(kb.at) {
		return -1
	}
	if ka.at.After(kb.at) {
		return 1
	}
	return strings.Compare(ka.id, kb.id)
}

// Promises correlates suspended protocol calls with later user decisions.
// Every created operation settles exactly once: resolved, rejected, or
// expired by the deadline sweeper. Settling an unknown or already settled id
// is a no-op, which makes duplicate UI callbacks harmless.
type Promises struct {
	mu         sync.Mutex
	ops        map[string]*pendingOp
	byDeadline *treemap.Map
	timeout    time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewPromises(timeout time.Duration) *Promises {
	if timeout <= 0 {
		timeout = time.Minute
	}
	p := &Promises{
		ops:        make(map[string]*pendingOp),
		byDeadline: treemap.NewWith(compareDeadlineKeys),
		timeout:    timeout,
		stop:       make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Create registers a pending operation and returns its id together with the
// channel the eventual outcome arrives on.
func (p *Promises) Create(kind PromiseKind) (string, <-chan Outcome) {
	op := &pendingOp{
		id:       uuid.NewString(),
		kind:     kind,
		deadline: time.Now().Add(p.timeout),
		ch:       make(chan Outcome, 1),
	}
	p.mu.Lock()
	p.ops[op.id] = op
	p.byDeadline.Put(deadlineKey{at: op.deadline, id: op.id}, op)
	p.mu.Unlock()
	return op.id, op.ch
}

// Resolve settles the operation successfully. Returns false when the id is
// unknown or already settled.
func (p *Promises) Resolve(id string, value interface{}) bool {
	return p.settle(id, Outcome{Value: value})
}

// Reject settles the operation with an error. Returns false when the id is
// unknown or already settled.
func (p *Promises) Reject(id string, err error) bool {
	if err == nil {
		err = UserRejected()
	}
	return p.settle(id, Outcome{Err: err})
}

func (p *Promises) settle(id string, outcome Outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[id]
	if !ok || op.settled {
		return false
	}
	op.settled = true
	delete(p.ops, id)
	p.byDeadline.Remove(deadlineKey{at: op.deadline, id: op.id})
	op.ch <- outcome
	return true
}

// Pending returns the number of unsettled operations.
func (p *Promises) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ops)
}

func (p *Promises) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

func (p *Promises) sweep(now time.Time) {
	var expired []*pendingOp
	p.mu.Lock()
	it := p.byDeadline.Iterator()
	for it.Next() {
		key := it.Key().(deadlineKey)
		if key.at.After(now) {
			break
		}
		expired = append(expired, it.Value().(*pendingOp))
	}
	for _, op := range expired {
		op.settled = true
		delete(p.ops, op.id)
		p.byDeadline.Remove(deadlineKey{at: op.deadline, id: op.id})
		op.ch <- Outcome{Err: Timeout()}
	}
	p.mu.Unlock()
	for _, op := range expired {
		log.Debugf("dapp promise %v (%v) expired", op.id, op.kind)
	}
}

// Close stops the deadline sweeper. Pending operations are left to their
// waiters.
func (p *Promises) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}
