// Package registry holds the in-memory wallet state. It is a read-through
// cache over chain truth: records are created on first observation, never
// deleted, and refreshed by reads. All mutation goes through accessor
// methods that own the locking discipline.
package registry

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avelines/usdt-keeper/internal/chain"
)

// State is the lifecycle position of a wallet record.
type State string

const (
	StateDiscovered    State = "discovered"
	StateMonitored     State = "monitored"
	StateActionPending State = "action_pending"
	StateSettled       State = "settled"
)

// ActionKind identifies the two autonomous actions.
type ActionKind string

const (
	ActionWithdraw ActionKind = "withdraw"
	ActionSendGas  ActionKind = "send_gas"
)

// PendingAction describes the at-most-one in-flight action for a wallet.
type PendingAction struct {
	Kind        ActionKind
	SubmittedAt time.Time
	TxHash      common.Hash
}

// Record is the current known state of a single wallet.
type Record struct {
	Address       common.Address
	TokenBalance  *big.Int
	NativeBalance *big.Int
	Allowance     *big.Int
	LastWithdraw  time.Time // zero if never
	LastGasSend   time.Time // zero if never
	Pending       *PendingAction
	State         State
	RefreshedAt   time.Time
}

// Approved reports whether the wallet has a standing allowance.
func (r Record) Approved() bool {
	return r.Allowance != nil && r.Allowance.Sign() > 0
}

// Stale reports whether the record is older than the polling interval and
// must be re-read before any write action.
func (r Record) Stale(pollInterval time.Duration) bool {
	return r.RefreshedAt.IsZero() || time.Since(r.RefreshedAt) > pollInterval
}

// HumanTokenBalance renders the token balance in human units.
func (r Record) HumanTokenBalance(decimals uint8) string {
	return chain.HumanAmount(r.TokenBalance, decimals)
}

// HumanNativeBalance renders the native balance in human units.
func (r Record) HumanNativeBalance() string {
	return chain.HumanAmount(r.NativeBalance, 18)
}

// Reading is the result of one chain refresh for a wallet.
type Reading struct {
	TokenBalance  *big.Int
	NativeBalance *big.Int
	Allowance     *big.Int
	At            time.Time
}

// Registry is the arena of wallet records keyed by checksummed address.
type Registry struct {
	mu      sync.RWMutex
	records map[common.Address]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[common.Address]*Record)}
}

// Upsert creates the record on first observation. Idempotent: an existing
// record is left untouched.
func (g *Registry) Upsert(addr common.Address) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[addr]; ok {
		return cloneRecord(rec)
	}
	rec := &Record{
		Address:       addr,
		TokenBalance:  big.NewInt(0),
		NativeBalance: big.NewInt(0),
		Allowance:     big.NewInt(0),
		State:         StateDiscovered,
	}
	g.records[addr] = rec
	return cloneRecord(rec)
}

// Get returns a snapshot of the record, or false if unknown.
func (g *Registry) Get(addr common.Address) (Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.records[addr]
	if !ok {
		return Record{}, false
	}
	return *cloneRecord(rec), true
}

// Addresses lists every known wallet.
func (g *Registry) Addresses() []common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]common.Address, 0, len(g.records))
	for addr := range g.records {
		out = append(out, addr)
	}
	return out
}

// Len returns the number of known wallets.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// ApplyRead overwrites the record's observed fields with a fresh reading.
// Last writer wins: a refresh always supersedes older data.
func (g *Registry) ApplyRead(addr common.Address, reading Reading) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok {
		return Record{}, fmt.Errorf("unknown wallet %s", addr.Hex())
	}
	if reading.TokenBalance == nil || reading.NativeBalance == nil || reading.Allowance == nil ||
		reading.TokenBalance.Sign() < 0 || reading.NativeBalance.Sign() < 0 || reading.Allowance.Sign() < 0 {
		return Record{}, fmt.Errorf("rejecting malformed reading for %s", addr.Hex())
	}

	rec.TokenBalance = new(big.Int).Set(reading.TokenBalance)
	rec.NativeBalance = new(big.Int).Set(reading.NativeBalance)
	rec.Allowance = new(big.Int).Set(reading.Allowance)
	rec.RefreshedAt = reading.At
	if rec.RefreshedAt.IsZero() {
		rec.RefreshedAt = time.Now()
	}
	if rec.State == StateDiscovered || rec.State == StateSettled {
		rec.State = StateMonitored
	}
	return *cloneRecord(rec), nil
}

// ErrActionPending is returned by BeginAction while another action is
// still in flight for the wallet.
var ErrActionPending = fmt.Errorf("wallet already has an action pending")

// BeginAction claims the wallet's single pending-action slot. It is the
// only setter of Pending, which makes it the double-submission guard.
func (g *Registry) BeginAction(addr common.Address, kind ActionKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok {
		return fmt.Errorf("unknown wallet %s", addr.Hex())
	}
	if rec.Pending != nil {
		return ErrActionPending
	}
	rec.Pending = &PendingAction{Kind: kind, SubmittedAt: time.Now()}
	rec.State = StateActionPending
	return nil
}

// MarkBroadcast attaches the transaction hash to the pending action.
func (g *Registry) MarkBroadcast(addr common.Address, hash common.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[addr]; ok && rec.Pending != nil {
		rec.Pending.TxHash = hash
	}
}

// SettleAction clears the pending slot on a terminal outcome and stamps
// the last-success timestamp when the action confirmed.
func (g *Registry) SettleAction(addr common.Address, kind ActionKind, outcome chain.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[addr]
	if !ok || rec.Pending == nil {
		return
	}
	rec.Pending = nil

	if outcome == chain.OutcomeConfirmed {
		now := time.Now()
		switch kind {
		case ActionWithdraw:
			rec.LastWithdraw = now
		case ActionSendGas:
			rec.LastGasSend = now
		}
		rec.State = StateSettled
		return
	}
	rec.State = StateMonitored
}

func cloneRecord(rec *Record) *Record {
	out := *rec
	out.TokenBalance = new(big.Int).Set(rec.TokenBalance)
	out.NativeBalance = new(big.Int).Set(rec.NativeBalance)
	out.Allowance = new(big.Int).Set(rec.Allowance)
	if rec.Pending != nil {
		pending := *rec.Pending
		out.Pending = &pending
	}
	return &out
}
