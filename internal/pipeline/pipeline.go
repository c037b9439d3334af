// Package pipeline executes wallet actions: freshness re-check, amount
// computation, serialized nonce assignment, sign/broadcast, and
// asynchronous confirmation. Manual and automatic triggers funnel into
// the same Executor so the guards exist in exactly one place.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avelines/usdt-keeper/internal/chain"
	"github.com/avelines/usdt-keeper/internal/decision"
	"github.com/avelines/usdt-keeper/internal/registry"
)

// Trigger records which path produced a request.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerAuto   Trigger = "auto"
)

// OutcomeSkipped marks a request discarded by the freshness re-check.
const OutcomeSkipped chain.Outcome = "skipped"

// Request is the unit of work submitted to the Executor.
type Request struct {
	Wallet      common.Address
	Kind        registry.ActionKind
	Trigger     Trigger
	RequestedAt time.Time
}

// Result reports the outcome of a request, terminal or in-flight.
type Result struct {
	RequestID string
	Wallet    common.Address
	Kind      registry.ActionKind
	Trigger   Trigger
	TxHash    common.Hash
	Nonce     uint64
	Amount    *big.Int
	Outcome   chain.Outcome
	Err       error
}

// ChainClient is the chain access the pipeline needs.
type ChainClient interface {
	Balances(ctx context.Context, wallet common.Address) (token, native *big.Int, err error)
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context) (uint64, error)
	SubmitWithdraw(ctx context.Context, from common.Address, amount *big.Int, nonce uint64) (common.Hash, error)
	SubmitGasSend(ctx context.Context, to common.Address, amount *big.Int, nonce uint64) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (chain.Outcome, error)
}

// Notifier receives terminal results. The default implementation logs.
type Notifier interface {
	Notify(result Result)
}

// LogNotifier logs terminal results through slog.
type LogNotifier struct{}

func (LogNotifier) Notify(result Result) {
	attrs := []any{
		"request_id", result.RequestID,
		"wallet", result.Wallet.Hex(),
		"kind", result.Kind,
		"trigger", result.Trigger,
		"outcome", result.Outcome,
	}
	if result.TxHash != (common.Hash{}) {
		attrs = append(attrs, "tx_hash", result.TxHash.Hex())
	}
	if result.Err != nil {
		attrs = append(attrs, "error", result.Err)
		slog.Warn("Action settled with failure", attrs...)
		return
	}
	slog.Info("Action settled", attrs...)
}

// Config holds pipeline parameters.
type Config struct {
	Thresholds     decision.Thresholds
	GasSendAmount  *big.Int      // fixed native amount per gas send, base units
	ReceiptWait    time.Duration // single WaitForReceipt attempt budget
	MaxConfirmWait time.Duration // total budget before an Unknown is logged unresolved
	ConfirmBackoff time.Duration // initial gap between reconciliation attempts
}

func (c *Config) applyDefaults() {
	if c.ReceiptWait <= 0 {
		c.ReceiptWait = 2 * time.Minute
	}
	if c.MaxConfirmWait <= 0 {
		c.MaxConfirmWait = 10 * time.Minute
	}
	if c.ConfirmBackoff <= 0 {
		c.ConfirmBackoff = 5 * time.Second
	}
}

// Executor owns nonce assignment for the one signing key and drives each
// request through build, sign, broadcast and confirmation.
type Executor struct {
	chain    ChainClient
	reg      *registry.Registry
	cfg      Config
	notifier Notifier

	// nonceMu serializes the nonce slot: only one request may hold it at
	// a time, across manual and automatic triggers.
	nonceMu   sync.Mutex
	nextNonce uint64
	nonceSeen bool

	reqSeq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor wires the pipeline. Close must be called on shutdown.
func NewExecutor(client ChainClient, reg *registry.Registry, cfg Config, notifier Notifier) *Executor {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = LogNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		chain:    client,
		reg:      reg,
		cfg:      cfg,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close stops the background confirmation watchers and waits for them.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

// Execute drives one request synchronously up to broadcast. Confirmation
// is reconciled in the background; the returned Result carries
// OutcomeBroadcast on the happy path.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	result := Result{
		RequestID: fmt.Sprintf("req-%06d", e.reqSeq.Add(1)),
		Wallet:    req.Wallet,
		Kind:      req.Kind,
		Trigger:   req.Trigger,
	}

	// Claim the wallet's single pending slot before anything else.
	if err := e.reg.BeginAction(req.Wallet, req.Kind); err != nil {
		result.Outcome = chain.OutcomeFailed
		result.Err = err
		return result
	}

	// Freshness re-check: a decision made from a stale snapshot must not
	// be executed blindly.
	rec, err := e.refresh(ctx, req.Wallet)
	if err != nil {
		e.settle(result, req.Kind, chain.OutcomeFailed, err)
		result.Outcome = chain.OutcomeFailed
		result.Err = err
		return result
	}

	amount, ok := e.recheck(rec, req)
	if !ok {
		e.reg.SettleAction(req.Wallet, req.Kind, OutcomeSkipped)
		slog.Info("Request no longer applies after fresh read, discarding",
			"request_id", result.RequestID,
			"wallet", req.Wallet.Hex(),
			"kind", req.Kind,
			"trigger", req.Trigger)
		result.Outcome = OutcomeSkipped
		return result
	}
	result.Amount = amount

	hash, nonce, err := e.submitSerialized(ctx, req, amount)
	if err != nil {
		e.settle(result, req.Kind, chain.OutcomeFailed, err)
		result.Outcome = chain.OutcomeFailed
		result.Err = err
		return result
	}

	result.TxHash = hash
	result.Nonce = nonce
	result.Outcome = chain.OutcomeBroadcast
	e.reg.MarkBroadcast(req.Wallet, hash)

	e.wg.Add(1)
	go e.watchConfirmation(result)

	return result
}

// refresh re-reads the wallet immediately before signing and folds the
// reading into the registry.
func (e *Executor) refresh(ctx context.Context, wallet common.Address) (registry.Record, error) {
	token, native, err := e.chain.Balances(ctx, wallet)
	if err != nil {
		return registry.Record{}, err
	}
	allowance, err := e.chain.Allowance(ctx, wallet)
	if err != nil {
		return registry.Record{}, err
	}
	return e.reg.ApplyRead(wallet, registry.Reading{
		TokenBalance:  token,
		NativeBalance: native,
		Allowance:     allowance,
		At:            time.Now(),
	})
}

// recheck validates the request against fresh state and computes the
// transfer amount. Automatic requests must still match the decision
// engine; manual ones only need the action to be physically possible.
func (e *Executor) recheck(rec registry.Record, req Request) (*big.Int, bool) {
	// BeginAction set the pending slot on the live record; clear it on
	// the snapshot so the decision engine sees the wallet as free.
	rec.Pending = nil

	if req.Trigger == TriggerAuto {
		kind, ok := decision.Decide(rec, e.cfg.Thresholds, time.Now())
		if !ok || kind != req.Kind {
			return nil, false
		}
	}

	switch req.Kind {
	case registry.ActionWithdraw:
		if rec.TokenBalance.Sign() <= 0 || rec.Allowance.Sign() <= 0 {
			return nil, false
		}
		return decision.WithdrawAmount(rec.TokenBalance, rec.Allowance), true
	case registry.ActionSendGas:
		if e.cfg.GasSendAmount == nil || e.cfg.GasSendAmount.Sign() <= 0 {
			return nil, false
		}
		return new(big.Int).Set(e.cfg.GasSendAmount), true
	default:
		return nil, false
	}
}

// submitSerialized holds the nonce slot across nonce lookup, build, sign
// and broadcast so that no two requests ever receive the same nonce and
// broadcast order matches nonce order.
func (e *Executor) submitSerialized(ctx context.Context, req Request, amount *big.Int) (common.Hash, uint64, error) {
	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	chainNonce, err := e.chain.PendingNonce(ctx)
	if err != nil {
		return common.Hash{}, 0, err
	}
	// Reconcile the local counter with chain truth: the chain view may
	// lag our own broadcasts, so take the max.
	if !e.nonceSeen || chainNonce > e.nextNonce {
		e.nextNonce = chainNonce
		e.nonceSeen = true
	}
	nonce := e.nextNonce

	var hash common.Hash
	switch req.Kind {
	case registry.ActionWithdraw:
		hash, err = e.chain.SubmitWithdraw(ctx, req.Wallet, amount, nonce)
	case registry.ActionSendGas:
		hash, err = e.chain.SubmitGasSend(ctx, req.Wallet, amount, nonce)
	default:
		return common.Hash{}, 0, fmt.Errorf("unsupported action kind %q", req.Kind)
	}
	if err != nil {
		if se, ok := err.(*chain.SubmitError); ok && se.Reason == chain.ReasonNonceTooLow {
			// Local counter drifted; rebuild from chain on the next request.
			e.nonceSeen = false
		}
		return common.Hash{}, 0, err
	}

	e.nextNonce = nonce + 1
	return hash, nonce, nil
}

// watchConfirmation reconciles a broadcast transaction in the background
// with bounded backoff until it settles or the wait budget runs out.
func (e *Executor) watchConfirmation(result Result) {
	defer e.wg.Done()

	deadline := time.Now().Add(e.cfg.MaxConfirmWait)
	backoff := e.cfg.ConfirmBackoff

	for {
		outcome, err := e.chain.WaitForReceipt(e.ctx, result.TxHash, e.cfg.ReceiptWait)
		if err == nil && outcome != chain.OutcomeUnknown {
			result.Outcome = outcome
			e.settle(result, result.Kind, outcome, nil)
			return
		}
		if e.ctx.Err() != nil {
			// Shutdown: leave the record pending, the next process start
			// rebuilds state from chain reads.
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("Transaction unresolved after maximum wait, freeing slot for re-evaluation",
				"request_id", result.RequestID,
				"wallet", result.Wallet.Hex(),
				"tx_hash", result.TxHash.Hex())
			result.Outcome = chain.OutcomeUnknown
			e.settle(result, result.Kind, chain.OutcomeUnknown, nil)
			return
		}

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (e *Executor) settle(result Result, kind registry.ActionKind, outcome chain.Outcome, err error) {
	e.reg.SettleAction(result.Wallet, kind, outcome)
	result.Outcome = outcome
	result.Err = err
	e.notifier.Notify(result)
}
