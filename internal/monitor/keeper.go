// Package monitor drives the recurring wallet cycle and exposes the
// keeper facade consumed by the chat and HTTP adapters.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/avelines/usdt-keeper/internal/chain"
	"github.com/avelines/usdt-keeper/internal/decision"
	"github.com/avelines/usdt-keeper/internal/pipeline"
	"github.com/avelines/usdt-keeper/internal/ratelimit"
	"github.com/avelines/usdt-keeper/internal/registry"
)

// Config holds keeper parameters.
type Config struct {
	Interval        string         // monitor cadence, duration or cron
	Timezone        *time.Location // nil means UTC
	RunImmediately  bool
	Thresholds      decision.Thresholds
	ManualRateLimit time.Duration // minimum gap between manual actions per actor
}

// Keeper ties the registry, decision engine, rate limiters and execution
// pipeline together behind the interface the adapters call.
type Keeper struct {
	cfg   Config
	chain pipeline.ChainClient
	reg   *registry.Registry
	exec  *pipeline.Executor

	manualGate   *ratelimit.Limiter
	withdrawGate *ratelimit.Limiter
	gasGate      *ratelimit.Limiter

	onCycle func(success bool)

	mu      sync.Mutex
	sched   *Scheduler
	cycleWG sync.WaitGroup
}

// NewKeeper wires a keeper. The executor must share the same registry.
func NewKeeper(client pipeline.ChainClient, reg *registry.Registry, exec *pipeline.Executor, cfg Config) *Keeper {
	manualInterval := cfg.ManualRateLimit
	if manualInterval <= 0 {
		manualInterval = time.Second
	}
	return &Keeper{
		cfg:          cfg,
		chain:        client,
		reg:          reg,
		exec:         exec,
		manualGate:   ratelimit.New(manualInterval),
		withdrawGate: ratelimit.New(cfg.Thresholds.WithdrawInterval),
		gasGate:      ratelimit.New(cfg.Thresholds.GasInterval),
	}
}

// SetCycleListener registers a callback invoked after every monitor
// cycle, used by the health checker for cadence tracking. May be called
// while the monitor is already running.
func (k *Keeper) SetCycleListener(fn func(success bool)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onCycle = fn
}

// RegisterOrUpdateWallet validates the address, creates the record on
// first observation and triggers an immediate read-through. Idempotent.
func (k *Keeper) RegisterOrUpdateWallet(ctx context.Context, input string) (registry.Record, error) {
	addr, err := chain.ParseAddress(input)
	if err != nil {
		return registry.Record{}, err
	}

	k.reg.Upsert(addr)
	rec, err := k.refreshWallet(ctx, addr)
	if err != nil {
		// The record exists but carries no fresh reading yet; surface the
		// read failure so the caller can retry.
		return registry.Record{}, err
	}
	return rec, nil
}

// AddDiscovered seeds the registry from a discovery feed without forcing
// an immediate read; the next cycle picks the wallets up.
func (k *Keeper) AddDiscovered(addresses []string) int {
	added := 0
	for _, input := range addresses {
		addr, err := chain.ParseAddress(input)
		if err != nil {
			slog.Warn("Discarding malformed discovered address", "input", input, "error", err)
			continue
		}
		k.reg.Upsert(addr)
		added++
	}
	return added
}

// GetWalletSnapshot returns the current record without side effects.
func (k *Keeper) GetWalletSnapshot(input string) (registry.Record, bool) {
	addr, err := chain.ParseAddress(input)
	if err != nil {
		return registry.Record{}, false
	}
	return k.reg.Get(addr)
}

// RequestManualAction runs one user-triggered action through the shared
// pipeline, synchronous up to broadcast.
func (k *Keeper) RequestManualAction(ctx context.Context, input string, kind registry.ActionKind, actorID string) (pipeline.Result, error) {
	addr, err := chain.ParseAddress(input)
	if err != nil {
		return pipeline.Result{}, err
	}

	if !k.manualGate.Allow(ratelimit.Key{Actor: actorID, Kind: kind}) {
		return pipeline.Result{}, ratelimit.ErrRateLimited
	}

	k.reg.Upsert(addr)
	result := k.exec.Execute(ctx, pipeline.Request{
		Wallet:      addr,
		Kind:        kind,
		Trigger:     pipeline.TriggerManual,
		RequestedAt: time.Now(),
	})
	return result, result.Err
}

// StartMonitor launches the recurring cycle. Idempotent: a second call
// while running is a no-op.
func (k *Keeper) StartMonitor(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.sched != nil {
		return nil
	}

	sched, err := NewScheduler(ctx, ScheduleConfig{
		Interval:       k.cfg.Interval,
		Timezone:       k.cfg.Timezone,
		RunImmediately: k.cfg.RunImmediately,
		Logger:         slog.Default(),
	}, func(jobCtx context.Context) error {
		err := k.RunCycle(jobCtx)
		k.mu.Lock()
		onCycle := k.onCycle
		k.mu.Unlock()
		if onCycle != nil {
			onCycle(err == nil)
		}
		return err
	})
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	k.sched = sched
	return nil
}

// StopMonitor stops the cycle and waits for in-flight hand-offs to the
// pipeline. Idempotent.
func (k *Keeper) StopMonitor() {
	k.mu.Lock()
	sched := k.sched
	k.sched = nil
	k.mu.Unlock()

	if sched != nil {
		if err := sched.Stop(); err != nil {
			slog.Error("Scheduler shutdown error", "error", err)
		}
	}
	k.cycleWG.Wait()
}

// Scheduler exposes the running scheduler for cadence introspection, or
// nil when the monitor is stopped.
func (k *Keeper) Scheduler() *Scheduler {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sched
}

// RunCycle refreshes every known wallet, runs the decision engine and
// hands qualifying actions to the pipeline. A failed read skips that
// wallet for this cycle only.
func (k *Keeper) RunCycle(ctx context.Context) error {
	wallets := k.reg.Addresses()
	slog.Debug("Monitor cycle starting", "wallets", len(wallets))

	for _, addr := range wallets {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown requested, stopping monitor cycle")
			return ctx.Err()
		default:
		}

		rec, ok := k.reg.Get(addr)
		if !ok {
			continue
		}
		if rec.Pending != nil {
			// An in-flight action owns this wallet until it settles.
			continue
		}

		rec, err := k.refreshWallet(ctx, addr)
		if err != nil {
			slog.Warn("Wallet refresh failed, skipping this cycle",
				"wallet", addr.Hex(), "error", err)
			continue
		}

		kind, ok := decision.Decide(rec, k.cfg.Thresholds, time.Now())
		if !ok {
			continue
		}
		if !k.autoGate(kind).Allow(ratelimit.Key{Actor: addr.Hex(), Kind: kind}) {
			continue
		}

		// Hand off without waiting for pipeline completion; the nonce
		// slot still serializes broadcasts.
		req := pipeline.Request{
			Wallet:      addr,
			Kind:        kind,
			Trigger:     pipeline.TriggerAuto,
			RequestedAt: time.Now(),
		}
		k.cycleWG.Add(1)
		go func() {
			defer k.cycleWG.Done()
			k.exec.Execute(ctx, req)
		}()
	}
	return nil
}

func (k *Keeper) autoGate(kind registry.ActionKind) *ratelimit.Limiter {
	if kind == registry.ActionWithdraw {
		return k.withdrawGate
	}
	return k.gasGate
}

func (k *Keeper) refreshWallet(ctx context.Context, addr common.Address) (registry.Record, error) {
	token, native, err := k.chain.Balances(ctx, addr)
	if err != nil {
		return registry.Record{}, err
	}
	allowance, err := k.chain.Allowance(ctx, addr)
	if err != nil {
		return registry.Record{}, err
	}
	return k.reg.ApplyRead(addr, registry.Reading{
		TokenBalance:  token,
		NativeBalance: native,
		Allowance:     allowance,
		At:            time.Now(),
	})
}
