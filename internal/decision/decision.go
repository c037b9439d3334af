// Package decision evaluates wallet state against configured thresholds.
// It is pure: no clock, no chain, no registry access beyond the snapshot
// it is handed.
package decision

import (
	"math/big"
	"time"

	"github.com/avelines/usdt-keeper/internal/registry"
)

// Thresholds are the immutable per-run decision parameters, all amounts
// in base units.
type Thresholds struct {
	WithdrawEnabled  bool
	GasEnabled       bool
	TokenThreshold   *big.Int      // minimum token balance before gas assistance applies
	NativeThreshold  *big.Int      // wallets below this native balance qualify for gas
	WithdrawInterval time.Duration // minimum gap between automatic withdrawals per wallet
	GasInterval      time.Duration // minimum gap between automatic gas sends per wallet
}

// Decide returns the single recommended action for a wallet, or false if
// none applies. When both actions qualify, SendGas wins: a wallet needs
// gas before a pull can succeed, and the withdrawal remains valid on the
// next cycle.
func Decide(rec registry.Record, cfg Thresholds, now time.Time) (registry.ActionKind, bool) {
	if rec.Pending != nil {
		return "", false
	}

	if wantsGas(rec, cfg, now) {
		return registry.ActionSendGas, true
	}
	if wantsWithdraw(rec, cfg, now) {
		return registry.ActionWithdraw, true
	}
	return "", false
}

// wantsGas applies to every wallet, approved or not: gas assistance is
// independent of allowance.
func wantsGas(rec registry.Record, cfg Thresholds, now time.Time) bool {
	if !cfg.GasEnabled || rec.TokenBalance == nil || rec.NativeBalance == nil {
		return false
	}
	if rec.TokenBalance.Sign() <= 0 {
		return false
	}
	if cfg.TokenThreshold != nil && rec.TokenBalance.Cmp(cfg.TokenThreshold) < 0 {
		return false
	}
	if cfg.NativeThreshold == nil || rec.NativeBalance.Cmp(cfg.NativeThreshold) >= 0 {
		return false
	}
	return intervalElapsed(rec.LastGasSend, cfg.GasInterval, now)
}

func wantsWithdraw(rec registry.Record, cfg Thresholds, now time.Time) bool {
	if !cfg.WithdrawEnabled || !rec.Approved() {
		return false
	}
	if rec.TokenBalance == nil || rec.TokenBalance.Sign() <= 0 {
		return false
	}
	if rec.Allowance.Cmp(rec.TokenBalance) < 0 {
		return false
	}
	return intervalElapsed(rec.LastWithdraw, cfg.WithdrawInterval, now)
}

func intervalElapsed(last time.Time, interval time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= interval
}

// WithdrawAmount computes the transfer amount for a withdrawal: never
// more than the present balance regardless of a larger allowance, and
// never more than the allowance.
func WithdrawAmount(tokenBalance, allowance *big.Int) *big.Int {
	if tokenBalance == nil || allowance == nil {
		return big.NewInt(0)
	}
	if tokenBalance.Cmp(allowance) <= 0 {
		return new(big.Int).Set(tokenBalance)
	}
	return new(big.Int).Set(allowance)
}
