// Package ratelimit provides the minimum-interval gate shared by manual
// and automatic action paths.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/avelines/usdt-keeper/internal/registry"
)

// ErrRateLimited is surfaced when an action is rejected by the gate.
var ErrRateLimited = errors.New("rate limited, try again later")

// Key identifies one rate-limit budget: the actor is a user id for
// manual triggers and a wallet address for automatic ones.
type Key struct {
	Actor string
	Kind  registry.ActionKind
}

// Limiter gates actions to at most one per interval per key.
type Limiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[Key]time.Time
	now      func() time.Time
}

// New creates a limiter with the given minimum interval.
func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		last:     make(map[Key]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the key may act now. A true result consumes the
// window; false has no side effect.
func (l *Limiter) Allow(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	return true
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
