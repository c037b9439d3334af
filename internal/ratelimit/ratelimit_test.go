package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/avelines/usdt-keeper/internal/registry"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	current := start
	return &current, func() time.Time { return current }
}

func TestAllowConsumesWindow(t *testing.T) {
	l := New(time.Second)
	clock, now := fixedClock(time.Unix(1000, 0))
	l.now = now

	key := Key{Actor: "user-1", Kind: registry.ActionWithdraw}

	assert.True(t, l.Allow(key))
	assert.False(t, l.Allow(key), "second call inside the window must be rejected")

	*clock = clock.Add(999 * time.Millisecond)
	assert.False(t, l.Allow(key))

	*clock = clock.Add(time.Millisecond)
	assert.True(t, l.Allow(key))
}

func TestRejectionDoesNotExtendWindow(t *testing.T) {
	l := New(time.Second)
	clock, now := fixedClock(time.Unix(1000, 0))
	l.now = now

	key := Key{Actor: "user-1", Kind: registry.ActionSendGas}
	assert.True(t, l.Allow(key))

	// Hammering the gate during the window must not push the window out.
	for i := 0; i < 5; i++ {
		*clock = clock.Add(100 * time.Millisecond)
		assert.False(t, l.Allow(key))
	}

	*clock = clock.Add(500 * time.Millisecond)
	assert.True(t, l.Allow(key))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(time.Second)
	_, now := fixedClock(time.Unix(1000, 0))
	l.now = now

	withdraw := Key{Actor: "user-1", Kind: registry.ActionWithdraw}
	gas := Key{Actor: "user-1", Kind: registry.ActionSendGas}
	other := Key{Actor: "user-2", Kind: registry.ActionWithdraw}

	assert.True(t, l.Allow(withdraw))
	assert.True(t, l.Allow(gas), "kinds carry separate budgets")
	assert.True(t, l.Allow(other), "actors carry separate budgets")
	assert.False(t, l.Allow(withdraw))
}

func TestInterval(t *testing.T) {
	assert.Equal(t, 5*time.Second, New(5*time.Second).Interval())
}
