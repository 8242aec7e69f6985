package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfleet/moonfleet/moonbot"
)

func TestMemoryGetSetDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Second))

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	now = now.Add(11 * time.Second)
	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestMemoryIncrExpire(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		n, err := m.Incr(ctx, "counter")
		require.NoError(t, err)
		require.Equal(t, i, n)
	}

	require.NoError(t, m.Expire(ctx, "counter", time.Second))
	now = now.Add(2 * time.Second)

	// Expired counter restarts from 1.
	n, err := m.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }
	m.lastSweep = now

	require.NoError(t, m.Set(ctx, "short", "v", time.Second))
	require.NoError(t, m.Set(ctx, "long", "v", time.Hour))

	now = now.Add(61 * time.Second)
	require.NoError(t, m.Set(ctx, "trigger", "v", time.Hour))

	m.mu.Lock()
	_, shortAlive := m.entries["short"]
	_, longAlive := m.entries["long"]
	m.mu.Unlock()
	require.False(t, shortAlive)
	require.True(t, longAlive)
}

func TestMemoryEvictOldest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i <= memoryMaxKeys; i++ {
		now = now.Add(time.Microsecond)
		require.NoError(t, m.Set(ctx, "k"+itoa(i), "v", 0))
	}

	m.mu.Lock()
	n := len(m.entries)
	_, oldestAlive := m.entries["k0"]
	m.mu.Unlock()
	require.LessOrEqual(t, n, memoryMaxKeys)
	require.False(t, oldestAlive)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func TestTypedBalanceRoundTrip(t *testing.T) {
	typed := NewTyped(NewMemory())
	ctx := context.Background()

	_, err := typed.GetBalance(ctx, 5)
	require.ErrorIs(t, err, ErrMiss)

	b := moonbot.Balance{ServerID: 5, BotName: "alpha", Available: 12.5, Total: 100, IsRunning: true}
	require.NoError(t, typed.SetBalance(ctx, b))

	got, err := typed.GetBalance(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, b.BotName, got.BotName)
	require.Equal(t, b.Available, got.Available)
	require.True(t, got.IsRunning)

	typed.Invalidate(ctx, 5)
	_, err = typed.GetBalance(ctx, 5)
	require.ErrorIs(t, err, ErrMiss)
}

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) CacheHit()  { o.hits++ }
func (o *countingObserver) CacheMiss() { o.misses++ }

func TestTypedObserverCounts(t *testing.T) {
	obs := &countingObserver{}
	typed := NewTyped(NewMemory(), WithObserver(obs))
	ctx := context.Background()

	_, err := typed.GetBalance(ctx, 9)
	require.ErrorIs(t, err, ErrMiss)
	require.Equal(t, 1, obs.misses)

	require.NoError(t, typed.SetBalance(ctx, moonbot.Balance{ServerID: 9}))
	_, err = typed.GetBalance(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, 1, obs.hits)
}

func TestTypedAllow(t *testing.T) {
	typed := NewTyped(NewMemory())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, typed.Allow(ctx, "u1", 3, time.Second))
	}
	require.False(t, typed.Allow(ctx, "u1", 3, time.Second))

	// Separate keys do not share windows.
	require.True(t, typed.Allow(ctx, "u2", 3, time.Second))
}
