package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfleet/moonfleet/cache"
	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

type capturePersister struct {
	mu         sync.Mutex
	sqlLogs    []moonbot.SQLLog
	mutations  []moonbot.OrderMutation
	balances   []moonbot.Balance
	strategies []moonbot.Strategy
	charts     []moonbot.Chart
	apiErrors  []moonbot.APIError
}

func (c *capturePersister) EnqueueSQLLog(_ moonbot.UserID, log moonbot.SQLLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sqlLogs = append(c.sqlLogs, log)
}

func (c *capturePersister) EnqueueOrderMutation(_ moonbot.UserID, _ moonbot.ServerID, mut moonbot.OrderMutation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = append(c.mutations, mut)
}

func (c *capturePersister) EnqueueBalance(_ moonbot.UserID, b moonbot.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = append(c.balances, b)
}

func (c *capturePersister) EnqueueStrategies(_ moonbot.UserID, s []moonbot.Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies = append(c.strategies, s...)
}

func (c *capturePersister) EnqueueChart(_ moonbot.UserID, ch moonbot.Chart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.charts = append(c.charts, ch)
}

func (c *capturePersister) EnqueueAPIError(_ moonbot.UserID, e moonbot.APIError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiErrors = append(c.apiErrors, e)
}

func decode(t *testing.T, payload any) *wire.Packet {
	t.Helper()
	data, err := wire.Encode(payload)
	require.NoError(t, err)
	pkt, err := wire.Decode(data)
	require.NoError(t, err)
	return pkt
}

func processOne(t *testing.T, p *Pool, pkt *wire.Packet) {
	t.Helper()
	p.safeHandle(context.Background(), Item{ServerID: 1, UserID: 10, Packet: pkt, ReceivedAt: time.Now()})
}

func TestPoolOverflowDropsNewest(t *testing.T) {
	persister := &capturePersister{}
	m := metrics.New()
	p := New(persister, m, WithQueueSize(4), WithWorkers(1))

	// Wedge the single worker on its first item so the queue backs up.
	var (
		started sync.Once
		wedged  = make(chan struct{})
		release = make(chan struct{})
		handled atomic.Int64
	)
	p.handle = func(_ context.Context, _ Item) {
		handled.Add(1)
		started.Do(func() { close(wedged) })
		<-release
	}

	p.Start(context.Background())

	pkt := decode(t, map[string]any{"cmd": "chart"})
	require.NoError(t, p.Submit(1, 10, pkt, time.Now()))
	<-wedged

	// Worker busy, queue capacity 4: the next 5 submissions overflow by one.
	var dropped int
	for i := 0; i < 5; i++ {
		if err := p.Submit(1, 10, pkt, time.Now()); err != nil {
			require.ErrorIs(t, err, moonbot.ErrOverload)
			dropped++
		}
	}
	require.Equal(t, 1, dropped)
	require.Equal(t, int64(1), m.Snapshot().MessagesDropped)

	close(release)
	p.Close()
	require.Equal(t, int64(5), handled.Load())
}

func TestSQLHandlerProducesRowsAndMutations(t *testing.T) {
	persister := &capturePersister{}
	p := New(persister, metrics.New())

	pkt := decode(t, map[string]any{
		"cmd": "sql",
		"sql": "[SQLCommand 42] INSERT INTO Orders (ID,Symbol,Status) VALUES (7,'BTCUSDT','Open')",
	})
	processOne(t, p, pkt)
	// Duplicate datagram, same command id.
	processOne(t, p, pkt)

	require.Len(t, persister.sqlLogs, 1)
	require.Equal(t, int64(42), persister.sqlLogs[0].CommandID)

	require.Len(t, persister.mutations, 1)
	mut := persister.mutations[0]
	require.Equal(t, moonbot.MutationInsert, mut.Kind)
	require.Equal(t, int64(7), mut.OrderID)
	require.Equal(t, "BTCUSDT", *mut.Fields.Symbol)
}

func TestSQLHandlerDispatchesWithoutCmdField(t *testing.T) {
	persister := &capturePersister{}
	p := New(persister, metrics.New())

	pkt := decode(t, map[string]any{
		"data": "[SQLCommand 9] UPDATE Orders SET Status='Closed' WHERE ID=3",
	})
	processOne(t, p, pkt)

	require.Len(t, persister.mutations, 1)
	require.Equal(t, moonbot.MutationUpdate, persister.mutations[0].Kind)
}

func TestSQLHandlerMalformedGoesToErrorFeed(t *testing.T) {
	persister := &capturePersister{}
	p := New(persister, metrics.New())

	pkt := decode(t, map[string]any{
		"cmd": "sql",
		"sql": "[SQLCommand 5] INSERT INTO Orders (ID,Symbol VALUES (1",
	})
	processOne(t, p, pkt)

	// The statement is still logged, but yields an error instead of a mutation.
	require.Len(t, persister.sqlLogs, 1)
	require.Empty(t, persister.mutations)
	require.Len(t, persister.apiErrors, 1)
}

func TestBalanceHandler(t *testing.T) {
	persister := &capturePersister{}
	typed := cache.NewTyped(cache.NewMemory())
	p := New(persister, metrics.New(), WithCache(typed))

	pkt := decode(t, map[string]any{
		"cmd":  "balance",
		"data": map[string]any{"avail": 100.0, "total": 150.0, "bot": "B1", "run": true, "ver": 756},
	})
	processOne(t, p, pkt)

	require.Len(t, persister.balances, 1)
	b := persister.balances[0]
	require.Equal(t, 100.0, b.Available)
	require.Equal(t, 150.0, b.Total)
	require.Equal(t, "B1", b.BotName)
	require.True(t, b.IsRunning)
	require.Equal(t, int64(756), b.Version)

	cached, err := typed.GetBalance(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 100.0, cached.Available)
}

func TestStrategiesHandler(t *testing.T) {
	persister := &capturePersister{}
	p := New(persister, metrics.New())

	pkt := decode(t, map[string]any{
		"cmd": "strategies",
		"data": []map[string]any{
			{"name": "scalper", "active": true},
			{"name": "grid"},
			{"noname": true},
		},
	})
	processOne(t, p, pkt)

	require.Len(t, persister.strategies, 2)
	require.Equal(t, "scalper", persister.strategies[0].Name)
}

func TestChartAndAPIErrorHandlers(t *testing.T) {
	persister := &capturePersister{}
	p := New(persister, metrics.New())

	processOne(t, p, decode(t, map[string]any{
		"cmd":  "chart",
		"data": map[string]any{"symbol": "BTCUSDT", "candles": []int{1, 2, 3}},
	}))
	require.Len(t, persister.charts, 1)
	require.Equal(t, "BTCUSDT", persister.charts[0].Symbol)

	processOne(t, p, decode(t, map[string]any{
		"cmd":     "apierror",
		"message": "binance: rate limit exceeded",
	}))
	require.Len(t, persister.apiErrors, 1)
	require.Equal(t, "binance: rate limit exceeded", persister.apiErrors[0].Message)
}

func TestIncompleteDatagramCountedAndSkipped(t *testing.T) {
	persister := &capturePersister{}
	m := metrics.New()
	p := New(persister, m)

	raw, err := wire.Encode(map[string]any{"cmd": "chart", "data": "some fairly long chart payload body"})
	require.NoError(t, err)
	pkt, err := wire.Decode(raw[:len(raw)/2])
	require.NoError(t, err)
	require.True(t, pkt.Incomplete)

	processOne(t, p, pkt)

	require.Equal(t, int64(1), m.Snapshot().IncompletePackets)
	require.Empty(t, persister.charts)
}

func TestUnknownCmdIsCountedOnly(t *testing.T) {
	persister := &capturePersister{}
	p := New(persister, metrics.New())

	processOne(t, p, decode(t, map[string]any{"cmd": "telemetry_v2"}))

	require.Empty(t, persister.sqlLogs)
	require.Empty(t, persister.balances)
}

func TestPanicIsIsolatedToItem(t *testing.T) {
	persister := &capturePersister{}
	m := metrics.New()
	p := New(persister, m, WithWorkers(1), WithQueueSize(16))
	p.handle = func(_ context.Context, item Item) {
		if item.ServerID == 99 {
			panic("boom")
		}
		p.process(context.Background(), item)
	}
	p.Start(context.Background())

	pkt := decode(t, map[string]any{"cmd": "apierror", "message": "x"})
	require.NoError(t, p.Submit(99, 10, pkt, time.Now()))
	require.NoError(t, p.Submit(1, 10, pkt, time.Now()))

	require.Eventually(t, func() bool {
		persister.mu.Lock()
		defer persister.mu.Unlock()
		return len(persister.apiErrors) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), m.Snapshot().ProcessingErrors)

	p.Close()
}

func TestCmdWindowEviction(t *testing.T) {
	w := newCmdWindow(3)
	require.True(t, w.admit(1))
	require.True(t, w.admit(2))
	require.True(t, w.admit(3))
	require.False(t, w.admit(1))
	require.True(t, w.admit(4)) // evicts 1
	require.True(t, w.admit(1))
}
