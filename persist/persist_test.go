package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/storage"
)

type fakeStore struct {
	mu            sync.Mutex
	failures      int
	chartFailures int
	sqlLogs       []moonbot.SQLLog
	orders        [][]storage.OrderRow
	balances      []moonbot.Balance
	charts        []moonbot.Chart
	deadLetters   []string
}

func (f *fakeStore) maybeFail() error {
	if f.failures > 0 {
		f.failures--
		return errors.New("database locked")
	}
	return nil
}

func (f *fakeStore) InsertSQLLogBatch(_ context.Context, logs []moonbot.SQLLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(logs) == 0 {
		return 0, nil
	}
	if err := f.maybeFail(); err != nil {
		return 0, err
	}
	f.sqlLogs = append(f.sqlLogs, logs...)
	return int64(len(logs)), nil
}

func (f *fakeStore) UpsertOrderBatch(_ context.Context, rows []storage.OrderRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.orders = append(f.orders, rows)
	return nil
}

func (f *fakeStore) UpsertBalanceBatch(_ context.Context, balances []moonbot.Balance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(balances) == 0 {
		return nil
	}
	if err := f.maybeFail(); err != nil {
		return err
	}
	f.balances = append(f.balances, balances...)
	return nil
}

func (f *fakeStore) UpsertStrategyBatch(context.Context, []moonbot.Strategy) error { return nil }

func (f *fakeStore) InsertChartBatch(_ context.Context, charts []moonbot.Chart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(charts) == 0 {
		return nil
	}
	if f.chartFailures > 0 {
		f.chartFailures--
		return errors.New("database locked")
	}
	f.charts = append(f.charts, charts...)
	return nil
}

func (f *fakeStore) InsertAPIErrorBatch(context.Context, []moonbot.APIError) error { return nil }

func (f *fakeStore) InsertDeadLetter(_ context.Context, table, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, table)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []moonbot.Notification
}

func (f *fakeNotifier) Publish(_ moonbot.UserID, n moonbot.Notification) {
	f.mu.Lock()
	f.notes = append(f.notes, n)
	f.mu.Unlock()
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notes)
}

func ptr[T any](v T) *T { return &v }

func TestFlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	p := New(store, notifier, metrics.New(), WithFlushInterval(20*time.Millisecond))
	p.Start(context.Background())
	defer p.Close(context.Background())

	p.EnqueueSQLLog(10, moonbot.SQLLog{ServerID: 1, CommandID: 42, SQLText: "INSERT ...", ReceivedAt: time.Now(), Processed: true})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.sqlLogs) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// Digest follows the durable write.
	require.Eventually(t, func() bool { return notifier.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, moonbot.NotifySQLLog, notifier.notes[0].Kind)
}

func TestFlushOnBatchMax(t *testing.T) {
	store := &fakeStore{}
	p := New(store, nil, metrics.New(), WithBatchMax(5), WithFlushInterval(time.Hour))
	p.Start(context.Background())
	defer p.Close(context.Background())

	for i := 0; i < 5; i++ {
		p.EnqueueBalance(10, moonbot.Balance{ServerID: moonbot.ServerID(i + 1), Available: float64(i), UpdatedAt: time.Now()})
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.balances) == 5
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCloseFlushesRemainder(t *testing.T) {
	store := &fakeStore{}
	p := New(store, nil, metrics.New(), WithFlushInterval(time.Hour))
	p.Start(context.Background())

	p.EnqueueBalance(10, moonbot.Balance{ServerID: 1, Available: 5, UpdatedAt: time.Now()})
	require.NoError(t, p.Close(context.Background()))

	require.Len(t, store.balances, 1)
}

func TestRetryThenDeadLetter(t *testing.T) {
	store := &fakeStore{failures: 2} // initial flush and its retry both fail
	p := New(store, nil, metrics.New(), WithFlushInterval(10*time.Millisecond))
	p.Start(context.Background())
	defer p.Close(context.Background())

	p.EnqueueBalance(10, moonbot.Balance{ServerID: 1, Available: 5, UpdatedAt: time.Now()})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deadLetters) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "server_balance", store.deadLetters[0])
	require.Empty(t, store.balances)
}

func TestRetryRecovers(t *testing.T) {
	store := &fakeStore{failures: 1}
	notifier := &fakeNotifier{}
	p := New(store, notifier, metrics.New(), WithFlushInterval(10*time.Millisecond))
	p.Start(context.Background())
	defer p.Close(context.Background())

	p.EnqueueBalance(10, moonbot.Balance{ServerID: 1, Available: 5, UpdatedAt: time.Now()})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.balances) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return notifier.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestRetrySkipsCompletedSections(t *testing.T) {
	// Charts have no conflict key, so a retry caused by a later section
	// failing must not replay the ones already written.
	store := &fakeStore{chartFailures: 1}
	p := New(store, nil, metrics.New(), WithFlushInterval(20*time.Millisecond))
	p.Start(context.Background())
	defer p.Close(context.Background())

	p.EnqueueSQLLog(10, moonbot.SQLLog{ServerID: 1, CommandID: 1, SQLText: "INSERT ...", ReceivedAt: time.Now(), Processed: true})
	p.EnqueueChart(10, moonbot.Chart{ServerID: 1, Symbol: "BTCUSDT", ReceivedAt: time.Now()})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.charts) == 1
	}, 5*time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.sqlLogs, 1, "durable sections must not be written twice")
}

func TestCoalesceOrdersFoldsByCommandOrder(t *testing.T) {
	pending := map[orderKey][]pendingOrder{
		{serverID: 1, orderID: 7}: {
			// Out of order on purpose; the flush sorts by command id.
			{mutation: moonbot.OrderMutation{Kind: moonbot.MutationUpdate, CommandID: 12, OrderID: 7,
				Fields: moonbot.OrderFields{SellPrice: ptr(43.0)}}},
			{mutation: moonbot.OrderMutation{Kind: moonbot.MutationInsert, CommandID: 10, OrderID: 7,
				Fields: moonbot.OrderFields{Symbol: ptr("BTCUSDT"), Status: ptr(moonbot.OrderOpen)}}},
			{mutation: moonbot.OrderMutation{Kind: moonbot.MutationUpdate, CommandID: 11, OrderID: 7,
				Fields: moonbot.OrderFields{Status: ptr(moonbot.OrderClosed)}}},
		},
	}

	rows := coalesceOrders(pending)
	require.Len(t, rows, 2)

	require.False(t, rows[0].FromUpdate)
	require.Equal(t, "BTCUSDT", *rows[0].Fields.Symbol)

	// Both updates folded into one row, later command winning per field.
	require.True(t, rows[1].FromUpdate)
	require.Equal(t, moonbot.OrderClosed, *rows[1].Fields.Status)
	require.Equal(t, 43.0, *rows[1].Fields.SellPrice)
}

func TestCoalesceOrdersDropsDuplicateInserts(t *testing.T) {
	pending := map[orderKey][]pendingOrder{
		{serverID: 1, orderID: 5}: {
			{mutation: moonbot.OrderMutation{Kind: moonbot.MutationInsert, CommandID: 1, OrderID: 5,
				Fields: moonbot.OrderFields{BuyPrice: ptr(10.0)}}},
			{mutation: moonbot.OrderMutation{Kind: moonbot.MutationInsert, CommandID: 2, OrderID: 5,
				Fields: moonbot.OrderFields{BuyPrice: ptr(99.0)}}},
		},
	}

	rows := coalesceOrders(pending)
	require.Len(t, rows, 1)
	require.Equal(t, 10.0, *rows[0].Fields.BuyPrice)
}
