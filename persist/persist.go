// Package persist batches telemetry writes into single multi-row statements.
// Rows buffer per table and flush on size, age or shutdown; WebSocket digests
// go out only after their rows are durable.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/storage"
)

const (
	DefaultBatchMax      = 500
	DefaultFlushInterval = 100 * time.Millisecond

	// One retry with backoff, then the batch dead-letters.
	maxFlushRetries = 1
)

// Store is the slice of the storage layer the persister writes through.
type Store interface {
	InsertSQLLogBatch(ctx context.Context, logs []moonbot.SQLLog) (int64, error)
	UpsertOrderBatch(ctx context.Context, rows []storage.OrderRow) error
	UpsertBalanceBatch(ctx context.Context, balances []moonbot.Balance) error
	UpsertStrategyBatch(ctx context.Context, strategies []moonbot.Strategy) error
	InsertChartBatch(ctx context.Context, charts []moonbot.Chart) error
	InsertAPIErrorBatch(ctx context.Context, errs []moonbot.APIError) error
	InsertDeadLetter(ctx context.Context, targetTable, payload, reason string) error
}

// Notifier pushes digests to connected users. The fan-out manager implements
// it; a nil-safe no-op is used in tests.
type Notifier interface {
	Publish(userID moonbot.UserID, n moonbot.Notification)
}

type orderKey struct {
	serverID moonbot.ServerID
	orderID  int64
}

type pendingOrder struct {
	mutation moonbot.OrderMutation
	userID   moonbot.UserID
}

type pendingNotification struct {
	userID moonbot.UserID
	note   moonbot.Notification
}

// batch is one flush unit: the table rows plus the notifications released on
// success. progress counts the sections already written durably, so a retry
// after a mid-batch failure never replays them; charts and api errors have no
// conflict key and would duplicate on a replay.
type batch struct {
	sqlLogs    []moonbot.SQLLog
	orders     []storage.OrderRow
	balances   []moonbot.Balance
	strategies []moonbot.Strategy
	charts     []moonbot.Chart
	apiErrors  []moonbot.APIError
	notes      []pendingNotification

	progress int
}

func (b *batch) empty() bool {
	return len(b.sqlLogs) == 0 && len(b.orders) == 0 && len(b.balances) == 0 &&
		len(b.strategies) == 0 && len(b.charts) == 0 && len(b.apiErrors) == 0
}

func (b *batch) size() int {
	return len(b.sqlLogs) + len(b.orders) + len(b.balances) +
		len(b.strategies) + len(b.charts) + len(b.apiErrors)
}

// Persister owns the buffers and the flush loop.
type Persister struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	batchMax      int
	flushInterval time.Duration

	mu         sync.Mutex
	sqlLogs    []moonbot.SQLLog
	orders     map[orderKey][]pendingOrder
	orderCount int
	balances   []moonbot.Balance
	strategies []moonbot.Strategy
	charts     []moonbot.Chart
	apiErrors  []moonbot.APIError
	notes      []pendingNotification
	oldest     time.Time

	kick  chan struct{}
	retry workqueue.TypedRateLimitingInterface[*batch]

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type Option func(*Persister)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Persister) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithBatchMax(n int) Option {
	return func(p *Persister) {
		if n > 0 {
			p.batchMax = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.flushInterval = d
		}
	}
}

func New(store Store, notifier Notifier, m *metrics.Metrics, opts ...Option) *Persister {
	p := &Persister{
		store:         store,
		notifier:      notifier,
		metrics:       m,
		logger:        slog.Default(),
		batchMax:      DefaultBatchMax,
		flushInterval: DefaultFlushInterval,
		orders:        make(map[orderKey][]pendingOrder),
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithGroup("persist")

	rl := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[*batch](100*time.Millisecond, 5*time.Second),
	)
	p.retry = workqueue.NewTypedRateLimitingQueueWithConfig(rl,
		workqueue.TypedRateLimitingQueueConfig[*batch]{Name: "flush-retry"})
	return p
}

// Start launches the flush loop and the retry worker.
func (p *Persister) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(2)
	go p.runFlusher(runCtx)
	go p.runRetry(runCtx)
}

// Close flushes everything still buffered and drains the retry queue.
func (p *Persister) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		// Final flush is synchronous: there is no later retry pass, so a
		// failure dead-letters immediately.
		if b := p.swap(); !b.empty() {
			if werr := p.writeBatch(ctx, b); werr != nil {
				p.metrics.FlushFailed()
				p.deadLetter(ctx, b, werr)
			} else {
				p.finish(b)
			}
		}
		p.retry.ShutDownWithDrain()
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// EnqueueSQLLog buffers one replication row and its digest.
func (p *Persister) EnqueueSQLLog(userID moonbot.UserID, log moonbot.SQLLog) {
	p.enqueue(func() {
		p.sqlLogs = append(p.sqlLogs, log)
		p.notes = append(p.notes, pendingNotification{
			userID: userID,
			note: moonbot.Notification{
				Kind:     moonbot.NotifySQLLog,
				ServerID: log.ServerID,
				Payload:  map[string]any{"command_id": log.CommandID, "sql": log.SQLText},
			},
		})
	})
}

// EnqueueOrderMutation buffers one parsed order statement. Mutations for the
// same order coalesce in command-id order at flush time.
func (p *Persister) EnqueueOrderMutation(userID moonbot.UserID, serverID moonbot.ServerID, mut moonbot.OrderMutation) {
	p.enqueue(func() {
		key := orderKey{serverID: serverID, orderID: mut.OrderID}
		p.orders[key] = append(p.orders[key], pendingOrder{mutation: mut, userID: userID})
		p.orderCount++
		p.notes = append(p.notes, pendingNotification{
			userID: userID,
			note: moonbot.Notification{
				Kind:     moonbot.NotifyOrderUpdate,
				ServerID: serverID,
				Payload:  map[string]any{"order_id": mut.OrderID, "kind": mut.Kind.String()},
			},
		})
	})
}

func (p *Persister) EnqueueBalance(userID moonbot.UserID, b moonbot.Balance) {
	p.enqueue(func() {
		p.balances = append(p.balances, b)
		p.notes = append(p.notes, pendingNotification{
			userID: userID,
			note:   moonbot.Notification{Kind: moonbot.NotifyBalanceUpdate, ServerID: b.ServerID, Payload: b},
		})
	})
}

func (p *Persister) EnqueueStrategies(userID moonbot.UserID, strategies []moonbot.Strategy) {
	if len(strategies) == 0 {
		return
	}
	p.enqueue(func() {
		p.strategies = append(p.strategies, strategies...)
	})
}

func (p *Persister) EnqueueChart(userID moonbot.UserID, c moonbot.Chart) {
	p.enqueue(func() {
		p.charts = append(p.charts, c)
		p.notes = append(p.notes, pendingNotification{
			userID: userID,
			note:   moonbot.Notification{Kind: moonbot.NotifyChartUpdate, ServerID: c.ServerID, Payload: map[string]any{"symbol": c.Symbol}},
		})
	})
}

func (p *Persister) EnqueueAPIError(userID moonbot.UserID, e moonbot.APIError) {
	p.enqueue(func() {
		p.apiErrors = append(p.apiErrors, e)
		p.notes = append(p.notes, pendingNotification{
			userID: userID,
			note:   moonbot.Notification{Kind: moonbot.NotifyAPIError, ServerID: e.ServerID, Payload: map[string]any{"message": e.Message}},
		})
	})
}

func (p *Persister) enqueue(add func()) {
	p.mu.Lock()
	if p.buffered() == 0 {
		p.oldest = time.Now()
	}
	add()
	full := p.buffered() >= p.batchMax
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// buffered is the total pending row count. Caller holds p.mu.
func (p *Persister) buffered() int {
	return len(p.sqlLogs) + p.orderCount + len(p.balances) +
		len(p.strategies) + len(p.charts) + len(p.apiErrors)
}

func (p *Persister) runFlusher(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.flushNow(ctx)
		case <-ticker.C:
			p.mu.Lock()
			due := p.buffered() > 0 && time.Since(p.oldest) >= p.flushInterval
			p.mu.Unlock()
			if due {
				p.flushNow(ctx)
			}
		}
	}
}

// flushNow swaps the buffers out and writes one batch.
func (p *Persister) flushNow(ctx context.Context) {
	b := p.swap()
	if b.empty() {
		return
	}
	if err := p.writeBatch(ctx, b); err != nil {
		p.metrics.FlushFailed()
		p.logger.Warn("flush failed, scheduling retry", slog.Any("err", err), slog.Int("rows", b.size()))
		p.retry.AddRateLimited(b)
		return
	}
	p.finish(b)
}

func (p *Persister) swap() *batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := &batch{
		sqlLogs:    p.sqlLogs,
		orders:     coalesceOrders(p.orders),
		balances:   p.balances,
		strategies: p.strategies,
		charts:     p.charts,
		apiErrors:  p.apiErrors,
		notes:      p.notes,
	}
	p.sqlLogs = nil
	p.orders = make(map[orderKey][]pendingOrder)
	p.orderCount = 0
	p.balances = nil
	p.strategies = nil
	p.charts = nil
	p.apiErrors = nil
	p.notes = nil
	return b
}

// coalesceOrders sorts each order's mutations by command id and folds runs of
// the same kind: later UPDATEs win over earlier ones, duplicate INSERTs are
// no-ops. Cross-kind boundaries stay separate rows; the storage upsert applies
// them sequentially with the same merge rules the database uses.
func coalesceOrders(pending map[orderKey][]pendingOrder) []storage.OrderRow {
	if len(pending) == 0 {
		return nil
	}

	keys := make([]orderKey, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].serverID != keys[j].serverID {
			return keys[i].serverID < keys[j].serverID
		}
		return keys[i].orderID < keys[j].orderID
	})

	var rows []storage.OrderRow
	for _, key := range keys {
		muts := pending[key]
		sort.SliceStable(muts, func(i, j int) bool {
			return muts[i].mutation.CommandID < muts[j].mutation.CommandID
		})

		for _, pm := range muts {
			m := pm.mutation
			if n := len(rows); n > 0 {
				last := &rows[n-1]
				if last.ServerID == key.serverID && last.OrderID == key.orderID &&
					last.FromUpdate == (m.Kind == moonbot.MutationUpdate) {
					if m.Kind == moonbot.MutationUpdate {
						last.Fields.Overlay(m.Fields)
					}
					continue
				}
			}
			rows = append(rows, storage.OrderRow{
				ServerID:   key.serverID,
				OrderID:    key.orderID,
				FromUpdate: m.Kind == moonbot.MutationUpdate,
				Fields:     m.Fields,
			})
		}
	}
	return rows
}

func (p *Persister) writeBatch(ctx context.Context, b *batch) error {
	sections := []struct {
		name  string
		write func() error
	}{
		{"sql logs", func() error { _, err := p.store.InsertSQLLogBatch(ctx, b.sqlLogs); return err }},
		{"orders", func() error { return p.store.UpsertOrderBatch(ctx, b.orders) }},
		{"balances", func() error { return p.store.UpsertBalanceBatch(ctx, b.balances) }},
		{"strategies", func() error { return p.store.UpsertStrategyBatch(ctx, b.strategies) }},
		{"charts", func() error { return p.store.InsertChartBatch(ctx, b.charts) }},
		{"api errors", func() error { return p.store.InsertAPIErrorBatch(ctx, b.apiErrors) }},
	}
	for i := b.progress; i < len(sections); i++ {
		if err := sections[i].write(); err != nil {
			return fmt.Errorf("%s: %w", sections[i].name, err)
		}
		b.progress = i + 1
	}
	return nil
}

// finish releases the batch's notifications. Digests go out strictly after
// the rows are durable so clients can always re-fetch what they were told
// about.
func (p *Persister) finish(b *batch) {
	p.metrics.FlushOK()
	if p.notifier == nil {
		return
	}
	for _, n := range b.notes {
		p.notifier.Publish(n.userID, n.note)
	}
}

func (p *Persister) runRetry(ctx context.Context) {
	defer p.wg.Done()
	for {
		b, shutdown := p.retry.Get()
		if shutdown {
			return
		}
		p.processRetry(ctx, b)
	}
}

func (p *Persister) processRetry(ctx context.Context, b *batch) {
	defer p.retry.Done(b)

	err := p.writeBatch(ctx, b)
	if err == nil {
		p.retry.Forget(b)
		p.finish(b)
		return
	}

	// Re-adds after shutdown are discarded by the queue, so during drain a
	// failed batch goes straight to the dead-letter log.
	if p.retry.NumRequeues(b) < maxFlushRetries && !p.retry.ShuttingDown() {
		p.retry.AddRateLimited(b)
		return
	}
	p.retry.Forget(b)
	p.deadLetter(ctx, b, err)
}

// deadLetter records every undurable row of a batch that exhausted its
// retries. Sections written before the failure are skipped; nothing else is
// dropped without a trace.
func (p *Persister) deadLetter(ctx context.Context, b *batch, cause error) {
	reason := cause.Error()
	write := func(section int, table string, rows any, n int) {
		if section < b.progress || n == 0 {
			return
		}
		payload, err := json.Marshal(rows)
		if err != nil {
			payload = []byte(fmt.Sprintf("%+v", rows))
		}
		if err := p.store.InsertDeadLetter(ctx, table, string(payload), reason); err != nil {
			p.logger.Error("dead-letter write failed", slog.String("table", table), slog.Any("err", err))
			return
		}
		p.metrics.DeadLettered(n)
	}

	write(0, "sql_command_log", b.sqlLogs, len(b.sqlLogs))
	write(1, "moonbot_orders", b.orders, len(b.orders))
	write(2, "server_balance", b.balances, len(b.balances))
	write(3, "strategy_cache", b.strategies, len(b.strategies))
	write(4, "moonbot_charts", b.charts, len(b.charts))
	write(5, "moonbot_api_errors", b.apiErrors, len(b.apiErrors))

	p.logger.Error("batch dead-lettered after retry",
		slog.Int("rows", b.size()), slog.String("reason", reason))
}
