// Package ingest is the worker pool between the UDP listeners and the batch
// persister. Submission never blocks: when the queue is full the newest packet
// is dropped and counted, because stalling a socket reader loses more than one
// packet ever could.
package ingest

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/moonfleet/moonfleet/cache"
	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

const (
	DefaultQueueSize = 10_000
	DefaultWorkers   = 16

	// Remembered command ids per server; the DB unique constraint backstops
	// anything that ages out.
	dedupWindow = 1024
)

// Item is one unit of work: a decoded packet tagged with its origin.
type Item struct {
	ServerID   moonbot.ServerID
	UserID     moonbot.UserID
	Packet     *wire.Packet
	ReceivedAt time.Time
}

// Persister is the slice of the batch persister the handlers enqueue into.
type Persister interface {
	EnqueueSQLLog(userID moonbot.UserID, log moonbot.SQLLog)
	EnqueueOrderMutation(userID moonbot.UserID, serverID moonbot.ServerID, mut moonbot.OrderMutation)
	EnqueueBalance(userID moonbot.UserID, b moonbot.Balance)
	EnqueueStrategies(userID moonbot.UserID, strategies []moonbot.Strategy)
	EnqueueChart(userID moonbot.UserID, c moonbot.Chart)
	EnqueueAPIError(userID moonbot.UserID, e moonbot.APIError)
}

// Pool fans work items out to a fixed set of workers over a bounded queue.
type Pool struct {
	queue     chan Item
	workers   int
	persister Persister
	cache     *cache.Typed
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// handle is swappable so tests can wedge a worker.
	handle func(context.Context, Item)

	dedupMu sync.Mutex
	dedup   map[moonbot.ServerID]*cmdWindow

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queue = make(chan Item, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithCache enables read-cache refreshes from the balance and strategy
// handlers.
func WithCache(c *cache.Typed) Option {
	return func(p *Pool) {
		p.cache = c
	}
}

func New(persister Persister, m *metrics.Metrics, opts ...Option) *Pool {
	p := &Pool{
		queue:     make(chan Item, DefaultQueueSize),
		workers:   DefaultWorkers,
		persister: persister,
		metrics:   m,
		logger:    slog.Default(),
		dedup:     make(map[moonbot.ServerID]*cmdWindow),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithGroup("ingest")
	p.handle = p.process
	p.metrics.SetQueueState(0, cap(p.queue), p.workers)
	return p
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx)
	}
}

// Close stops the workers after the queue drains.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.queue)
		p.wg.Wait()
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// Submit implements the listener sink. A full queue drops the newest item and
// returns ErrOverload; the caller's read loop must never block here.
func (p *Pool) Submit(serverID moonbot.ServerID, userID moonbot.UserID, pkt *wire.Packet, receivedAt time.Time) error {
	item := Item{ServerID: serverID, UserID: userID, Packet: pkt, ReceivedAt: receivedAt}
	select {
	case p.queue <- item:
		p.metrics.SetQueueState(len(p.queue), cap(p.queue), p.workers)
		return nil
	default:
		p.metrics.MessageDropped()
		return moonbot.ErrOverload
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for item := range p.queue {
		p.safeHandle(ctx, item)
		p.metrics.SetQueueState(len(p.queue), cap(p.queue), p.workers)
	}
}

// safeHandle isolates a panicking handler to its work item.
func (p *Pool) safeHandle(ctx context.Context, item Item) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.metrics.ProcessingError()
			p.logger.Error("handler panic recovered",
				slog.Int64("server_id", int64(item.ServerID)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		p.metrics.ObserveProcessing(time.Since(start))
	}()
	p.handle(ctx, item)
}

// admitCommand reports whether this command id is new for the server within
// the in-memory window.
func (p *Pool) admitCommand(serverID moonbot.ServerID, commandID int64) bool {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	w, ok := p.dedup[serverID]
	if !ok {
		w = newCmdWindow(dedupWindow)
		p.dedup[serverID] = w
	}
	return w.admit(commandID)
}

// ForgetServer clears the dedup window, e.g. after a server is deleted.
func (p *Pool) ForgetServer(serverID moonbot.ServerID) {
	p.dedupMu.Lock()
	delete(p.dedup, serverID)
	p.dedupMu.Unlock()
}

// cmdWindow is a fixed-size recent-command-id set.
type cmdWindow struct {
	seen map[int64]struct{}
	ring []int64
	pos  int
	full bool
}

func newCmdWindow(size int) *cmdWindow {
	return &cmdWindow{
		seen: make(map[int64]struct{}, size),
		ring: make([]int64, size),
	}
}

func (w *cmdWindow) admit(id int64) bool {
	if _, dup := w.seen[id]; dup {
		return false
	}
	if w.full {
		delete(w.seen, w.ring[w.pos])
	}
	w.ring[w.pos] = id
	w.seen[id] = struct{}{}
	w.pos++
	if w.pos == len(w.ring) {
		w.pos = 0
		w.full = true
	}
	return true
}
