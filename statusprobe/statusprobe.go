// Package statusprobe tracks bot health. Active servers are pinged through
// the dispatcher on a fixed interval; failures back off through a rate-limited
// retry queue before waiting for the next sweep.
package statusprobe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"

	"github.com/moonfleet/moonfleet/cache"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second

	probeWorkers    = 2
	maxProbeRetries = 3
)

// Sender is the slice of the dispatcher the prober needs.
type Sender interface {
	Send(ctx context.Context, server moonbot.Server, cmd string, timeout time.Duration) (*wire.Packet, error)
}

// Store provides the server inventory and receives health rows.
type Store interface {
	GetServer(ctx context.Context, id moonbot.ServerID) (moonbot.Server, error)
	ListActiveServers(ctx context.Context) ([]moonbot.Server, error)
	UpsertServerStatus(ctx context.Context, st moonbot.ServerStatus) error
}

// Notifier pushes status digests to the owning user's connections.
type Notifier interface {
	Publish(userID moonbot.UserID, n moonbot.Notification)
}

// ListenerMirror persists listener runtime state. The registry implements it;
// mirroring rides along on the probe sweep so the rows stay fresh without a
// dedicated ticker.
type ListenerMirror interface {
	MirrorStatuses(ctx context.Context)
}

// health is the in-memory probe record for one server. Uptime is the success
// ratio over the process lifetime.
type health struct {
	total    int64
	ok       int64
	failures int
}

// Prober drives the probe loop.
type Prober struct {
	sender   Sender
	store    Store
	cache    *cache.Typed
	notifier Notifier
	mirror   ListenerMirror
	logger   *slog.Logger

	interval time.Duration
	timeout  time.Duration

	queue workqueue.TypedRateLimitingInterface[moonbot.ServerID]

	mu     sync.Mutex
	health map[moonbot.ServerID]*health

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Option func(*Prober)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithCache(c *cache.Typed) Option {
	return func(p *Prober) { p.cache = c }
}

func WithNotifier(n Notifier) Option {
	return func(p *Prober) { p.notifier = n }
}

func WithListenerMirror(m ListenerMirror) Option {
	return func(p *Prober) { p.mirror = m }
}

func New(sender Sender, store Store, opts ...Option) *Prober {
	p := &Prober{
		sender:   sender,
		store:    store,
		logger:   slog.Default(),
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		health:   make(map[moonbot.ServerID]*health),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithGroup("statusprobe")

	rl := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[moonbot.ServerID](time.Second, 30*time.Second),
	)
	cfg := workqueue.TypedRateLimitingQueueConfig[moonbot.ServerID]{Name: "statusprobe"}
	p.queue = workqueue.NewTypedRateLimitingQueueWithConfig(rl, cfg)
	return p
}

// Start launches the sweep scheduler and the probe workers.
func (p *Prober) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(1)
	go p.runScheduler(runCtx)

	for i := 0; i < probeWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx)
	}
}

// Close stops probing and waits for in-flight probes.
func (p *Prober) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.queue.ShutDown()
	p.wg.Wait()
}

// Sweep queues every active server for an immediate probe.
func (p *Prober) Sweep(ctx context.Context) {
	servers, err := p.store.ListActiveServers(ctx)
	if err != nil {
		p.logger.Error("server sweep failed", slog.Any("err", err))
		return
	}
	for _, srv := range servers {
		p.queue.Add(srv.ID)
	}
	if p.mirror != nil {
		p.mirror.MirrorStatuses(ctx)
	}
}

func (p *Prober) runScheduler(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

func (p *Prober) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		id, shutdown := p.queue.Get()
		if shutdown {
			return
		}
		p.processProbe(ctx, id)
	}
}

func (p *Prober) processProbe(ctx context.Context, id moonbot.ServerID) {
	defer p.queue.Done(id)

	if err := p.probe(ctx, id); err != nil {
		if p.queue.NumRequeues(id) < maxProbeRetries {
			p.queue.AddRateLimited(id)
			return
		}
		// Exhausted; the next sweep picks the server up again.
		p.queue.Forget(id)
		return
	}
	p.queue.Forget(id)
}

// probe pings one server and records the outcome. The returned error drives
// the retry queue only; persistence happens either way.
func (p *Prober) probe(ctx context.Context, id moonbot.ServerID) error {
	server, err := p.store.GetServer(ctx, id)
	if err != nil {
		p.logger.Debug("probe target vanished", slog.Int64("server_id", int64(id)), slog.Any("err", err))
		return nil
	}

	start := time.Now()
	_, sendErr := p.sender.Send(ctx, server, "ping", p.timeout)
	elapsed := time.Since(start)

	st := p.observe(id, elapsed, sendErr)
	if err := p.store.UpsertServerStatus(ctx, st); err != nil {
		p.logger.Error("status persist failed", slog.Int64("server_id", int64(id)), slog.Any("err", err))
	}
	if p.cache != nil {
		if err := p.cache.SetStatus(ctx, st); err != nil {
			p.logger.Debug("status cache refresh failed", slog.Any("err", err))
		}
	}
	if p.notifier != nil {
		p.notifier.Publish(server.UserID, moonbot.Notification{
			Kind:     moonbot.NotifyServerStatus,
			ServerID: id,
			Payload:  st,
		})
	}

	if sendErr != nil {
		p.logger.Debug("probe failed",
			slog.Int64("server_id", int64(id)),
			slog.Int("consecutive_failures", st.ConsecutiveFailures),
			slog.Any("err", sendErr))
	}
	return sendErr
}

// observe folds one probe result into the server's health record.
func (p *Prober) observe(id moonbot.ServerID, elapsed time.Duration, sendErr error) moonbot.ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.health[id]
	if !ok {
		h = &health{}
		p.health[id] = h
	}

	h.total++
	st := moonbot.ServerStatus{
		ServerID:     id,
		LastPing:     time.Now().UTC(),
		ResponseTime: elapsed,
	}
	if sendErr == nil {
		h.ok++
		h.failures = 0
		st.IsOnline = true
	} else {
		h.failures++
		st.LastError = sendErr.Error()
	}
	st.ConsecutiveFailures = h.failures
	st.UptimePercentage = float64(h.ok) / float64(h.total) * 100
	return st
}

// Status returns the current in-memory health record, primarily for tests and
// the HTTP surface.
func (p *Prober) Status(id moonbot.ServerID) (ok int64, total int64, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, found := p.health[id]; found {
		return h.ok, h.total, h.failures
	}
	return 0, 0, 0
}
