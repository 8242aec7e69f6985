package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/moonfleet/moonfleet/cache"
	"github.com/moonfleet/moonfleet/cmd/moonfleet/internal/config"
	"github.com/moonfleet/moonfleet/dispatch"
	"github.com/moonfleet/moonfleet/fanout"
	"github.com/moonfleet/moonfleet/ingest"
	"github.com/moonfleet/moonfleet/internal/api"
	"github.com/moonfleet/moonfleet/listener"
	mflog "github.com/moonfleet/moonfleet/log"
	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/persist"
	"github.com/moonfleet/moonfleet/pkg/sqllogger"
	"github.com/moonfleet/moonfleet/statusprobe"
	"github.com/moonfleet/moonfleet/storage"
)

// App owns every long-lived component of the control plane and their
// start/stop ordering.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Store      *storage.Storage
	Cache      *cache.Typed
	Metrics    *metrics.Metrics
	Fanout     *fanout.Manager
	Persister  *persist.Persister
	Pool       *ingest.Pool
	Registry   *listener.Registry
	Dispatcher *dispatch.Dispatcher
	Prober     *statusprobe.Prober

	Server    *http.Server
	BoundAddr string

	logSink *sqllogger.Handler
	redis   *cache.Redis

	serverErrCh  chan error
	workerCtx    context.Context
	stopWorkers  context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp builds the component graph without starting any of it.
func NewApp(ctx context.Context, cfg config.AppConfig) (*App, error) {
	a := &App{
		Config:      cfg,
		serverErrCh: make(chan error, 1),
	}

	store, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.Store = store

	// Console plus the app_log sink see the same record stream. The sink
	// must never feed back into itself, so it gets raw params, not slog.
	sink, err := sqllogger.NewHandler(store.InsertLogEntry)
	if err != nil {
		a.closePartial()
		return nil, fmt.Errorf("log sink: %w", err)
	}
	a.logSink = sink

	console := mflog.NewGroupFilterHandler(config.GetLogHandler(cfg), cfg.LogGroups)
	a.Logger = slog.New(mflog.NewMultiHandler(console, sink))
	slog.SetDefault(a.Logger)

	var backend cache.Cache
	if cfg.RedisURL != "" {
		redis, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.closePartial()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = redis
		backend = redis
		a.Logger.Info("cache backend", slog.String("kind", "redis"))
	} else {
		backend = cache.NewMemory()
		a.Logger.Info("cache backend", slog.String("kind", "memory"))
	}
	a.Metrics = metrics.New()

	a.Cache = cache.NewTyped(backend,
		cache.WithBalanceTTL(cfg.CacheBalanceTTL),
		cache.WithStrategiesTTL(cfg.CacheStrategiesTTL),
		cache.WithObserver(a.Metrics),
	)

	a.Fanout = fanout.NewManager(a.Metrics,
		fanout.WithLogger(a.Logger),
		fanout.WithBatchMax(cfg.WSBatchMaxSize),
		fanout.WithBatchInterval(cfg.WSBatchInterval),
		fanout.WithCompressionMin(cfg.WSCompressionMinSize),
		fanout.WithMaxConnsPerUser(cfg.WSMaxConnsPerUser),
		fanout.WithMaxMsgsPerSec(cfg.WSMaxMsgsPerSec),
	)

	a.Persister = persist.New(store, a.Fanout, a.Metrics,
		persist.WithLogger(a.Logger),
		persist.WithBatchMax(cfg.BatchMaxSize),
		persist.WithFlushInterval(cfg.BatchFlushInterval),
	)

	a.Pool = ingest.New(a.Persister, a.Metrics,
		ingest.WithLogger(a.Logger),
		ingest.WithWorkers(cfg.Workers),
		ingest.WithQueueSize(cfg.QueueSize),
		ingest.WithCache(a.Cache),
	)

	a.Registry = listener.NewRegistry(listener.Mode(cfg.Mode), a.Pool, store, a.Metrics,
		listener.WithRegistryLogger(a.Logger),
		listener.WithListenerOptions(
			listener.WithMaxCommandBytes(cfg.UDPMaxCommandBytes),
			listener.WithKeepaliveIdle(cfg.KeepaliveIdle),
		),
	)

	a.Dispatcher = dispatch.New(a.Registry, store,
		dispatch.WithLogger(a.Logger),
		dispatch.WithMaxCommandBytes(cfg.UDPMaxCommandBytes),
	)

	a.Prober = statusprobe.New(a.Dispatcher, store,
		statusprobe.WithLogger(a.Logger),
		statusprobe.WithInterval(cfg.ProbeInterval),
		statusprobe.WithCache(a.Cache),
		statusprobe.WithNotifier(a.Fanout),
		statusprobe.WithListenerMirror(a.Registry),
	)

	apiOpts := []api.Option{api.WithLogger(a.Logger)}
	if cfg.WSJWTSecret != "" {
		ws := fanout.NewHandler(a.Fanout, []byte(cfg.WSJWTSecret), a.Logger)
		apiOpts = append(apiOpts, api.WithWebSocket(ws))
	} else {
		a.Logger.Warn("ws-jwt-secret unset, /ws endpoint disabled")
	}
	apiServer := api.NewServer(store, a.Registry, a.Dispatcher, a.Metrics, apiOpts...)

	a.Server = &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Start brings the workers up back to front (sinks before sources), resumes
// the listeners persisted as active, then opens the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	a.workerCtx, a.stopWorkers = context.WithCancel(context.WithoutCancel(ctx))

	a.Fanout.Start(a.workerCtx)
	a.Persister.Start(a.workerCtx)
	a.Pool.Start(a.workerCtx)
	a.Prober.Start(a.workerCtx)

	if err := a.resumeListeners(ctx); err != nil {
		return err
	}
	return a.startHTTPServer()
}

// resumeListeners restarts the UDP listener of every server still marked
// active. Individual failures are logged, not fatal; the API can retry.
func (a *App) resumeListeners(ctx context.Context) error {
	servers, err := a.Store.ListActiveServers(ctx)
	if err != nil {
		return fmt.Errorf("list active servers: %w", err)
	}
	resumed := 0
	for _, srv := range servers {
		if _, err := a.Registry.Start(a.workerCtx, srv); err != nil {
			a.Logger.Error("resume listener",
				slog.Int64("server_id", int64(srv.ID)),
				slog.Any("err", err))
			continue
		}
		resumed++
	}
	a.Logger.Info("listeners resumed",
		slog.Int("resumed", resumed),
		slog.Int("total", len(servers)))
	return nil
}

// startHTTPServer listens first so the bound address is known even when the
// configured port is :0, then serves in the background.
func (a *App) startHTTPServer() error {
	ln, err := net.Listen("tcp", a.Config.HTTPListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Config.HTTPListen, err)
	}
	a.BoundAddr = ln.Addr().String()
	a.Logger.Info("http server listening", slog.String("addr", a.BoundAddr))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case a.serverErrCh <- err:
			default:
			}
		}
	}()
	return nil
}

// Wait blocks until the context is cancelled or the HTTP server fails.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-a.serverErrCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops the app front to back: no new HTTP work, then sources
// before sinks so queued telemetry drains into sqlite before it closes.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	a.shutdownOnce.Do(func() {
		if err := a.Server.Shutdown(ctx); err != nil {
			firstErr = err
		}
		a.Registry.StopAll()
		a.Prober.Close()
		a.Pool.Close()
		if err := a.Persister.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		a.Fanout.Close()
		if a.stopWorkers != nil {
			a.stopWorkers()
		}
		a.wg.Wait()

		if err := a.logSink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}

// closePartial releases what NewApp built before it failed.
func (a *App) closePartial() {
	if a.logSink != nil {
		_ = a.logSink.Close(context.Background())
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}
