package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
)

// Store is the slice of the storage layer the registry needs. Listener state
// is mirrored into udp_listener_status on every lifecycle change and probe
// sweep so it survives a restart and can be inspected offline.
type Store interface {
	UserIDForServer(ctx context.Context, id moonbot.ServerID) (moonbot.UserID, error)
	UpsertListenerStatus(ctx context.Context, serverID moonbot.ServerID, running bool, bindPort int, received int64, lastActivity time.Time, lastError string) error
}

// Registry tracks the running listeners and owns the shared sockets.
type Registry struct {
	mode    Mode
	sink    Sink
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	opts    []Option

	mu        sync.RWMutex
	listeners map[moonbot.ServerID]*Listener
	sockets   map[int]*SharedSocket

	userMu    sync.RWMutex
	userCache map[moonbot.ServerID]moonbot.UserID
	userFill  singleflight.Group
}

type RegistryOption func(*Registry)

func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithListenerOptions forwards options to every listener the registry builds.
func WithListenerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.opts = opts
	}
}

func NewRegistry(mode Mode, sink Sink, store Store, m *metrics.Metrics, opts ...RegistryOption) *Registry {
	r := &Registry{
		mode:      mode,
		sink:      sink,
		store:     store,
		metrics:   m,
		logger:    slog.Default(),
		listeners: make(map[moonbot.ServerID]*Listener),
		sockets:   make(map[int]*SharedSocket),
		userCache: make(map[moonbot.ServerID]moonbot.UserID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithGroup("registry")
	return r
}

// Start brings up a listener for server. Returns false when one is already
// running; a second Start is not an error.
func (r *Registry) Start(ctx context.Context, server moonbot.Server) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.listeners[server.ID]; ok && existing.State() != StateStopped {
		return false, nil
	}

	userID, err := r.userID(ctx, server.ID)
	if err != nil {
		return false, fmt.Errorf("resolve user for server %d: %w", server.ID, err)
	}

	var shared *SharedSocket
	if r.mode == ModeServer {
		shared, err = r.socketLocked(server.Port)
		if err != nil {
			return false, err
		}
	}

	l := New(server, userID, r.mode, r.sink, r.metrics, shared, append([]Option{WithLogger(r.logger)}, r.opts...)...)
	if err := l.Start(ctx); err != nil {
		return false, err
	}
	r.listeners[server.ID] = l
	r.mirrorStatus(ctx, server.ID, l)
	return true, nil
}

// Stop tears down the server's listener. Returns false when none was running.
func (r *Registry) Stop(serverID moonbot.ServerID) bool {
	r.mu.Lock()
	l, ok := r.listeners[serverID]
	if ok {
		delete(r.listeners, serverID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	l.Stop()
	r.mirrorStatus(context.Background(), serverID, l)
	r.releaseSocket(l)
	return true
}

// Update applies a changed server row. A changed (host, port) pair means a
// different peer, so the listener is torn down and recreated with fresh
// counters; anything else restarts in place only if needed.
func (r *Registry) Update(ctx context.Context, server moonbot.Server) error {
	r.mu.RLock()
	l, running := r.listeners[server.ID]
	r.mu.RUnlock()

	r.InvalidateUser(server.ID)

	if !running {
		return nil
	}

	old := l.Server()
	if old.Host == server.Host && old.Port == server.Port && old.Password == server.Password {
		return nil
	}

	r.Stop(server.ID)
	if !server.IsActive {
		return nil
	}
	_, err := r.Start(ctx, server)
	return err
}

// Get returns the running listener for serverID, if any.
func (r *Registry) Get(serverID moonbot.ServerID) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[serverID]
	return l, ok
}

// Running reports the number of live listeners.
func (r *Registry) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Statuses snapshots every live listener for the load endpoint.
func (r *Registry) Statuses() map[moonbot.ServerID]Status {
	r.mu.RLock()
	listeners := make(map[moonbot.ServerID]*Listener, len(r.listeners))
	for id, l := range r.listeners {
		listeners[id] = l
	}
	r.mu.RUnlock()

	out := make(map[moonbot.ServerID]Status, len(listeners))
	for id, l := range listeners {
		out[id] = l.Status()
	}
	return out
}

// StopAll tears everything down, used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	listeners := make(map[moonbot.ServerID]*Listener, len(r.listeners))
	for id, l := range r.listeners {
		listeners[id] = l
		delete(r.listeners, id)
	}
	sockets := r.sockets
	r.sockets = make(map[int]*SharedSocket)
	r.mu.Unlock()

	for id, l := range listeners {
		l.Stop()
		r.mirrorStatus(context.Background(), id, l)
	}
	for _, s := range sockets {
		s.Close()
	}
}

// MirrorStatuses writes every live listener's runtime state through to
// udp_listener_status. The status prober calls this once per sweep.
func (r *Registry) MirrorStatuses(ctx context.Context) {
	r.mu.RLock()
	listeners := make(map[moonbot.ServerID]*Listener, len(r.listeners))
	for id, l := range r.listeners {
		listeners[id] = l
	}
	r.mu.RUnlock()

	for id, l := range listeners {
		r.mirrorStatus(ctx, id, l)
	}
}

func (r *Registry) mirrorStatus(ctx context.Context, id moonbot.ServerID, l *Listener) {
	st := l.Status()
	running := st.State == StateRunning
	if err := r.store.UpsertListenerStatus(ctx, id, running, st.BindPort, st.MessagesReceived, st.LastActivity, st.LastError); err != nil {
		r.logger.Debug("listener status mirror failed",
			slog.Int64("server_id", int64(id)), slog.Any("err", err))
	}
}

// UserID resolves the owning user for a server, caching indefinitely until
// invalidated by a CRUD update.
func (r *Registry) UserID(ctx context.Context, serverID moonbot.ServerID) (moonbot.UserID, error) {
	return r.userID(ctx, serverID)
}

func (r *Registry) userID(ctx context.Context, serverID moonbot.ServerID) (moonbot.UserID, error) {
	r.userMu.RLock()
	id, ok := r.userCache[serverID]
	r.userMu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.userFill.Do(strconv.FormatInt(int64(serverID), 10), func() (any, error) {
		id, err := r.store.UserIDForServer(ctx, serverID)
		if err != nil {
			return moonbot.UserID(0), err
		}
		r.userMu.Lock()
		r.userCache[serverID] = id
		r.userMu.Unlock()
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(moonbot.UserID), nil
}

// InvalidateUser drops the cached owner mapping after server CRUD.
func (r *Registry) InvalidateUser(serverID moonbot.ServerID) {
	r.userMu.Lock()
	delete(r.userCache, serverID)
	r.userMu.Unlock()
}

// socketLocked returns (creating on demand) the shared socket for port.
// Caller holds r.mu.
func (r *Registry) socketLocked(port int) (*SharedSocket, error) {
	if s, ok := r.sockets[port]; ok {
		return s, nil
	}
	s, err := NewSharedSocket(port, r.metrics, r.logger)
	if err != nil {
		return nil, err
	}
	r.sockets[port] = s
	return s, nil
}

// releaseSocket closes a shared socket once its last listener is gone.
func (r *Registry) releaseSocket(l *Listener) {
	if l.shared == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.shared.Peers() == 0 {
		for port, s := range r.sockets {
			if s == l.shared {
				delete(r.sockets, port)
				break
			}
		}
		l.shared.Close()
	}
}
