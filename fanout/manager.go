// Package fanout pushes telemetry digests to users over WebSocket. Messages
// batch per user on a short interval, compress past a size threshold and are
// rate limited per user; a user with no connections costs nothing.
package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
)

const (
	DefaultBatchMax        = 50
	DefaultBatchInterval   = 100 * time.Millisecond
	DefaultCompressionMin  = 1024
	DefaultMaxConnsPerUser = 10
	DefaultMaxMsgsPerSec   = 100

	// Leading byte of a compressed binary frame.
	compressedFrameMarker = 0x01
)

// batchEnvelope wraps multiple digests into one frame.
type batchEnvelope struct {
	Type     string                `json:"type"`
	Messages []moonbot.Notification `json:"messages"`
	Count    int                   `json:"count"`
}

type conn struct {
	id        uuid.UUID
	ws        *websocket.Conn
	createdAt time.Time
	writeMu   sync.Mutex
}

func (c *conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

type userState struct {
	conns  map[uuid.UUID]*conn
	buffer []moonbot.Notification

	// Timestamps of recent sends for the sliding 1 s rate window.
	window []time.Time
}

// Manager is the fan-out hub. Publish is safe from any goroutine; worker
// threads call it directly.
type Manager struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	batchMax        int
	batchInterval   time.Duration
	compressionMin  int
	maxConnsPerUser int
	maxMsgsPerSec   int

	mu    sync.RWMutex
	users map[moonbot.UserID]*userState

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithBatchMax(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchMax = n
		}
	}
}

func WithBatchInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.batchInterval = d
		}
	}
}

func WithCompressionMin(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.compressionMin = n
		}
	}
}

func WithMaxConnsPerUser(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConnsPerUser = n
		}
	}
}

func WithMaxMsgsPerSec(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxMsgsPerSec = n
		}
	}
}

func NewManager(mx *metrics.Metrics, opts ...Option) *Manager {
	m := &Manager{
		metrics:         mx,
		logger:          slog.Default(),
		batchMax:        DefaultBatchMax,
		batchInterval:   DefaultBatchInterval,
		compressionMin:  DefaultCompressionMin,
		maxConnsPerUser: DefaultMaxConnsPerUser,
		maxMsgsPerSec:   DefaultMaxMsgsPerSec,
		users:           make(map[moonbot.UserID]*userState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithGroup("fanout")
	return m
}

// Start launches the batch flusher.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(1)
	go m.runFlusher(runCtx)
}

// Close flushes and drops every connection.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		var flights []flight
		var conns []*conn
		for userID, state := range m.users {
			if f, ok := m.takeLocked(userID, state); ok {
				flights = append(flights, f)
			}
			for _, c := range state.conns {
				conns = append(conns, c)
			}
		}
		m.users = make(map[moonbot.UserID]*userState)
		m.mu.Unlock()

		for _, f := range flights {
			m.deliver(f)
		}
		for _, c := range conns {
			c.ws.Close()
		}
	})
}

// Register attaches a connection and returns its id. Over the per-user limit
// the oldest connection is closed with a policy-violation code.
func (m *Manager) Register(userID moonbot.UserID, ws *websocket.Conn) uuid.UUID {
	c := &conn{id: uuid.New(), ws: ws, createdAt: time.Now()}

	m.mu.Lock()
	state, ok := m.users[userID]
	if !ok {
		state = &userState{conns: make(map[uuid.UUID]*conn)}
		m.users[userID] = state
	}

	var evict *conn
	if len(state.conns) >= m.maxConnsPerUser {
		for _, existing := range state.conns {
			if evict == nil || existing.createdAt.Before(evict.createdAt) {
				evict = existing
			}
		}
		delete(state.conns, evict.id)
	}
	state.conns[c.id] = c
	m.mu.Unlock()

	if evict != nil {
		m.logger.Info("connection limit reached, closing oldest",
			slog.Int64("user_id", int64(userID)))
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit reached")
		_ = evict.write(websocket.CloseMessage, msg)
		evict.ws.Close()
	}

	// Reader goroutine: the server never expects client frames, but reading
	// is what surfaces disconnects.
	go m.readUntilClosed(userID, c)
	return c.id
}

// Unregister drops one connection.
func (m *Manager) Unregister(userID moonbot.UserID, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(userID, connID)
}

func (m *Manager) dropLocked(userID moonbot.UserID, connID uuid.UUID) {
	state, ok := m.users[userID]
	if !ok {
		return
	}
	if c, ok := state.conns[connID]; ok {
		c.ws.Close()
		delete(state.conns, connID)
	}
	if len(state.conns) == 0 && len(state.buffer) == 0 {
		delete(m.users, userID)
	}
}

// Connections reports the user's live connection count.
func (m *Manager) Connections(userID moonbot.UserID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.users[userID]; ok {
		return len(state.conns)
	}
	return 0
}

// Publish enqueues one digest for the user. Implements the persister's
// Notifier. Users without connections short-circuit before any allocation;
// over-limit messages are dropped and counted, never queued.
func (m *Manager) Publish(userID moonbot.UserID, n moonbot.Notification) {
	m.mu.Lock()
	state, ok := m.users[userID]
	if !ok || len(state.conns) == 0 {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	if !m.admitLocked(state, now) {
		m.mu.Unlock()
		m.metrics.WSRateLimited()
		return
	}

	if n.SentAt.IsZero() {
		n.SentAt = now
	}
	state.buffer = append(state.buffer, n)

	var f flight
	var full bool
	if len(state.buffer) >= m.batchMax {
		f, full = m.takeLocked(userID, state)
	}
	m.mu.Unlock()

	if full {
		m.deliver(f)
	}
}

// admitLocked applies the sliding 1 s window. Caller holds m.mu.
func (m *Manager) admitLocked(state *userState, now time.Time) bool {
	cutoff := now.Add(-time.Second)
	keep := state.window[:0]
	for _, ts := range state.window {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	state.window = keep

	if len(state.window) >= m.maxMsgsPerSec {
		return false
	}
	state.window = append(state.window, now)
	return true
}

func (m *Manager) runFlusher(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			flights := make([]flight, 0, len(m.users))
			for userID, state := range m.users {
				if f, ok := m.takeLocked(userID, state); ok {
					flights = append(flights, f)
				}
			}
			m.mu.Unlock()

			for _, f := range flights {
				m.deliver(f)
			}
		}
	}
}

// flight is one detached buffer on its way out: the digests plus a snapshot
// of the connections they go to.
type flight struct {
	userID moonbot.UserID
	notes  []moonbot.Notification
	conns  []*conn
}

// takeLocked detaches the user's buffer and snapshots the connections.
// Caller holds m.mu.
func (m *Manager) takeLocked(userID moonbot.UserID, state *userState) (flight, bool) {
	if len(state.buffer) == 0 {
		return flight{}, false
	}
	f := flight{userID: userID, notes: state.buffer, conns: make([]*conn, 0, len(state.conns))}
	for _, c := range state.conns {
		f.conns = append(f.conns, c)
	}
	state.buffer = nil
	return f, true
}

// deliver serializes one flight and writes it out with no manager lock held,
// so a stalled peer blocks only its own frames, never Publish or the flusher.
func (m *Manager) deliver(f flight) {
	var (
		payload []byte
		err     error
	)
	if len(f.notes) == 1 {
		payload, err = json.Marshal(f.notes[0])
	} else {
		payload, err = json.Marshal(batchEnvelope{
			Type:     "batch",
			Messages: f.notes,
			Count:    len(f.notes),
		})
	}
	if err != nil {
		m.logger.Error("digest marshal failed", slog.Any("err", err))
		return
	}

	messageType := websocket.TextMessage
	frame := payload
	if len(payload) >= m.compressionMin {
		if compressed, cerr := compressFrame(payload); cerr == nil {
			messageType = websocket.BinaryMessage
			frame = compressed
		} else {
			m.logger.Warn("frame compression failed, sending text", slog.Any("err", cerr))
		}
	}

	var dead []uuid.UUID
	for _, c := range f.conns {
		if werr := c.write(messageType, frame); werr != nil {
			dead = append(dead, c.id)
			continue
		}
		m.metrics.WSMessageSent(len(payload), len(frame))
	}
	if len(dead) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range dead {
		m.logger.Debug("dropping dead connection", slog.Int64("user_id", int64(f.userID)))
		m.dropLocked(f.userID, id)
	}
	m.mu.Unlock()
}

func compressFrame(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(compressedFrameMarker)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manager) readUntilClosed(userID moonbot.UserID, c *conn) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			m.Unregister(userID, c.id)
			return
		}
	}
}
