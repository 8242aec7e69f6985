// Package listener owns the UDP conversation with one bot endpoint: socket
// lifecycle, sequence dedup, request/response correlation and hand-off of
// telemetry into the ingest pool.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

// Mode selects how listeners acquire sockets.
type Mode string

const (
	// ModeServer multiplexes all bots on shared sockets, one per bind port.
	ModeServer Mode = "server"
	// ModeLocal gives every listener its own connected socket.
	ModeLocal Mode = "local"
)

// State is the listener lifecycle position.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Sink receives decoded packets for asynchronous processing. The ingest pool
// implements it.
type Sink interface {
	Submit(serverID moonbot.ServerID, userID moonbot.UserID, pkt *wire.Packet, receivedAt time.Time) error
}

const (
	defaultKeepaliveIdle   = 30 * time.Second
	defaultInboxSize       = 256
	seqWindowSize          = 512
	defaultMaxCommandBytes = wire.DefaultMaxCommandBytes
)

// Listener drives the UDP session with one bot.
type Listener struct {
	server  moonbot.Server
	userID  moonbot.UserID
	mode    Mode
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    Sink

	maxCommandBytes int
	keepaliveIdle   time.Duration

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	// Local mode: a connected socket. Server mode: the shared socket plus the
	// inbox the read loop delivers into.
	conn   *net.UDPConn
	shared *SharedSocket
	peer   *net.UDPAddr
	inbox  chan datagram

	seq *seqWindow

	// Single correlation slot. sendMu serializes SendAndWait/SendAndCollect;
	// replyMu guards arming and disarming.
	sendMu  sync.Mutex
	replyMu sync.Mutex
	reply   chan *wire.Packet

	received     atomic.Int64
	lastActivity atomic.Int64
	lastSent     atomic.Int64

	errMu     sync.Mutex
	lastError string
}

type Option func(*Listener)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMaxCommandBytes(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxCommandBytes = n
		}
	}
}

func WithKeepaliveIdle(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.keepaliveIdle = d
		}
	}
}

// New builds a stopped listener. In server mode shared must be the socket for
// the server's bind port; in local mode it is ignored.
func New(server moonbot.Server, userID moonbot.UserID, mode Mode, sink Sink, m *metrics.Metrics, shared *SharedSocket, opts ...Option) *Listener {
	l := &Listener{
		server:          server,
		userID:          userID,
		mode:            mode,
		logger:          slog.Default(),
		metrics:         m,
		sink:            sink,
		shared:          shared,
		maxCommandBytes: defaultMaxCommandBytes,
		keepaliveIdle:   defaultKeepaliveIdle,
		seq:             newSeqWindow(seqWindowSize),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithGroup("listener").With(
		slog.Int64("server_id", int64(server.ID)),
		slog.String("peer", server.PeerAddr()),
	)
	return l
}

func (l *Listener) Server() moonbot.Server { return l.server }
func (l *Listener) UserID() moonbot.UserID { return l.userID }

func (l *Listener) State() State {
	return State(l.state.Load())
}

// Status is the runtime snapshot mirrored into udp_listener_status.
type Status struct {
	State            State
	BindPort         int
	MessagesReceived int64
	LastActivity     time.Time
	LastError        string
}

func (l *Listener) Status() Status {
	st := Status{
		State:            l.State(),
		BindPort:         l.bindPort(),
		MessagesReceived: l.received.Load(),
	}
	if ms := l.lastActivity.Load(); ms != 0 {
		st.LastActivity = time.UnixMilli(ms).UTC()
	}
	l.errMu.Lock()
	st.LastError = l.lastError
	l.errMu.Unlock()
	return st
}

func (l *Listener) bindPort() int {
	if l.mode == ModeServer {
		return l.server.Port
	}
	if l.conn != nil {
		if addr, ok := l.conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.Port
		}
	}
	return 0
}

// Start transitions Stopped → Starting → Running. Starting an already running
// listener is a lifecycle conflict.
func (l *Listener) Start(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("%w: listener is %s", moonbot.ErrLifecycleConflict, l.State())
	}

	peer, err := net.ResolveUDPAddr("udp", l.server.PeerAddr())
	if err != nil {
		l.state.Store(int32(StateStopped))
		return fmt.Errorf("resolve peer: %w", err)
	}
	l.peer = peer

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})

	switch l.mode {
	case ModeServer:
		l.inbox = make(chan datagram, defaultInboxSize)
		// The demux key must match the source address of inbound datagrams,
		// so register the resolved numeric form, never the config string.
		if err := l.shared.Register(peer.String(), l.inbox); err != nil {
			cancel()
			l.state.Store(int32(StateStopped))
			return err
		}
		go l.runShared(runCtx)
		if l.server.KeepaliveEnabled {
			// Keep-alive needs a dedicated socket; on a shared one it would
			// race other listeners' traffic. Degrade instead of failing.
			l.logger.Warn("keepalive unavailable in shared-socket mode, continuing without it")
			l.metrics.KeepaliveSkipped()
		}
	case ModeLocal:
		conn, err := net.DialUDP("udp", nil, peer)
		if err != nil {
			cancel()
			l.state.Store(int32(StateStopped))
			return fmt.Errorf("%w: dial %s: %v", moonbot.ErrPeerUnreachable, l.server.PeerAddr(), err)
		}
		l.conn = conn
		go l.runLocal(runCtx)
		if l.server.KeepaliveEnabled {
			go l.runKeepalive(runCtx)
		}
	default:
		cancel()
		l.state.Store(int32(StateStopped))
		return fmt.Errorf("unknown listener mode %q", l.mode)
	}

	l.state.Store(int32(StateRunning))
	l.metrics.ListenerStarted()
	l.logger.Info("listener started", slog.String("mode", string(l.mode)))
	return nil
}

// Stop transitions Running → Stopping → Stopped and blocks until the read
// loop has exited. Stopping a stopped listener is a no-op.
func (l *Listener) Stop() {
	if !l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}

	l.cancel()
	if l.mode == ModeServer {
		l.shared.Unregister(l.peer.String())
	}
	if l.conn != nil {
		l.conn.Close()
	}
	<-l.done

	l.state.Store(int32(StateStopped))
	l.metrics.ListenerStopped()
	l.logger.Info("listener stopped")
}

func (l *Listener) runShared(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-l.inbox:
			l.handleDatagram(d.data)
		}
	}
}

func (l *Listener) runLocal(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, wire.MaxDatagramBytes)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.setLastError(err.Error())
			l.logger.Debug("udp read failed", slog.Any("err", err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.handleDatagram(data)
	}
}

func (l *Listener) runKeepalive(ctx context.Context) {
	ticker := time.NewTicker(l.keepaliveIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idleSince := maxInt64(l.lastActivity.Load(), l.lastSent.Load())
			if time.Since(time.UnixMilli(idleSince)) < l.keepaliveIdle {
				continue
			}
			if err := l.Send("ping"); err != nil {
				l.logger.Debug("keepalive ping failed", slog.Any("err", err))
			}
		}
	}
}

// handleDatagram is the receive path: decode, seq dedup, correlation, then
// the ingest pool. Runs on the listener's own goroutine; it must never parse
// beyond the envelope.
func (l *Listener) handleDatagram(data []byte) {
	now := time.Now()
	l.received.Add(1)
	l.lastActivity.Store(now.UnixMilli())
	l.metrics.PacketReceived()

	// Bots cannot sign gzip envelopes; only plain text frames carry the HMAC
	// prefix. An unverifiable frame from an authenticated peer is dropped.
	if l.server.Password != "" && !wire.IsCompressed(data) {
		cmd, err := wire.VerifyFrame(string(data), l.server.Password)
		if err != nil {
			l.metrics.AuthFailure()
			l.logger.Debug("unauthenticated frame dropped", slog.Any("err", err))
			return
		}
		data = []byte(cmd)
	}

	pkt, err := wire.Decode(data)
	if err != nil {
		l.setLastError(err.Error())
		l.metrics.ProcessingError()
		l.logger.Debug("undecodable datagram dropped", slog.Any("err", err), slog.Int("bytes", len(data)))
		return
	}

	if pkt.HasSeq && !l.seq.admit(pkt.Seq) {
		l.logger.Debug("duplicate seq dropped", slog.Int64("seq", pkt.Seq))
		return
	}

	if l.deliverReply(pkt) {
		return
	}

	if err := l.sink.Submit(l.server.ID, l.userID, pkt, now); err != nil {
		if errors.Is(err, moonbot.ErrOverload) {
			l.logger.Debug("ingest queue full, packet dropped")
			return
		}
		l.setLastError(err.Error())
		l.logger.Warn("ingest submit failed", slog.Any("err", err))
	}
}

// deliverReply hands the packet to a waiting SendAndWait caller, if any.
func (l *Listener) deliverReply(pkt *wire.Packet) bool {
	l.replyMu.Lock()
	ch := l.reply
	l.replyMu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- pkt:
		return true
	default:
		return false
	}
}

func (l *Listener) armReply(size int) (chan *wire.Packet, error) {
	l.replyMu.Lock()
	defer l.replyMu.Unlock()
	if l.reply != nil {
		return nil, errors.New("listener: correlation slot busy")
	}
	ch := make(chan *wire.Packet, size)
	l.reply = ch
	return ch, nil
}

func (l *Listener) disarmReply() {
	l.replyMu.Lock()
	l.reply = nil
	l.replyMu.Unlock()
}

// Send writes one signed command, fire and forget.
func (l *Listener) Send(cmd string) error {
	frame, err := wire.BuildFrame(cmd, l.server.Password, l.maxCommandBytes)
	if err != nil {
		return err
	}
	return l.write([]byte(frame))
}

func (l *Listener) write(data []byte) error {
	if l.State() != StateRunning {
		return fmt.Errorf("%w: listener is %s", moonbot.ErrLifecycleConflict, l.State())
	}
	l.lastSent.Store(time.Now().UnixMilli())

	var err error
	if l.mode == ModeServer {
		err = l.shared.WriteTo(l.peer, data)
	} else {
		_, err = l.conn.Write(data)
	}
	if err != nil {
		l.setLastError(err.Error())
		return fmt.Errorf("%w: %v", moonbot.ErrPeerUnreachable, err)
	}
	return nil
}

// SendAndWait writes one command and blocks for the first reply. Requests are
// serialized per listener; the protocol has no request ids, so only one can
// be in flight.
func (l *Listener) SendAndWait(ctx context.Context, cmd string, timeout time.Duration) (*wire.Packet, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	ch, err := l.armReply(1)
	if err != nil {
		return nil, err
	}
	defer l.disarmReply()

	if err := l.Send(cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		return pkt, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no reply within %s", moonbot.ErrPeerUnreachable, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendAndCollect writes one command and concatenates reply texts until the
// peer goes quiet for interPacket or the overall deadline passes. Used for
// multi-datagram responses like strategy dumps.
func (l *Listener) SendAndCollect(ctx context.Context, cmd string, overall, interPacket time.Duration) (string, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	ch, err := l.armReply(64)
	if err != nil {
		return "", err
	}
	defer l.disarmReply()

	if err := l.Send(cmd); err != nil {
		return "", err
	}

	deadline := time.NewTimer(overall)
	defer deadline.Stop()
	quiet := time.NewTimer(interPacket)
	defer quiet.Stop()

	var parts []string
	for {
		select {
		case pkt := <-ch:
			parts = append(parts, pkt.PreferredText())
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(interPacket)
		case <-quiet.C:
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), nil
			}
			quiet.Reset(interPacket)
		case <-deadline.C:
			if len(parts) == 0 {
				return "", fmt.Errorf("%w: no reply within %s", moonbot.ErrPeerUnreachable, overall)
			}
			return strings.Join(parts, "\n"), nil
		case <-ctx.Done():
			return strings.Join(parts, "\n"), ctx.Err()
		}
	}
}

func (l *Listener) setLastError(msg string) {
	l.errMu.Lock()
	l.lastError = msg
	l.errMu.Unlock()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// seqWindow remembers the last N sequence numbers to drop UDP duplicates.
type seqWindow struct {
	mu   sync.Mutex
	seen map[int64]struct{}
	ring []int64
	pos  int
	full bool
}

func newSeqWindow(size int) *seqWindow {
	return &seqWindow{
		seen: make(map[int64]struct{}, size),
		ring: make([]int64, size),
	}
}

// admit reports whether seq is new, recording it.
func (w *seqWindow) admit(seq int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, dup := w.seen[seq]; dup {
		return false
	}
	if w.full {
		delete(w.seen, w.ring[w.pos])
	}
	w.ring[w.pos] = seq
	w.seen[seq] = struct{}{}
	w.pos++
	if w.pos == len(w.ring) {
		w.pos = 0
		w.full = true
	}
	return true
}
