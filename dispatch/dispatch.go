// Package dispatch routes outbound commands to bots. A server with a running
// listener uses its correlated send path; otherwise a fresh one-shot UDP
// socket carries the exchange. Every dispatch lands in the command history,
// success or not.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moonfleet/moonfleet/listener"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/wire"
)

const (
	MinTimeout     = time.Second
	MaxTimeout     = 60 * time.Second
	DefaultTimeout = 10 * time.Second

	// Inter-packet silence that ends a multi-packet receive.
	DefaultInterPacket = 2 * time.Second

	readBufferBytes = 65535
)

// History is the slice of the storage layer the dispatcher records into.
type History interface {
	InsertCommandHistory(ctx context.Context, h moonbot.CommandHistory) error
}

// Dispatcher is the unified send path used by HTTP handlers and the status
// prober.
type Dispatcher struct {
	registry *listener.Registry
	history  History
	logger   *slog.Logger

	maxCommandBytes int
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMaxCommandBytes(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxCommandBytes = n
		}
	}
}

func New(registry *listener.Registry, history History, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:        registry,
		history:         history,
		logger:          slog.Default(),
		maxCommandBytes: wire.DefaultMaxCommandBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithGroup("dispatch")
	return d
}

// Send transmits cmd and waits for the first reply. A running listener owns
// the exchange; its errors surface directly and never fall through to the
// one-shot path.
func (d *Dispatcher) Send(ctx context.Context, server moonbot.Server, cmd string, timeout time.Duration) (*wire.Packet, error) {
	timeout = clampTimeout(timeout)
	start := time.Now()

	var (
		pkt *wire.Packet
		err error
	)
	if l, ok := d.runningListener(server.ID); ok {
		pkt, err = l.SendAndWait(ctx, cmd, timeout)
	} else {
		pkt, err = d.oneShot(ctx, server, cmd, timeout)
	}

	response := ""
	if pkt != nil {
		response = pkt.PreferredText()
	}
	d.record(ctx, server, cmd, response, time.Since(start), err)
	return pkt, err
}

// SendMulti transmits cmd once and accumulates reply datagrams until
// inter-packet silence or the overall deadline, returning the concatenated
// preferred texts. Used for large SQLSelect, report and list queries.
func (d *Dispatcher) SendMulti(ctx context.Context, server moonbot.Server, cmd string, overall, interPacket time.Duration) (string, error) {
	overall = clampTimeout(overall)
	if interPacket <= 0 {
		interPacket = DefaultInterPacket
	}
	start := time.Now()

	var (
		response string
		err      error
	)
	if l, ok := d.runningListener(server.ID); ok {
		response, err = l.SendAndCollect(ctx, cmd, overall, interPacket)
	} else {
		response, err = d.oneShotCollect(ctx, server, cmd, overall, interPacket)
	}

	d.record(ctx, server, cmd, response, time.Since(start), err)
	return response, err
}

func (d *Dispatcher) runningListener(serverID moonbot.ServerID) (*listener.Listener, bool) {
	if d.registry == nil {
		return nil, false
	}
	l, ok := d.registry.Get(serverID)
	if !ok || l.State() != listener.StateRunning {
		return nil, false
	}
	return l, true
}

// oneShot opens a fresh socket, sends the framed command and waits for one
// datagram.
func (d *Dispatcher) oneShot(ctx context.Context, server moonbot.Server, cmd string, timeout time.Duration) (*wire.Packet, error) {
	conn, err := d.dial(server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := d.transmit(conn, server, cmd); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(readDeadline(ctx, timeout)); err != nil {
		return nil, fmt.Errorf("arm read deadline: %w", err)
	}
	buf := make([]byte, readBufferBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", moonbot.ErrPeerUnreachable, err)
	}

	data := make([]byte, n)
	copy(data, buf[:n])
	return wire.Decode(data)
}

// oneShotCollect mirrors the listener's collect semantics on a throwaway
// socket: every datagram re-arms the inter-packet clock.
func (d *Dispatcher) oneShotCollect(ctx context.Context, server moonbot.Server, cmd string, overall, interPacket time.Duration) (string, error) {
	conn, err := d.dial(server)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := d.transmit(conn, server, cmd); err != nil {
		return "", err
	}

	deadline := readDeadline(ctx, overall)
	buf := make([]byte, readBufferBytes)
	var parts []string
	for {
		next := time.Now().Add(interPacket)
		if next.After(deadline) {
			next = deadline
		}
		if err := conn.SetReadDeadline(next); err != nil {
			return "", fmt.Errorf("arm read deadline: %w", err)
		}

		n, err := conn.Read(buf)
		if err != nil {
			if len(parts) == 0 {
				return "", fmt.Errorf("%w: %v", moonbot.ErrPeerUnreachable, err)
			}
			return strings.Join(parts, "\n"), nil
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		pkt, derr := wire.Decode(data)
		if derr != nil {
			d.logger.Debug("undecodable one-shot reply dropped", slog.Any("err", derr))
			continue
		}
		parts = append(parts, pkt.PreferredText())
	}
}

// dial connects a throwaway socket to the server's peer address. Binding the
// local end to the server's own port keeps strict NATs happy; when that port
// is taken the socket falls back to an ephemeral one.
func (d *Dispatcher) dial(server moonbot.Server) (*net.UDPConn, error) {
	peer, err := net.ResolveUDPAddr("udp", server.PeerAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", moonbot.ErrPeerUnreachable, server.PeerAddr(), err)
	}

	if conn, err := net.DialUDP("udp", &net.UDPAddr{Port: server.Port}, peer); err == nil {
		return conn, nil
	}
	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", moonbot.ErrPeerUnreachable, server.PeerAddr(), err)
	}
	return conn, nil
}

func (d *Dispatcher) transmit(conn *net.UDPConn, server moonbot.Server, cmd string) error {
	frame, err := wire.BuildFrame(cmd, server.Password, d.maxCommandBytes)
	if err != nil {
		return err
	}
	if _, err := conn.Write([]byte(frame)); err != nil {
		return fmt.Errorf("%w: write: %v", moonbot.ErrPeerUnreachable, err)
	}
	return nil
}

// record appends the dispatch outcome to the audit trail. History failures
// are logged, never surfaced over the command result.
func (d *Dispatcher) record(ctx context.Context, server moonbot.Server, cmd, response string, elapsed time.Duration, sendErr error) {
	if d.history == nil {
		return
	}

	status := moonbot.CommandSuccess
	if sendErr != nil {
		status = moonbot.CommandError
		if response == "" {
			response = sendErr.Error()
		}
	}

	h := moonbot.CommandHistory{
		ID:            uuid.NewString(),
		ServerID:      server.ID,
		UserID:        server.UserID,
		Command:       cmd,
		Response:      response,
		Status:        status,
		ExecutionTime: elapsed,
		CreatedAt:     time.Now().UTC(),
	}
	if err := d.history.InsertCommandHistory(context.WithoutCancel(ctx), h); err != nil {
		d.logger.Error("command history insert failed",
			slog.Int64("server_id", int64(server.ID)), slog.Any("err", err))
	}
}

func clampTimeout(timeout time.Duration) time.Duration {
	switch {
	case timeout <= 0:
		return DefaultTimeout
	case timeout < MinTimeout:
		return MinTimeout
	case timeout > MaxTimeout:
		return MaxTimeout
	}
	return timeout
}

func readDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
