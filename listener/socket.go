package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/wire"
)

// Read buffer large enough to absorb a burst from a whole fleet before the
// kernel starts dropping.
const sharedReadBuffer = 200 * 1024

type datagram struct {
	data []byte
	from *net.UDPAddr
}

// SharedSocket is one UDP socket multiplexing every bot that reports on the
// same bind port. The read loop only reads and routes; decoding happens on
// the owning listener's goroutine.
type SharedSocket struct {
	conn    *net.UDPConn
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	peers map[string]chan<- datagram

	closeOnce sync.Once
	done      chan struct{}
}

// NewSharedSocket binds :port and starts the read loop.
func NewSharedSocket(port int, m *metrics.Metrics, logger *slog.Logger) (*SharedSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp :%d: %w", port, err)
	}
	if err := conn.SetReadBuffer(sharedReadBuffer); err != nil {
		logger.Debug("set udp read buffer failed", slog.Any("err", err))
	}

	s := &SharedSocket{
		conn:    conn,
		logger:  logger.WithGroup("socket").With(slog.Int("port", port)),
		metrics: m,
		peers:   make(map[string]chan<- datagram),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Register routes datagrams from peerAddr ("host:port") into ch.
func (s *SharedSocket) Register(peerAddr string, ch chan<- datagram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[peerAddr]; exists {
		return fmt.Errorf("peer %s already registered", peerAddr)
	}
	s.peers[peerAddr] = ch
	return nil
}

func (s *SharedSocket) Unregister(peerAddr string) {
	s.mu.Lock()
	delete(s.peers, peerAddr)
	s.mu.Unlock()
}

// Peers reports how many listeners are attached.
func (s *SharedSocket) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *SharedSocket) WriteTo(peer *net.UDPAddr, data []byte) error {
	_, err := s.conn.WriteToUDP(data, peer)
	return err
}

// LocalPort reports the bound port, useful when port 0 was requested.
func (s *SharedSocket) LocalPort() int {
	if addr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *SharedSocket) readLoop() {
	buf := make([]byte, wire.MaxDatagramBytes)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("udp read failed", slog.Any("err", err))
			continue
		}

		s.mu.RLock()
		ch, ok := s.peers[from.String()]
		s.mu.RUnlock()
		if !ok {
			s.metrics.UnmappedPacket()
			s.logger.Debug("datagram from unmapped peer dropped", slog.String("from", from.String()))
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case ch <- datagram{data: data, from: from}:
		default:
			// Listener inbox full; dropping here keeps the read loop hot.
			s.metrics.MessageDropped()
		}
	}
}

func (s *SharedSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
