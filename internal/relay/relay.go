package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/skypro1111/lan-collab-server/internal/audio"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

// Relay names, also used as metric labels
const (
	NameVideo = "video"
	NameAudio = "audio"
)

// Config contains the parameters of one relay listener
type Config struct {
	Name       string
	Address    string
	BufferSize int
	QueueSize  int

	// ExcludeSource skips the endpoint whose key equals the datagram source
	ExcludeSource bool

	// Inspect checks the datagram layout for monitoring. Datagrams that fail
	// are counted but still forwarded.
	Inspect func(data []byte) error

	// KeepLast retains a copy of the most recently forwarded datagram
	KeepLast bool
}

// Server receives datagrams on one UDP port and fans them out to a Table
type Server struct {
	conn    *net.UDPConn
	config  Config
	table   *Table
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Concurrency management
	ctx      context.Context
	cancel   context.CancelFunc
	recvWG   sync.WaitGroup
	fwdWG    sync.WaitGroup
	stopOnce sync.Once
	started  bool
	queue    chan *datagram

	// Counters
	mu                 sync.RWMutex
	datagramsReceived  uint64
	datagramsForwarded uint64
	datagramsDropped   uint64
	datagramsMalformed uint64
	sendErrors         uint64

	lastMu   sync.RWMutex
	last     []byte
	lastFrom netip.AddrPort
	lastAt   time.Time
}

// datagram is a received packet with its source
type datagram struct {
	data []byte
	from netip.AddrPort
}

// Statistics represents relay counters
type Statistics struct {
	Name               string `json:"name"`
	Address            string `json:"address"`
	DatagramsReceived  uint64 `json:"datagrams_received"`
	DatagramsForwarded uint64 `json:"datagrams_forwarded"`
	DatagramsDropped   uint64 `json:"datagrams_dropped"`
	DatagramsMalformed uint64 `json:"datagrams_malformed"`
	SendErrors         uint64 `json:"send_errors"`
	Endpoints          int    `json:"endpoints"`
	QueueSize          int    `json:"queue_size"`
	QueueCapacity      int    `json:"queue_capacity"`
}

// NewServer creates a relay bound to table
func NewServer(cfg Config, table *Table, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 65535
	}

	return &Server{
		config:  cfg,
		table:   table,
		logger:  logger.With(slog.String("component", cfg.Name+"_relay")),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *datagram, cfg.QueueSize),
	}
}

// NewVideoServer creates the video relay: sender excluded, name header inspected
func NewVideoServer(address string, bufferSize, queueSize int, table *Table, logger *slog.Logger, m *metrics.Metrics) *Server {
	return NewServer(Config{
		Name:          NameVideo,
		Address:       address,
		BufferSize:    bufferSize,
		QueueSize:     queueSize,
		ExcludeSource: true,
		Inspect: func(data []byte) error {
			_, err := protocol.ParseVideoHeader(data)
			return err
		},
	}, table, logger, m)
}

// NewAudioServer creates the audio relay: every endpoint including the sender
// receives each block, and the last block is kept for monitoring
func NewAudioServer(address string, bufferSize, queueSize int, format audio.Format, table *Table, logger *slog.Logger, m *metrics.Metrics) *Server {
	return NewServer(Config{
		Name:          NameAudio,
		Address:       address,
		BufferSize:    bufferSize,
		QueueSize:     queueSize,
		ExcludeSource: false,
		Inspect:       format.CheckBlock,
		KeepLast:      true,
	}, table, logger, m)
}

// Start binds the UDP socket and starts the receive and forward loops
func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize * 16); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize*16),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Relay started",
		slog.String("address", s.conn.LocalAddr().String()),
		slog.Bool("exclude_source", s.config.ExcludeSource),
		slog.Int("queue_size", cap(s.queue)),
	)

	s.started = true

	// one forwarder keeps per-source ordering
	s.fwdWG.Add(1)
	go s.forwardLoop()

	s.recvWG.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop closes the socket and waits for both loops to exit
func (s *Server) Stop() error {
	var closeErr error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping relay...")
		s.cancel()

		if s.conn != nil {
			closeErr = s.conn.Close()
		}

		// the receiver is the only sender on the queue
		s.recvWG.Wait()
		if s.started {
			close(s.queue)
		}
		s.fwdWG.Wait()

		stats := s.GetStatistics()
		s.logger.Info("Relay stopped",
			slog.Uint64("datagrams_received", stats.DatagramsReceived),
			slog.Uint64("datagrams_forwarded", stats.DatagramsForwarded),
			slog.Uint64("datagrams_dropped", stats.DatagramsDropped),
		)
	})
	return closeErr
}

// receiveLoop reads datagrams and queues them for forwarding
func (s *Server) receiveLoop() {
	defer s.recvWG.Done()

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, from, err := s.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to read UDP datagram", slog.String("error", err.Error()))
			continue
		}

		if n == 0 {
			continue
		}

		s.mu.Lock()
		s.datagramsReceived++
		s.mu.Unlock()
		s.metrics.RecordDatagramReceived(s.config.Name, n)

		// buffer is reused, queue a copy
		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case s.queue <- &datagram{data: data, from: Normalize(from)}:
		default:
			s.mu.Lock()
			s.datagramsDropped++
			s.mu.Unlock()
			s.metrics.RecordDatagramDropped(s.config.Name)

			s.logger.Warn("Forwarding queue full, dropping datagram",
				slog.String("from", from.String()),
				slog.Int("size", n),
			)
		}
	}
}

// forwardLoop drains the queue
func (s *Server) forwardLoop() {
	defer s.fwdWG.Done()

	for d := range s.queue {
		s.forward(d)
	}
}

// forward sends one datagram, unmodified, to the table snapshot
func (s *Server) forward(d *datagram) {
	if s.config.Inspect != nil {
		if err := s.config.Inspect(d.data); err != nil {
			s.mu.Lock()
			s.datagramsMalformed++
			s.mu.Unlock()
			s.metrics.RecordDatagramMalformed(s.config.Name)

			s.logger.Debug("Datagram layout check failed",
				slog.String("from", d.from.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	var exclude netip.AddrPort
	if s.config.ExcludeSource {
		exclude = d.from
	}
	targets := s.table.Targets(exclude)

	sent := 0
	for _, target := range targets {
		if _, err := s.conn.WriteToUDPAddrPort(d.data, target); err != nil {
			s.mu.Lock()
			s.sendErrors++
			s.mu.Unlock()
			s.metrics.RecordRelaySendError(s.config.Name)

			s.logger.Debug("Failed to forward datagram",
				slog.String("target", target.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		sent++
	}

	s.mu.Lock()
	s.datagramsForwarded += uint64(sent)
	s.mu.Unlock()
	s.metrics.RecordDatagramForwarded(s.config.Name, sent)

	if s.config.KeepLast {
		s.lastMu.Lock()
		s.last = d.data
		s.lastFrom = d.from
		s.lastAt = time.Now()
		s.lastMu.Unlock()
	}
}

// Last returns the most recently forwarded datagram, its source and arrival
// time. ok is false when KeepLast is off or nothing has been relayed yet.
func (s *Server) Last() (data []byte, from netip.AddrPort, at time.Time, ok bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()

	if s.last == nil {
		return nil, netip.AddrPort{}, time.Time{}, false
	}
	out := make([]byte, len(s.last))
	copy(out, s.last)
	return out, s.lastFrom, s.lastAt, true
}

// Name returns the relay name
func (s *Server) Name() string {
	return s.config.Name
}

// Table returns the endpoint table the relay forwards to
func (s *Server) Table() *Table {
	return s.table
}

// GetStatistics returns current relay statistics
func (s *Server) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	address := s.config.Address
	if s.conn != nil {
		address = s.conn.LocalAddr().String()
	}

	return Statistics{
		Name:               s.config.Name,
		Address:            address,
		DatagramsReceived:  s.datagramsReceived,
		DatagramsForwarded: s.datagramsForwarded,
		DatagramsDropped:   s.datagramsDropped,
		DatagramsMalformed: s.datagramsMalformed,
		SendErrors:         s.sendErrors,
		Endpoints:          s.table.Len(),
		QueueSize:          len(s.queue),
		QueueCapacity:      cap(s.queue),
	}
}
