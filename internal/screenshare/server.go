package screenshare

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/lan-collab-server/internal/events"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

// EventSource tags events published by this package
const EventSource = "screenshare"

// Config contains screen-share server parameters
type Config struct {
	Address          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ViewerQueue      int
	MaxFrameSize     uint32
}

// Server accepts presenter and viewer connections
type Server struct {
	config  Config
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// presenter slot
	presenterMu sync.Mutex
	presenter   net.Conn
	presentedAt time.Time

	// viewer set
	viewersMu  sync.RWMutex
	viewers    map[uint64]*viewer
	nextViewer uint64

	// handshakes in progress, closed on Stop
	pendingMu sync.Mutex
	pending   map[net.Conn]struct{}

	statsMu           sync.RWMutex
	framesReceived    uint64
	framesDelivered   uint64
	framesDropped     uint64
	presenterSessions uint64
	presenterRejected uint64
	viewerWriteErrors uint64
}

// Statistics represents screen-share counters
type Statistics struct {
	Address           string    `json:"address"`
	PresenterActive   bool      `json:"presenter_active"`
	PresenterAddr     string    `json:"presenter_addr,omitempty"`
	PresentingSince   time.Time `json:"presenting_since,omitempty"`
	Viewers           int       `json:"viewers"`
	FramesReceived    uint64    `json:"frames_received"`
	FramesDelivered   uint64    `json:"frames_delivered"`
	FramesDropped     uint64    `json:"frames_dropped"`
	PresenterSessions uint64    `json:"presenter_sessions"`
	PresenterRejected uint64    `json:"presenter_rejected"`
	ViewerWriteErrors uint64    `json:"viewer_write_errors"`
}

// NewServer creates a screen-share server. bus may be nil.
func NewServer(cfg Config, bus *events.Bus, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ViewerQueue < 1 {
		cfg.ViewerQueue = 1
	}

	return &Server{
		config:  cfg,
		logger:  logger.With(slog.String("component", "screenshare")),
		bus:     bus,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		viewers: make(map[uint64]*viewer),
		pending: make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts accepting
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("Screen-share server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("viewer_queue", s.config.ViewerQueue),
		slog.Uint64("max_frame_size", uint64(s.config.MaxFrameSize)),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, the presenter and every viewer, then waits
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping screen-share server...")
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.pendingMu.Lock()
		for conn := range s.pending {
			conn.Close()
		}
		s.pendingMu.Unlock()

		s.presenterMu.Lock()
		if s.presenter != nil {
			s.presenter.Close()
		}
		s.presenterMu.Unlock()

		for _, v := range s.viewerSnapshot() {
			v.close()
		}

		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("Screen-share server stopped",
			slog.Uint64("frames_received", stats.FramesReceived),
			slog.Uint64("frames_delivered", stats.FramesDelivered),
			slog.Uint64("frames_dropped", stats.FramesDropped),
		)
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept screen-share connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.trackPending(conn) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// trackPending records a connection still in handshake. It reports false once
// the server is stopping.
func (s *Server) trackPending(conn net.Conn) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrackPending(conn net.Conn) {
	s.pendingMu.Lock()
	delete(s.pending, conn)
	s.pendingMu.Unlock()
}

// handleConn reads the handshake and hands the connection to its role loop
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	logger := s.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))

	role, err := s.readHandshake(conn)
	s.untrackPending(conn)
	if err != nil {
		logger.Warn("Rejected screen-share connection", slog.String("error", err.Error()))
		conn.Close()
		return
	}

	switch role {
	case protocol.RolePresenter:
		s.servePresenter(conn, logger)
	case protocol.RoleViewer:
		s.serveViewer(conn, logger)
	}
}

func (s *Server) readHandshake(conn net.Conn) (protocol.Role, error) {
	if s.config.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
			return protocol.RoleUnknown, fmt.Errorf("failed to set handshake deadline: %w", err)
		}
	}

	handshake := make([]byte, protocol.HandshakeSize)
	if _, err := io.ReadFull(conn, handshake); err != nil {
		return protocol.RoleUnknown, fmt.Errorf("failed to read handshake: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return protocol.RoleUnknown, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	return protocol.ParseRole(handshake)
}

// claimPresenter takes the presenter slot if it is free
func (s *Server) claimPresenter(conn net.Conn) bool {
	s.presenterMu.Lock()
	defer s.presenterMu.Unlock()

	if s.presenter != nil {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	s.presenter = conn
	s.presentedAt = time.Now()
	return true
}

func (s *Server) releasePresenter(conn net.Conn) {
	s.presenterMu.Lock()
	if s.presenter == conn {
		s.presenter = nil
		s.presentedAt = time.Time{}
	}
	s.presenterMu.Unlock()
}

// servePresenter relays frames until the presenter stream ends
func (s *Server) servePresenter(conn net.Conn, logger *slog.Logger) {
	defer conn.Close()

	if !s.claimPresenter(conn) {
		s.statsMu.Lock()
		s.presenterRejected++
		s.statsMu.Unlock()
		s.metrics.PresenterRejected.Inc()

		logger.Warn("Presenter slot taken, closing connection")
		return
	}

	s.statsMu.Lock()
	s.presenterSessions++
	s.statsMu.Unlock()
	s.metrics.SetPresenterActive(true)
	s.publishStatus(true)
	logger.Info("Presenter connected")

	frames := 0
	defer func() {
		// status goes out before the slot frees so a successor's status follows it
		s.metrics.SetPresenterActive(false)
		s.publishStatus(false)
		s.releasePresenter(conn)
		logger.Info("Presenter disconnected", slog.Int("frames", frames))
	}()

	for {
		frame, err := protocol.ReadFrame(conn, s.config.MaxFrameSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, protocol.ErrFrameTooLarge):
				logger.Warn("Presenter frame too large", slog.String("error", err.Error()))
			default:
				logger.Debug("Presenter stream ended", slog.String("error", err.Error()))
			}
			return
		}

		frames++
		s.statsMu.Lock()
		s.framesReceived++
		s.statsMu.Unlock()
		s.metrics.RecordFrame(len(frame))

		s.broadcastFrame(protocol.EncodeFrame(frame))
	}
}

// broadcastFrame queues packet on every viewer without blocking
func (s *Server) broadcastFrame(packet []byte) {
	var queued, dropped uint64
	for _, v := range s.viewerSnapshot() {
		if v.enqueue(packet) {
			queued++
			continue
		}
		dropped++
	}

	s.statsMu.Lock()
	s.framesDropped += dropped
	s.statsMu.Unlock()
	s.metrics.FramesDropped.Add(float64(dropped))

	if dropped > 0 {
		s.logger.Debug("Viewer queues full, frame dropped",
			slog.Uint64("queued", queued),
			slog.Uint64("dropped", dropped),
		)
	}
}

// serveViewer registers the viewer and blocks until it disconnects
func (s *Server) serveViewer(conn net.Conn, logger *slog.Logger) {
	v := newViewer(conn, s.config.ViewerQueue)

	if !s.addViewer(v) {
		conn.Close()
		return
	}
	logger.Info("Viewer connected", slog.Int("viewers", s.ViewerCount()))

	s.wg.Add(1)
	go s.writeLoop(v, logger)

	// viewers never send data; the read only detects disconnection
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	s.removeViewer(v)
	v.close()
	logger.Info("Viewer disconnected", slog.Int("viewers", s.ViewerCount()))
}

// writeLoop drains one viewer's queue
func (s *Server) writeLoop(v *viewer, logger *slog.Logger) {
	defer s.wg.Done()

	for {
		select {
		case <-v.done:
			return
		case packet := <-v.send:
			if s.config.WriteTimeout > 0 {
				if err := v.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
					s.dropViewer(v, err, logger)
					return
				}
			}
			if _, err := v.conn.Write(packet); err != nil {
				s.dropViewer(v, err, logger)
				return
			}

			s.statsMu.Lock()
			s.framesDelivered++
			s.statsMu.Unlock()
		}
	}
}

// dropViewer removes a viewer after a failed write
func (s *Server) dropViewer(v *viewer, err error, logger *slog.Logger) {
	if !s.removeViewer(v) {
		return
	}
	v.close()

	s.statsMu.Lock()
	s.viewerWriteErrors++
	s.statsMu.Unlock()
	s.metrics.ViewerWriteErrors.Inc()

	logger.Warn("Viewer write failed, removing", slog.String("error", err.Error()))
}

func (s *Server) addViewer(v *viewer) bool {
	s.viewersMu.Lock()
	defer s.viewersMu.Unlock()

	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	s.nextViewer++
	v.id = s.nextViewer
	s.viewers[v.id] = v
	s.metrics.SetViewers(len(s.viewers))
	return true
}

// removeViewer reports whether v was still registered
func (s *Server) removeViewer(v *viewer) bool {
	s.viewersMu.Lock()
	defer s.viewersMu.Unlock()

	if _, ok := s.viewers[v.id]; !ok {
		return false
	}
	delete(s.viewers, v.id)
	s.metrics.SetViewers(len(s.viewers))
	return true
}

func (s *Server) viewerSnapshot() []*viewer {
	s.viewersMu.RLock()
	defer s.viewersMu.RUnlock()

	out := make([]*viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		out = append(out, v)
	}
	return out
}

func (s *Server) publishStatus(active bool) {
	if s.bus != nil {
		s.bus.Publish(EventSource, protocol.New(protocol.PresenterStatus{Active: active}))
	}
}

// ViewerCount returns the number of connected viewers
func (s *Server) ViewerCount() int {
	s.viewersMu.RLock()
	defer s.viewersMu.RUnlock()
	return len(s.viewers)
}

// PresenterActive reports whether a presenter holds the slot
func (s *Server) PresenterActive() bool {
	s.presenterMu.Lock()
	defer s.presenterMu.Unlock()
	return s.presenter != nil
}

// GetStatistics returns current screen-share statistics
func (s *Server) GetStatistics() Statistics {
	stats := Statistics{
		Address: s.config.Address,
		Viewers: s.ViewerCount(),
	}
	if s.listener != nil {
		stats.Address = s.listener.Addr().String()
	}

	s.presenterMu.Lock()
	if s.presenter != nil {
		stats.PresenterActive = true
		stats.PresenterAddr = s.presenter.RemoteAddr().String()
		stats.PresentingSince = s.presentedAt
	}
	s.presenterMu.Unlock()

	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	stats.FramesReceived = s.framesReceived
	stats.FramesDelivered = s.framesDelivered
	stats.FramesDropped = s.framesDropped
	stats.PresenterSessions = s.presenterSessions
	stats.PresenterRejected = s.presenterRejected
	stats.ViewerWriteErrors = s.viewerWriteErrors
	return stats
}
