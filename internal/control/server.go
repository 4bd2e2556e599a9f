package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/skypro1111/lan-collab-server/internal/events"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/protocol"
	"github.com/skypro1111/lan-collab-server/internal/relay"
	"github.com/skypro1111/lan-collab-server/internal/session"
)

// EventSource tags events published by this package
const EventSource = "control"

// Config contains control server parameters
type Config struct {
	Address      string
	MaxLineBytes int
	WriteTimeout time.Duration
	MaxSessions  int // 0 = unlimited

	// PurgeOnDisconnect removes a session's relay registrations when it leaves
	PurgeOnDisconnect bool
}

// Server accepts control connections and dispatches their messages
type Server struct {
	config   Config
	logger   *slog.Logger
	registry *session.Registry
	video    *relay.Table
	audio    *relay.Table
	bus      *events.Bus
	metrics  *metrics.Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu               sync.RWMutex
	sessionsTotal    uint64
	sessionsRejected uint64
	messagesHandled  uint64
	protocolErrors   uint64
}

// Statistics represents control server counters
type Statistics struct {
	Address          string `json:"address"`
	SessionsActive   int    `json:"sessions_active"`
	SessionsTotal    uint64 `json:"sessions_total"`
	SessionsRejected uint64 `json:"sessions_rejected"`
	MessagesHandled  uint64 `json:"messages_handled"`
	ProtocolErrors   uint64 `json:"protocol_errors"`
}

// NewServer creates a control server. video and audio are the endpoint tables
// REGISTER_AV writes into; bus may be nil.
func NewServer(cfg Config, registry *session.Registry, video, audio *relay.Table,
	bus *events.Bus, logger *slog.Logger, m *metrics.Metrics) *Server {

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:   cfg,
		logger:   logger.With(slog.String("component", "control")),
		registry: registry,
		video:    video,
		audio:    audio,
		bus:      bus,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listener and starts accepting
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("Control server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_sessions", s.config.MaxSessions),
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

// Stop closes the listener and every session, then waits for their loops
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping control server...")
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}
		s.registry.CloseAll()
		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("Control server stopped",
			slog.Uint64("sessions_total", stats.SessionsTotal),
			slog.Uint64("messages_handled", stats.MessagesHandled),
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
			s.logger.Error("Failed to accept control connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.config.MaxSessions > 0 && s.registry.Count() >= s.config.MaxSessions {
			s.mu.Lock()
			s.sessionsRejected++
			s.mu.Unlock()
			s.metrics.SessionsRejected.Inc()

			s.logger.Warn("Session limit reached, rejecting connection",
				slog.String("remote_addr", conn.RemoteAddr().String()),
				slog.Int("max_sessions", s.config.MaxSessions),
			)
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				s.logger.Warn("Failed to disable Nagle", slog.String("error", err.Error()))
			}
		}

		sess := session.New(conn, s.config.WriteTimeout)
		s.registry.Add(sess)

		s.mu.Lock()
		s.sessionsTotal++
		s.mu.Unlock()
		s.metrics.SessionsTotal.Inc()
		s.metrics.SetSessionsActive(s.registry.Count())

		// a Stop racing with this accept may have missed the new session
		select {
		case <-s.ctx.Done():
			s.registry.Remove(sess.ID)
			sess.Close()
			return
		default:
		}

		s.wg.Add(1)
		go s.serveSession(sess)
	}
}

// serveSession runs the receive-dispatch loop of one session
func (s *Server) serveSession(sess *session.Session) {
	defer s.wg.Done()

	logger := s.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("remote_addr", sess.RemoteAddr.String()),
	)
	logger.Info("Client connected")

	defer s.disconnect(sess, logger)

	reader := protocol.NewLineReader(sess.Conn(), s.config.MaxLineBytes)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				s.replyError(sess, protocol.ErrTextTooLong, logger)
				logger.Warn("Control line too long, closing session",
					slog.Int("max_line_bytes", s.config.MaxLineBytes),
				)
			}
			return
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				logger.Debug("Rejected control line", slog.String("error", err.Error()))

				// the join check outranks payload validation for CHAT
				text := decodeErr.Text
				if decodeErr.Type == protocol.TypeChat && sess.State() != session.StateJoined {
					text = protocol.ErrTextNotJoined
				}
				s.replyError(sess, text, logger)
				continue
			}
			s.replyError(sess, protocol.ErrTextMalformed, logger)
			continue
		}

		s.dispatch(sess, msg, logger)
	}
}

// dispatch handles one decoded message
func (s *Server) dispatch(sess *session.Session, msg protocol.Message, logger *slog.Logger) {
	s.mu.Lock()
	s.messagesHandled++
	s.mu.Unlock()

	label := string(msg.Type)
	if _, unknown := msg.Payload.(protocol.Unknown); unknown {
		label = "unknown"
	}
	s.metrics.RecordMessage(label)

	switch p := msg.Payload.(type) {
	case protocol.Hello:
		s.handleHello(sess, p, logger)
	case protocol.Chat:
		s.handleChat(sess, p, logger)
	case protocol.RegisterAV:
		s.handleRegisterAV(sess, p, logger)
	case protocol.Ping:
		s.send(sess, protocol.New(protocol.Pong{}), logger)
	default:
		s.replyError(sess, protocol.ErrTextUnknownType, logger)
	}
}

func (s *Server) handleHello(sess *session.Session, p protocol.Hello, logger *slog.Logger) {
	previous := sess.Username()
	sess.Join(p.Username)

	logger.Info("Client joined",
		slog.String("username", p.Username),
		slog.String("previous_username", previous),
	)

	s.broadcast(protocol.New(protocol.UserJoined{Username: p.Username}))
}

func (s *Server) handleChat(sess *session.Session, p protocol.Chat, logger *slog.Logger) {
	if sess.State() != session.StateJoined {
		s.replyError(sess, protocol.ErrTextNotJoined, logger)
		return
	}

	s.broadcast(protocol.New(protocol.ChatBroadcast{
		Username: sess.Username(),
		Text:     p.Text,
	}))
}

// handleRegisterAV binds (peer ip, declared port) in the relay tables.
// Session state is updated before the tables are touched.
func (s *Server) handleRegisterAV(sess *session.Session, p protocol.RegisterAV, logger *slog.Logger) {
	ip, err := sess.PeerIP()
	if err != nil {
		logger.Warn("Cannot register AV endpoints", slog.String("error", err.Error()))
		return
	}

	type binding struct {
		name  string
		port  int
		table *relay.Table
	}
	for _, b := range []binding{
		{relay.NameVideo, p.VideoPort, s.video},
		{relay.NameAudio, p.AudioPort, s.audio},
	} {
		if b.port == 0 {
			continue
		}
		endpoint := netip.AddrPortFrom(ip, uint16(b.port))

		sess.AddBinding(b.name, endpoint)
		b.table.Register(endpoint, sess.ID)
		s.metrics.SetRelayEndpoints(b.name, b.table.Len())

		logger.Info("Registered AV endpoint",
			slog.String("relay", b.name),
			slog.String("endpoint", endpoint.String()),
		)
	}
}

// disconnect removes the session and announces the departure of named sessions
func (s *Server) disconnect(sess *session.Session, logger *slog.Logger) {
	_, present := s.registry.Remove(sess.ID)
	sess.Close()
	s.metrics.SetSessionsActive(s.registry.Count())

	if !present {
		return
	}

	if s.config.PurgeOnDisconnect {
		videoRemoved := s.video.UnregisterOwner(sess.ID)
		audioRemoved := s.audio.UnregisterOwner(sess.ID)
		s.metrics.SetRelayEndpoints(relay.NameVideo, s.video.Len())
		s.metrics.SetRelayEndpoints(relay.NameAudio, s.audio.Len())

		if videoRemoved+audioRemoved > 0 {
			logger.Info("Purged relay endpoints",
				slog.Int("video", videoRemoved),
				slog.Int("audio", audioRemoved),
			)
		}
	}

	username := sess.Username()
	logger.Info("Client disconnected", slog.String("username", username))

	if username != "" {
		s.broadcast(protocol.New(protocol.UserLeft{Username: username}))
	}
}

// broadcast fans msg out to every session and mirrors it on the event bus
func (s *Server) broadcast(msg protocol.Message) {
	sent, failed, err := s.registry.Broadcast(msg)
	if err != nil {
		s.logger.Error("Failed to encode broadcast", slog.String("error", err.Error()))
		return
	}
	s.metrics.RecordBroadcast(string(msg.Type), failed)

	s.logger.Debug("Broadcast delivered",
		slog.String("type", string(msg.Type)),
		slog.Int("sent", sent),
		slog.Int("failed", failed),
	)

	if s.bus != nil {
		s.bus.Publish(EventSource, msg)
	}
}

func (s *Server) replyError(sess *session.Session, text string, logger *slog.Logger) {
	s.mu.Lock()
	s.protocolErrors++
	s.mu.Unlock()
	s.metrics.RecordProtocolError(text)

	s.send(sess, protocol.NewError(text), logger)
}

func (s *Server) send(sess *session.Session, msg protocol.Message, logger *slog.Logger) {
	if err := sess.Send(msg); err != nil {
		logger.Debug("Failed to send reply",
			slog.String("type", string(msg.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// GetStatistics returns current control server statistics
func (s *Server) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	address := s.config.Address
	if s.listener != nil {
		address = s.listener.Addr().String()
	}

	return Statistics{
		Address:          address,
		SessionsActive:   s.registry.Count(),
		SessionsTotal:    s.sessionsTotal,
		SessionsRejected: s.sessionsRejected,
		MessagesHandled:  s.messagesHandled,
		ProtocolErrors:   s.protocolErrors,
	}
}
