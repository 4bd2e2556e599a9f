package session

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

// State is the control-channel lifecycle of a session
type State int

const (
	StateConnected State = iota
	StateJoined
	StateClosed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateJoined:
		return "JOINED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// AVBinding records a UDP port a session registered with one of the relays
type AVBinding struct {
	Relay    string         `json:"relay"`
	Endpoint netip.AddrPort `json:"endpoint"`
}

// Session is the server-side record of one control connection
type Session struct {
	ID          string
	RemoteAddr  net.Addr
	ConnectedAt time.Time

	conn         net.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu       sync.RWMutex
	username string
	state    State
	bindings []AVBinding
}

// Info is a JSON-friendly snapshot of a session
type Info struct {
	ID          string      `json:"id"`
	RemoteAddr  string      `json:"remote_addr"`
	Username    string      `json:"username"`
	State       string      `json:"state"`
	ConnectedAt time.Time   `json:"connected_at"`
	Bindings    []AVBinding `json:"av_bindings"`
}

// New wraps an accepted connection. writeTimeout of 0 disables write deadlines.
func New(conn net.Conn, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           uuid.NewString(),
		RemoteAddr:   conn.RemoteAddr(),
		ConnectedAt:  time.Now(),
		conn:         conn,
		writeTimeout: writeTimeout,
		state:        StateConnected,
	}
}

// Conn returns the underlying connection
func (s *Session) Conn() net.Conn {
	return s.conn
}

// PeerIP returns the remote IP of the control connection
func (s *Session) PeerIP() (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(s.RemoteAddr.String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to parse peer address %s: %w", s.RemoteAddr, err)
	}
	return ap.Addr().Unmap(), nil
}

// Join sets the username and moves the session to JOINED.
// A repeated Join simply replaces the name.
func (s *Session) Join(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.username = username
	s.state = StateJoined
}

// Username returns the current username, empty before HELLO
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AddBinding remembers a relay registration made by this session
func (s *Session) AddBinding(relay string, endpoint netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.bindings {
		if b.Relay == relay && b.Endpoint == endpoint {
			return
		}
	}
	s.bindings = append(s.bindings, AVBinding{Relay: relay, Endpoint: endpoint})
}

// Bindings returns a copy of the session's relay registrations
func (s *Session) Bindings() []AVBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AVBinding, len(s.bindings))
	copy(out, s.bindings)
	return out
}

// Send writes one control message. Concurrent calls are serialised.
func (s *Session) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := s.conn.Write(data); err != nil {
		// a partial line would desync the peer; the receive loop sees the
		// close and runs the normal disconnect
		s.conn.Close()
		return fmt.Errorf("failed to write to %s: %w", s.RemoteAddr, err)
	}
	return nil
}

// Close marks the session CLOSED and closes the connection
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	return s.conn.Close()
}

// GetInfo returns a snapshot for monitoring
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bindings := make([]AVBinding, len(s.bindings))
	copy(bindings, s.bindings)

	return Info{
		ID:          s.ID,
		RemoteAddr:  s.RemoteAddr.String(),
		Username:    s.username,
		State:       s.state.String(),
		ConnectedAt: s.ConnectedAt,
		Bindings:    bindings,
	}
}
