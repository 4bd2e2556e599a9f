package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/skypro1111/lan-collab-server/internal/events"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

// EventSource tags events published by this package
const EventSource = "filetransfer"

// Transfer results, also used as metric labels
const (
	ResultOK          = "ok"
	ResultPartial     = "partial"
	ResultInvalidName = "invalid_name"
	ResultTooLarge    = "too_large"
	ResultNotFound    = "not_found"
	ResultError       = "error"
)

// Config contains file transfer server parameters
type Config struct {
	Address     string
	ChunkSize   int
	MaxFileSize int64         // 0 = unlimited
	IdleTimeout time.Duration // 0 = no deadline
}

// Server serves uploads and downloads against a Store
type Server struct {
	config  Config
	store   *Store
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Metrics

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	statsMu        sync.RWMutex
	uploads        uint64
	uploadsFailed  uint64
	downloads      uint64
	downloadsMiss  uint64
	bytesUploaded  int64
	bytesServed    int64
	badOpcodes     uint64
	lastUpload     string
	lastUploadTime time.Time
}

// Statistics represents file transfer counters
type Statistics struct {
	Address         string    `json:"address"`
	StorageDir      string    `json:"storage_dir"`
	ActiveTransfers int       `json:"active_transfers"`
	Uploads         uint64    `json:"uploads"`
	UploadsFailed   uint64    `json:"uploads_failed"`
	Downloads       uint64    `json:"downloads"`
	DownloadsMissed uint64    `json:"downloads_missed"`
	BytesUploaded   int64     `json:"bytes_uploaded"`
	BytesServed     int64     `json:"bytes_served"`
	BadOpcodes      uint64    `json:"bad_opcodes"`
	LastUpload      string    `json:"last_upload,omitempty"`
	LastUploadTime  time.Time `json:"last_upload_time,omitempty"`
}

// NewServer creates a file transfer server. bus may be nil.
func NewServer(cfg Config, store *Store, bus *events.Bus, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 64 * 1024
	}

	return &Server{
		config:  cfg,
		store:   store,
		logger:  logger.With(slog.String("component", "filetransfer")),
		bus:     bus,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and starts accepting
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("File transfer server started",
		slog.String("address", listener.Addr().String()),
		slog.String("storage_dir", s.store.Dir()),
		slog.Int64("max_file_size", s.config.MaxFileSize),
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

// Store returns the backing file store
func (s *Server) Store() *Store {
	return s.store
}

// Stop closes the listener and any in-flight transfer, then waits
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping file transfer server...")
		s.cancel()

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("File transfer server stopped",
			slog.Uint64("uploads", stats.Uploads),
			slog.Uint64("downloads", stats.Downloads),
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
			s.logger.Error("Failed to accept file transfer connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// handleConn serves exactly one request, then closes the connection
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))
	r := &idleReader{conn: conn, timeout: s.config.IdleTimeout}

	var op [1]byte
	if _, err := io.ReadFull(r, op[:]); err != nil {
		logger.Debug("Connection closed before opcode", slog.String("error", err.Error()))
		return
	}

	switch op[0] {
	case protocol.OpUpload:
		s.handleUpload(r, logger)
	case protocol.OpDownload:
		s.handleDownload(conn, r, logger)
	default:
		s.statsMu.Lock()
		s.badOpcodes++
		s.statsMu.Unlock()
		logger.Warn("Unknown opcode, closing connection", slog.String("opcode", protocol.OpString(op[0])))
	}
}

// handleUpload stores [name][size][content]. A stream that ends early leaves
// the bytes received so far in place.
func (s *Server) handleUpload(r io.Reader, logger *slog.Logger) {
	name, err := protocol.ReadFileName(r)
	if err != nil {
		s.recordUpload(ResultError, 0)
		logger.Warn("Failed to read upload header", slog.String("error", err.Error()))
		return
	}
	size, err := protocol.ReadFileSize(r)
	if err != nil {
		s.recordUpload(ResultError, 0)
		logger.Warn("Failed to read upload header", slog.String("name", name), slog.String("error", err.Error()))
		return
	}

	logger = logger.With(slog.String("name", name), slog.Uint64("size", size))

	if s.config.MaxFileSize > 0 && size > uint64(s.config.MaxFileSize) {
		s.recordUpload(ResultTooLarge, 0)
		logger.Warn("Upload exceeds max file size", slog.Int64("max_file_size", s.config.MaxFileSize))
		return
	}

	f, stored, err := s.store.Create(name)
	if err != nil {
		if errors.Is(err, ErrInvalidName) {
			s.recordUpload(ResultInvalidName, 0)
			logger.Warn("Upload refused, invalid name")
			return
		}
		s.recordUpload(ResultError, 0)
		logger.Error("Failed to create upload target", slog.String("error", err.Error()))
		return
	}

	// sizes past MaxInt64 stream until EOF and end as partial
	limit := int64(math.MaxInt64)
	if size < math.MaxInt64 {
		limit = int64(size)
	}

	start := time.Now()
	written, copyErr := s.copyChunks(f, r, limit)
	closeErr := f.Close()

	if copyErr != nil || written < limit {
		s.recordUpload(ResultPartial, written)
		attrs := []any{slog.String("stored_as", stored), slog.Int64("received", written)}
		if copyErr != nil {
			attrs = append(attrs, slog.String("error", copyErr.Error()))
		}
		logger.Warn("Upload truncated", attrs...)
		return
	}
	if closeErr != nil {
		s.recordUpload(ResultError, written)
		logger.Error("Failed to finish upload", slog.String("error", closeErr.Error()))
		return
	}

	s.recordUpload(ResultOK, written)
	s.statsMu.Lock()
	s.lastUpload = stored
	s.lastUploadTime = time.Now()
	s.statsMu.Unlock()

	logger.Info("Upload complete",
		slog.String("stored_as", stored),
		slog.Duration("duration", time.Since(start)),
	)

	if s.bus != nil {
		s.bus.Publish(EventSource, protocol.New(protocol.FileAvailable{Filename: stored, Size: written}))
	}
}

// copyChunks copies up to n bytes in ChunkSize pieces
func (s *Server) copyChunks(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := make([]byte, s.config.ChunkSize)
	var written int64

	for written < n {
		want := int64(len(buf))
		if remaining := n - written; remaining < want {
			want = remaining
		}

		read, err := io.ReadFull(src, buf[:want])
		if read > 0 {
			w, werr := dst.Write(buf[:read])
			written += int64(w)
			if werr != nil {
				return written, fmt.Errorf("failed to write chunk: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return written, nil
			}
			return written, err
		}
	}
	return written, nil
}

// handleDownload answers [size][content], or a zero size when the file is
// missing or the name is invalid
func (s *Server) handleDownload(conn net.Conn, r io.Reader, logger *slog.Logger) {
	name, err := protocol.ReadFileName(r)
	if err != nil {
		s.recordDownload(ResultError, 0)
		logger.Warn("Failed to read download request", slog.String("error", err.Error()))
		return
	}

	logger = logger.With(slog.String("name", name))
	w := &idleWriter{conn: conn, timeout: s.config.IdleTimeout}

	f, size, err := s.store.Open(name)
	if err != nil {
		result := ResultNotFound
		switch {
		case errors.Is(err, ErrInvalidName):
			result = ResultInvalidName
		case errors.Is(err, ErrNotFound):
		default:
			result = ResultError
			logger.Error("Failed to open file", slog.String("error", err.Error()))
		}

		s.recordDownload(result, 0)
		if _, err := w.Write(protocol.EncodeFileSize(0)); err != nil {
			logger.Debug("Failed to send not-found reply", slog.String("error", err.Error()))
		}
		logger.Info("Download miss", slog.String("result", result))
		return
	}
	defer f.Close()

	if _, err := w.Write(protocol.EncodeFileSize(uint64(size))); err != nil {
		s.recordDownload(ResultError, 0)
		logger.Debug("Failed to send size", slog.String("error", err.Error()))
		return
	}

	start := time.Now()
	sent, err := s.copyChunks(w, f, size)
	if err != nil || sent < size {
		s.recordDownload(ResultPartial, sent)
		attrs := []any{slog.Int64("sent", sent), slog.Int64("size", size)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		logger.Warn("Download interrupted", attrs...)
		return
	}

	s.recordDownload(ResultOK, sent)
	logger.Info("Download complete",
		slog.Int64("size", size),
		slog.Duration("duration", time.Since(start)),
	)
}

func (s *Server) recordUpload(result string, bytes int64) {
	s.statsMu.Lock()
	if result == ResultOK {
		s.uploads++
	} else {
		s.uploadsFailed++
	}
	s.bytesUploaded += bytes
	s.statsMu.Unlock()

	s.metrics.RecordUpload(result, bytes)
}

func (s *Server) recordDownload(result string, bytes int64) {
	s.statsMu.Lock()
	if result == ResultOK {
		s.downloads++
	} else if result == ResultNotFound || result == ResultInvalidName {
		s.downloadsMiss++
	}
	s.bytesServed += bytes
	s.statsMu.Unlock()

	s.metrics.RecordDownload(result, bytes)
}

// GetStatistics returns current file transfer statistics
func (s *Server) GetStatistics() Statistics {
	s.connsMu.Lock()
	active := len(s.conns)
	s.connsMu.Unlock()

	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	address := s.config.Address
	if s.listener != nil {
		address = s.listener.Addr().String()
	}

	return Statistics{
		Address:         address,
		StorageDir:      s.store.Dir(),
		ActiveTransfers: active,
		Uploads:         s.uploads,
		UploadsFailed:   s.uploadsFailed,
		Downloads:       s.downloads,
		DownloadsMissed: s.downloadsMiss,
		BytesUploaded:   s.bytesUploaded,
		BytesServed:     s.bytesServed,
		BadOpcodes:      s.badOpcodes,
		LastUpload:      s.lastUpload,
		LastUploadTime:  s.lastUploadTime,
	}
}

// idleReader refreshes the read deadline before every read
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

// idleWriter refreshes the write deadline before every write
type idleWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *idleWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return 0, err
		}
	}
	return w.conn.Write(p)
}
