package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/lan-collab-server/internal/audio"
	"github.com/skypro1111/lan-collab-server/internal/config"
	"github.com/skypro1111/lan-collab-server/internal/control"
	"github.com/skypro1111/lan-collab-server/internal/events"
	"github.com/skypro1111/lan-collab-server/internal/filetransfer"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/protocol"
	"github.com/skypro1111/lan-collab-server/internal/relay"
	"github.com/skypro1111/lan-collab-server/internal/screenshare"
	"github.com/skypro1111/lan-collab-server/internal/session"
)

const (
	// Time allowed to write one event to a subscriber
	eventWriteWait = 10 * time.Second

	// Time allowed to read the next pong from a subscriber
	eventPongWait = 60 * time.Second

	// Ping period, must be less than eventPongWait
	eventPingPeriod = (eventPongWait * 9) / 10

	// Buffered events per subscriber
	eventBuffer = 64
)

// Components are the running services the admin API reports on
type Components struct {
	Registry     *session.Registry
	Control      *control.Server
	Video        *relay.Server
	Audio        *relay.Server
	ScreenShare  *screenshare.Server
	FileTransfer *filetransfer.Server
	Bus          *events.Bus

	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server     *http.Server
	listener   net.Listener
	logger     *slog.Logger
	config     *config.Config
	components Components
	format     audio.Format
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	// Server state
	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// eventFrame is the JSON document written to /events subscribers
type eventFrame struct {
	Type    protocol.Type    `json:"type"`
	Payload protocol.Payload `json:"payload"`
	Source  string           `json:"source"`
	Time    time.Time        `json:"time"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	appConfig *config.Config, components Components, m *metrics.Metrics) *HTTPServer {

	ctx, cancel := context.WithCancel(context.Background())

	h := &HTTPServer{
		logger:     logger.With(slog.String("component", "http")),
		config:     appConfig,
		components: components,
		format: audio.Format{
			SampleRate: appConfig.Audio.SampleRate,
			Channels:   appConfig.Audio.Channels,
			BitDepth:   appConfig.Audio.BitDepth,
			ChunkMS:    appConfig.Audio.ChunkMS,
		},
		metrics:   m,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// LAN admin feed, any origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed API handler
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	return mux
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Control sessions
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Media and transfer services
	mux.HandleFunc("/relays", h.withMetrics("/relays", h.handleRelays))
	mux.HandleFunc("/screenshare", h.withMetrics("/screenshare", h.handleScreenShare))
	mux.HandleFunc("/files", h.withMetrics("/files", h.handleFiles))
	mux.HandleFunc("/audio/last.wav", h.withMetrics("/audio/last.wav", h.handleLastAudio))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	gatherer := h.components.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// WebSocket upgrade needs the raw ResponseWriter, so no metrics wrapper
	mux.HandleFunc("/events", h.handleEvents)

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listener and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server and disconnects event subscribers
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	// hijacked WebSocket connections are not tracked by Shutdown
	h.cancel()
	err := h.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.components
	controlStats := c.Control.GetStatistics()
	videoStats := c.Video.GetStatistics()
	audioStats := c.Audio.GetStatistics()
	screenStats := c.ScreenShare.GetStatistics()
	fileStats := c.FileTransfer.GetStatistics()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "lan-collab-server",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"control": map[string]interface{}{
				"status":          "running",
				"address":         controlStats.Address,
				"sessions_active": controlStats.SessionsActive,
			},
			"video_relay": map[string]interface{}{
				"status":    "running",
				"address":   videoStats.Address,
				"endpoints": videoStats.Endpoints,
			},
			"audio_relay": map[string]interface{}{
				"status":    "running",
				"address":   audioStats.Address,
				"endpoints": audioStats.Endpoints,
			},
			"screen_share": map[string]interface{}{
				"status":           "running",
				"address":          screenStats.Address,
				"presenter_active": screenStats.PresenterActive,
				"viewers":          screenStats.Viewers,
			},
			"file_transfer": map[string]interface{}{
				"status":           "running",
				"address":          fileStats.Address,
				"active_transfers": fileStats.ActiveTransfers,
			},
		},
	}

	h.writeJSON(w, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.components.Registry.Snapshot()
	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.GetInfo())
	}

	h.writeJSON(w, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	s, exists := h.components.Registry.Get(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, s.GetInfo())
}

// relayReport is one relay's counters together with its endpoint table
type relayReport struct {
	relay.Statistics
	Entries []relay.Entry `json:"entries"`
}

func reportRelay(s *relay.Server) relayReport {
	return relayReport{
		Statistics: s.GetStatistics(),
		Entries:    s.Table().Entries(),
	}
}

// handleRelays implements the /relays endpoint
func (h *HTTPServer) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"timestamp":     time.Now().UTC(),
		relay.NameVideo: reportRelay(h.components.Video),
		relay.NameAudio: reportRelay(h.components.Audio),
	})
}

// handleScreenShare implements the /screenshare endpoint
func (h *HTTPServer) handleScreenShare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, h.components.ScreenShare.GetStatistics())
}

// handleFiles implements the /files endpoint
func (h *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, err := h.components.FileTransfer.Store().List()
	if err != nil {
		h.logger.Error("Failed to list files", slog.String("error", err.Error()))
		http.Error(w, "Failed to list files", http.StatusInternalServerError)
		return
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	h.writeJSON(w, map[string]interface{}{
		"total_files": len(files),
		"total_bytes": total,
		"timestamp":   time.Now().UTC(),
		"files":       files,
	})
}

// handleLastAudio implements the /audio/last.wav endpoint
func (h *HTTPServer) handleLastAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pcm, from, at, ok := h.components.Audio.Last()
	if !ok {
		http.Error(w, "No audio relayed yet", http.StatusNotFound)
		return
	}

	wav, err := audio.EncodeWAV(pcm, h.format)
	if err != nil {
		h.logger.Warn("Last audio block cannot be encoded", slog.String("error", err.Error()))
		http.Error(w, "Last audio block is not valid PCM", http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Header().Set("X-Audio-Source", from.String())
	w.Header().Set("X-Audio-Received", at.UTC().Format(time.RFC3339Nano))
	w.Header().Set("X-Audio-Duration", h.format.Duration(len(pcm)).String())
	w.Write(wav)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	h.writeJSON(w, map[string]interface{}{
		"server": map[string]interface{}{
			"host":         c.Server.Host,
			"control_port": c.Server.ControlPort,
			"video_port":   c.Server.VideoPort,
			"audio_port":   c.Server.AudioPort,
			"screen_port":  c.Server.ScreenPort,
			"file_port":    c.Server.FilePort,
		},
		"control": map[string]interface{}{
			"max_line_bytes": c.Control.MaxLineBytes,
			"write_timeout":  c.Control.WriteTimeout,
			"max_sessions":   c.Control.MaxSessions,
		},
		"relay": map[string]interface{}{
			"buffer_size":         c.Relay.BufferSize,
			"queue_size":          c.Relay.QueueSize,
			"purge_on_disconnect": c.Relay.PurgeOnDisconnect,
		},
		"audio": map[string]interface{}{
			"sample_rate": c.Audio.SampleRate,
			"channels":    c.Audio.Channels,
			"bit_depth":   c.Audio.BitDepth,
			"chunk_ms":    c.Audio.ChunkMS,
			"block_bytes": h.format.BlockBytes(),
			"block_time":  h.format.BlockDuration().String(),
		},
		"screen_share": map[string]interface{}{
			"handshake_timeout": c.ScreenShare.HandshakeTimeout,
			"write_timeout":     c.ScreenShare.WriteTimeout,
			"viewer_queue":      c.ScreenShare.ViewerQueue,
			"max_frame_size":    c.ScreenShare.MaxFrameSize,
		},
		"file_transfer": map[string]interface{}{
			"storage_dir":   c.FileTransfer.StorageDir,
			"chunk_size":    c.FileTransfer.ChunkSize,
			"max_file_size": c.FileTransfer.MaxFileSize,
			"idle_timeout":  c.FileTransfer.IdleTimeout,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.components
	h.writeJSON(w, map[string]interface{}{
		"uptime":        time.Since(h.startTime).String(),
		"timestamp":     time.Now().UTC(),
		"control":       c.Control.GetStatistics(),
		"video_relay":   c.Video.GetStatistics(),
		"audio_relay":   c.Audio.GetStatistics(),
		"screen_share":  c.ScreenShare.GetStatistics(),
		"file_transfer": c.FileTransfer.GetStatistics(),
		"events": map[string]interface{}{
			"subscribers": c.Bus.Subscribers(),
			"dropped":     c.Bus.Dropped(),
		},
	})
}

// handleEvents streams bus events to a WebSocket subscriber until either side
// goes away
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.metrics.RecordHTTPError(r.Method, "/events", "upgrade_failed")
		h.logger.Debug("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.metrics.RecordHTTPRequest(r.Method, "/events", strconv.Itoa(http.StatusSwitchingProtocols), 0)

	sub, cancel := h.components.Bus.Subscribe(eventBuffer)
	h.metrics.EventSubscribers.Inc()

	logger := h.logger.With(slog.String("remote_addr", r.RemoteAddr))
	logger.Info("Event subscriber connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			cancel()
			conn.Close()
			h.metrics.EventSubscribers.Dec()
			logger.Info("Event subscriber disconnected")
		}()

		// the read side only handles pongs and notices the close
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(eventPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(eventPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			case <-closed:
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteJSON(eventFrame{
					Type:    ev.Message.Type,
					Payload: ev.Message.Payload,
					Source:  ev.Source,
					Time:    ev.Time.UTC(),
				}); err != nil {
					logger.Debug("Failed to write event", slog.String("error", err.Error()))
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"service": "LAN Collaboration Server",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":               "API documentation",
			"GET /health":         "Service health check",
			"GET /sessions":       "List control sessions",
			"GET /sessions/{id}":  "Get one control session",
			"GET /relays":         "Video and audio relay counters and endpoint tables",
			"GET /screenshare":    "Presenter and viewer status",
			"GET /files":          "List stored files",
			"GET /audio/last.wav": "Last relayed audio block as WAV",
			"GET /config":         "Get service configuration",
			"GET /stats":          "Get service statistics",
			"GET /metrics":        "Prometheus metrics",
			"GET /events":         "WebSocket feed of joins, leaves, chat, presenter and file events",
		},
		"timestamp": time.Now().UTC(),
	})
}
