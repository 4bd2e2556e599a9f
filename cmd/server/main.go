package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/lan-collab-server/internal/audio"
	"github.com/skypro1111/lan-collab-server/internal/config"
	"github.com/skypro1111/lan-collab-server/internal/control"
	"github.com/skypro1111/lan-collab-server/internal/events"
	"github.com/skypro1111/lan-collab-server/internal/filetransfer"
	"github.com/skypro1111/lan-collab-server/internal/metrics"
	"github.com/skypro1111/lan-collab-server/internal/relay"
	"github.com/skypro1111/lan-collab-server/internal/screenshare"
	"github.com/skypro1111/lan-collab-server/internal/server"
	"github.com/skypro1111/lan-collab-server/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "lan-collab-server"
	serviceVersion    = "1.0.0"
)

// service is a component with a blocking-free Start and a waiting Stop
type service interface {
	Start() error
	Stop() error
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	host := flag.String("host", "", "Bind host, overrides server.host")
	port := flag.Int("port", 0, "Control port, overrides server.control_port")
	flag.Parse()

	cfg, err := loadConfig(*configPath, flagWasSet("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.ControlPort = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	format := audio.Format{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		BitDepth:   cfg.Audio.BitDepth,
		ChunkMS:    cfg.Audio.ChunkMS,
	}

	logger.Info("Configuration loaded",
		slog.String("host", cfg.Server.Host),
		slog.Int("control_port", cfg.Server.ControlPort),
		slog.Int("video_port", cfg.Server.VideoPort),
		slog.Int("audio_port", cfg.Server.AudioPort),
		slog.Int("screen_port", cfg.Server.ScreenPort),
		slog.Int("file_port", cfg.Server.FilePort),
		slog.String("audio_format", format.String()),
		slog.String("storage_dir", cfg.FileTransfer.StorageDir),
		slog.Bool("purge_on_disconnect", cfg.Relay.PurgeOnDisconnect),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	// Shared state
	registry := session.NewRegistry()
	videoTable := relay.NewTable()
	audioTable := relay.NewTable()
	bus := events.NewBus()

	store, err := filetransfer.NewStore(cfg.FileTransfer.StorageDir)
	if err != nil {
		logger.Error("Failed to open file store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	controlServer := control.NewServer(control.Config{
		Address:           cfg.Server.Address(cfg.Server.ControlPort),
		MaxLineBytes:      cfg.Control.MaxLineBytes,
		WriteTimeout:      cfg.Control.GetWriteTimeout(),
		MaxSessions:       cfg.Control.MaxSessions,
		PurgeOnDisconnect: cfg.Relay.PurgeOnDisconnect,
	}, registry, videoTable, audioTable, bus, logger, appMetrics)

	videoRelay := relay.NewVideoServer(cfg.Server.Address(cfg.Server.VideoPort),
		cfg.Relay.BufferSize, cfg.Relay.QueueSize, videoTable, logger, appMetrics)

	audioRelay := relay.NewAudioServer(cfg.Server.Address(cfg.Server.AudioPort),
		cfg.Relay.BufferSize, cfg.Relay.QueueSize, format, audioTable, logger, appMetrics)

	screenServer := screenshare.NewServer(screenshare.Config{
		Address:          cfg.Server.Address(cfg.Server.ScreenPort),
		HandshakeTimeout: cfg.ScreenShare.GetHandshakeTimeout(),
		WriteTimeout:     cfg.ScreenShare.GetWriteTimeout(),
		ViewerQueue:      cfg.ScreenShare.ViewerQueue,
		MaxFrameSize:     uint32(cfg.ScreenShare.MaxFrameSize),
	}, bus, logger, appMetrics)

	fileServer := filetransfer.NewServer(filetransfer.Config{
		Address:     cfg.Server.Address(cfg.Server.FilePort),
		ChunkSize:   cfg.FileTransfer.ChunkSize,
		MaxFileSize: cfg.FileTransfer.MaxFileSize,
		IdleTimeout: cfg.FileTransfer.GetIdleTimeout(),
	}, store, bus, logger, appMetrics)

	// Initialize HTTP API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpConfig := server.HTTPServerConfig{
			Port:    cfg.HTTP.Port,
			Address: cfg.HTTP.Address,
			Enabled: cfg.HTTP.Enabled,
		}
		httpServer = server.NewHTTPServer(httpConfig, logger, cfg, server.Components{
			Registry:     registry,
			Control:      controlServer,
			Video:        videoRelay,
			Audio:        audioRelay,
			ScreenShare:  screenServer,
			FileTransfer: fileServer,
			Bus:          bus,
		}, appMetrics)
	}

	services := []struct {
		name string
		svc  service
	}{
		{"video relay", videoRelay},
		{"audio relay", audioRelay},
		{"screen-share server", screenServer},
		{"file transfer server", fileServer},
		{"control server", controlServer},
	}

	started := make([]service, 0, len(services))
	for _, s := range services {
		if err := s.svc.Start(); err != nil {
			logger.Error("Failed to start "+s.name, slog.String("error", err.Error()))
			stopAll(logger, started)
			os.Exit(1)
		}
		started = append(started, s.svc)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			stopAll(logger, started)
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("control_address", controlServer.Addr().String()),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop serving monitoring and event clients)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	stopAll(logger, started)

	// Final statistics
	controlStats := controlServer.GetStatistics()
	videoStats := videoRelay.GetStatistics()
	audioStats := audioRelay.GetStatistics()
	screenStats := screenServer.GetStatistics()
	fileStats := fileServer.GetStatistics()

	logger.Info("Final server statistics",
		slog.Uint64("sessions_total", controlStats.SessionsTotal),
		slog.Uint64("messages_handled", controlStats.MessagesHandled),
		slog.Uint64("video_datagrams", videoStats.DatagramsReceived),
		slog.Uint64("audio_datagrams", audioStats.DatagramsReceived),
		slog.Uint64("screen_frames", screenStats.FramesReceived),
		slog.Uint64("uploads", fileStats.Uploads),
		slog.Uint64("downloads", fileStats.Downloads),
	)

	logger.Info("Service stopped")
}

// loadConfig reads path. A missing file falls back to the built-in defaults
// unless the path was given explicitly.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// stopAll stops services concurrently and waits for all of them
func stopAll(logger *slog.Logger, services []service) {
	var g errgroup.Group
	for _, s := range services {
		g.Go(s.Stop)
	}
	if err := g.Wait(); err != nil {
		logger.Error("Error during shutdown", slog.String("error", err.Error()))
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
