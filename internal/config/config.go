package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Control      ControlConfig      `yaml:"control"`
	Relay        RelayConfig        `yaml:"relay"`
	Audio        AudioConfig        `yaml:"audio"`
	ScreenShare  ScreenShareConfig  `yaml:"screen_share"`
	FileTransfer FileTransferConfig `yaml:"file_transfer"`
	HTTP         HTTPConfig         `yaml:"http"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains the bind host and the listener ports
type ServerConfig struct {
	Host        string `yaml:"host"`
	ControlPort int    `yaml:"control_port"`
	VideoPort   int    `yaml:"video_port"`
	AudioPort   int    `yaml:"audio_port"`
	ScreenPort  int    `yaml:"screen_port"`
	FilePort    int    `yaml:"file_port"`
}

// ControlConfig contains control channel limits
type ControlConfig struct {
	MaxLineBytes int `yaml:"max_line_bytes"`
	WriteTimeout int `yaml:"write_timeout"` // seconds
	MaxSessions  int `yaml:"max_sessions"`  // 0 = unlimited
}

// RelayConfig contains UDP relay parameters shared by video and audio
type RelayConfig struct {
	BufferSize        int  `yaml:"buffer_size"`
	QueueSize         int  `yaml:"queue_size"`
	PurgeOnDisconnect bool `yaml:"purge_on_disconnect"`
}

// AudioConfig describes the PCM blocks carried by the audio relay
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	ChunkMS    int `yaml:"chunk_ms"`
}

// ScreenShareConfig contains screen-share server parameters
type ScreenShareConfig struct {
	HandshakeTimeout int `yaml:"handshake_timeout"` // seconds
	WriteTimeout     int `yaml:"write_timeout"`     // seconds
	ViewerQueue      int `yaml:"viewer_queue"`      // frames
	MaxFrameSize     int `yaml:"max_frame_size"`    // bytes
}

// FileTransferConfig contains file store parameters
type FileTransferConfig struct {
	StorageDir  string `yaml:"storage_dir"`
	ChunkSize   int    `yaml:"chunk_size"`
	MaxFileSize int64  `yaml:"max_file_size"` // bytes, 0 = unlimited
	IdleTimeout int    `yaml:"idle_timeout"`  // seconds
}

// HTTPConfig contains HTTP admin API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			ControlPort: 5000,
			VideoPort:   5001,
			AudioPort:   5002,
			ScreenPort:  5003,
			FilePort:    5004,
		},
		Control: ControlConfig{
			MaxLineBytes: 1 << 20,
			WriteTimeout: 5,
		},
		Relay: RelayConfig{
			BufferSize: 65535,
			QueueSize:  1024,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			BitDepth:   16,
			ChunkMS:    20,
		},
		ScreenShare: ScreenShareConfig{
			HandshakeTimeout: 10,
			WriteTimeout:     5,
			ViewerQueue:      8,
			MaxFrameSize:     16 << 20,
		},
		FileTransfer: FileTransferConfig{
			StorageDir:  "storage/files",
			ChunkSize:   65536,
			IdleTimeout: 30,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file over the defaults and validates the result.
// A missing file is reported with an error wrapping os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Control.Validate(); err != nil {
		return fmt.Errorf("control config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.ScreenShare.Validate(); err != nil {
		return fmt.Errorf("screen_share config: %w", err)
	}

	if err := c.FileTransfer.Validate(); err != nil {
		return fmt.Errorf("file_transfer config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates the host and ports
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}

	ports := []struct {
		name string
		port int
	}{
		{"control_port", s.ControlPort},
		{"video_port", s.VideoPort},
		{"audio_port", s.AudioPort},
		{"screen_port", s.ScreenPort},
		{"file_port", s.FilePort},
	}

	// ports are unique across both transports
	seen := make(map[int]string, len(ports))
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.port)
		}
		if other, ok := seen[p.port]; ok {
			return fmt.Errorf("%s and %s must differ, both are %d", other, p.name, p.port)
		}
		seen[p.port] = p.name
	}

	return nil
}

// Validate validates control channel configuration
func (c *ControlConfig) Validate() error {
	if c.MaxLineBytes < 1024 {
		return fmt.Errorf("max_line_bytes must be at least 1024, got %d", c.MaxLineBytes)
	}

	if c.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", c.WriteTimeout)
	}

	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions cannot be negative, got %d", c.MaxSessions)
	}

	return nil
}

// Validate validates relay configuration
func (r *RelayConfig) Validate() error {
	if r.BufferSize < 1024 || r.BufferSize > 65535 {
		return fmt.Errorf("buffer_size must be between 1024 and 65535 bytes, got %d", r.BufferSize)
	}

	if r.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", r.QueueSize)
	}

	return nil
}

// Validate validates audio block configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.ChunkMS < 1 || a.ChunkMS > 1000 {
		return fmt.Errorf("chunk_ms must be between 1 and 1000, got %d", a.ChunkMS)
	}

	return nil
}

// Validate validates screen-share configuration
func (s *ScreenShareConfig) Validate() error {
	if s.HandshakeTimeout < 1 {
		return fmt.Errorf("handshake_timeout must be at least 1 second, got %d", s.HandshakeTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.ViewerQueue < 1 {
		return fmt.Errorf("viewer_queue must be at least 1, got %d", s.ViewerQueue)
	}

	if s.MaxFrameSize < 1024 || int64(s.MaxFrameSize) > math.MaxUint32 {
		return fmt.Errorf("max_frame_size must be between 1024 and %d bytes, got %d", uint32(math.MaxUint32), s.MaxFrameSize)
	}

	return nil
}

// Validate validates file transfer configuration
func (f *FileTransferConfig) Validate() error {
	if f.StorageDir == "" {
		return fmt.Errorf("storage_dir cannot be empty")
	}

	if f.ChunkSize < 512 {
		return fmt.Errorf("chunk_size must be at least 512 bytes, got %d", f.ChunkSize)
	}

	if f.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size cannot be negative, got %d", f.MaxFileSize)
	}

	if f.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", f.IdleTimeout)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// anything other than stdout/stderr is treated as a file path
	return nil
}

// Address joins the bind host with one of the configured ports
func (s *ServerConfig) Address(port int) string {
	return net.JoinHostPort(s.Host, strconv.Itoa(port))
}

// GetWriteTimeout returns the control write timeout as a time.Duration
func (c *ControlConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// GetHandshakeTimeout returns the screen-share handshake timeout as a time.Duration
func (s *ScreenShareConfig) GetHandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeout) * time.Second
}

// GetWriteTimeout returns the per-viewer write timeout as a time.Duration
func (s *ScreenShareConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetIdleTimeout returns the file transfer idle timeout as a time.Duration
func (f *FileTransferConfig) GetIdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeout) * time.Second
}
