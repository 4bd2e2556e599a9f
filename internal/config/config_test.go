package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "defaults are valid",
			modify: func(c *Config) {},
		},
		{
			name:        "invalid control port",
			modify:      func(c *Config) { c.Server.ControlPort = 70000 },
			expectError: true,
			errorMsg:    "control_port must be between 1 and 65535",
		},
		{
			name:        "empty host",
			modify:      func(c *Config) { c.Server.Host = "" },
			expectError: true,
			errorMsg:    "host cannot be empty",
		},
		{
			name:        "duplicate ports",
			modify:      func(c *Config) { c.Server.AudioPort = c.Server.VideoPort },
			expectError: true,
			errorMsg:    "video_port and audio_port must differ",
		},
		{
			name:        "tiny line limit",
			modify:      func(c *Config) { c.Control.MaxLineBytes = 10 },
			expectError: true,
			errorMsg:    "max_line_bytes must be at least 1024",
		},
		{
			name:        "negative session limit",
			modify:      func(c *Config) { c.Control.MaxSessions = -1 },
			expectError: true,
			errorMsg:    "max_sessions cannot be negative",
		},
		{
			name:        "oversized relay buffer",
			modify:      func(c *Config) { c.Relay.BufferSize = 70000 },
			expectError: true,
			errorMsg:    "buffer_size must be between 1024 and 65535",
		},
		{
			name:        "zero relay queue",
			modify:      func(c *Config) { c.Relay.QueueSize = 0 },
			expectError: true,
			errorMsg:    "queue_size must be at least 1",
		},
		{
			name:        "tiny screen frame limit",
			modify:      func(c *Config) { c.ScreenShare.MaxFrameSize = 512 },
			expectError: true,
			errorMsg:    "max_frame_size must be between 1024 and 4294967295",
		},
		{
			name:        "screen frame limit past 4 GiB",
			modify:      func(c *Config) { c.ScreenShare.MaxFrameSize = 5 << 30 },
			expectError: true,
			errorMsg:    "max_frame_size must be between 1024 and 4294967295",
		},
		{
			name:        "stereo audio",
			modify:      func(c *Config) { c.Audio.Channels = 2 },
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name:        "sample rate out of range",
			modify:      func(c *Config) { c.Audio.SampleRate = 96000 },
			expectError: true,
			errorMsg:    "sample_rate must be between 8000 and 48000",
		},
		{
			name:        "zero viewer queue",
			modify:      func(c *Config) { c.ScreenShare.ViewerQueue = 0 },
			expectError: true,
			errorMsg:    "viewer_queue must be at least 1",
		},
		{
			name:        "empty storage dir",
			modify:      func(c *Config) { c.FileTransfer.StorageDir = "" },
			expectError: true,
			errorMsg:    "storage_dir cannot be empty",
		},
		{
			name:        "negative max file size",
			modify:      func(c *Config) { c.FileTransfer.MaxFileSize = -5 },
			expectError: true,
			errorMsg:    "max_file_size cannot be negative",
		},
		{
			name: "http disabled ignores port",
			modify: func(c *Config) {
				c.HTTP.Enabled = false
				c.HTTP.Port = 0
			},
		},
		{
			name:        "http enabled with bad port",
			modify:      func(c *Config) { c.HTTP.Port = 0 },
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name:        "invalid log level",
			modify:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		expectError bool
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "partial file keeps defaults",
			content: `
server:
  control_port: 6000
relay:
  purge_on_disconnect: true
logging:
  level: "debug"
  format: "json"
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.ControlPort != 6000 {
					t.Errorf("Expected control_port 6000, got %d", c.Server.ControlPort)
				}
				if c.Server.VideoPort != 5001 {
					t.Errorf("Expected default video_port 5001, got %d", c.Server.VideoPort)
				}
				if !c.Relay.PurgeOnDisconnect {
					t.Error("Expected purge_on_disconnect true")
				}
				if c.FileTransfer.StorageDir != "storage/files" {
					t.Errorf("Expected default storage dir, got %s", c.FileTransfer.StorageDir)
				}
				if c.Logging.Format != "json" {
					t.Errorf("Expected json format, got %s", c.Logging.Format)
				}
			},
		},
		{
			name:        "invalid yaml",
			content:     "server: [unclosed",
			expectError: true,
		},
		{
			name: "invalid values",
			content: `
server:
  file_port: 0
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			config, err := Load(configPath)
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			tt.check(t, config)
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("Expected error for nonexistent file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected error to wrap fs.ErrNotExist, got %v", err)
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("Shipped config failed to load: %v", err)
	}
	if cfg.Server.ControlPort != 5000 {
		t.Errorf("Expected control port 5000, got %d", cfg.Server.ControlPort)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()

	if got := cfg.Control.GetWriteTimeout(); got != 5*time.Second {
		t.Errorf("Expected control write timeout 5s, got %v", got)
	}
	if got := cfg.ScreenShare.GetHandshakeTimeout(); got != 10*time.Second {
		t.Errorf("Expected handshake timeout 10s, got %v", got)
	}
	if got := cfg.ScreenShare.GetWriteTimeout(); got != 5*time.Second {
		t.Errorf("Expected viewer write timeout 5s, got %v", got)
	}
	if got := cfg.FileTransfer.GetIdleTimeout(); got != 30*time.Second {
		t.Errorf("Expected idle timeout 30s, got %v", got)
	}
}

func TestServerAddress(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1"}
	if got := s.Address(5000); got != "127.0.0.1:5000" {
		t.Errorf("Expected 127.0.0.1:5000, got %s", got)
	}

	v6 := ServerConfig{Host: "::1"}
	if got := v6.Address(5003); got != "[::1]:5003" {
		t.Errorf("Expected [::1]:5003, got %s", got)
	}
}
