package audio

import (
	"testing"
	"time"
)

func TestFormatBlockMath(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		samples  int
		bytes    int
		duration time.Duration
	}{
		{"16kHz 20ms", Format{SampleRate: 16000, Channels: 1, BitDepth: 16, ChunkMS: 20}, 320, 640, 20 * time.Millisecond},
		{"8kHz 20ms", Format{SampleRate: 8000, Channels: 1, BitDepth: 16, ChunkMS: 20}, 160, 320, 20 * time.Millisecond},
		{"48kHz 10ms", Format{SampleRate: 48000, Channels: 1, BitDepth: 16, ChunkMS: 10}, 480, 960, 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.BlockSamples(); got != tt.samples {
				t.Errorf("Expected %d samples, got %d", tt.samples, got)
			}
			if got := tt.format.BlockBytes(); got != tt.bytes {
				t.Errorf("Expected %d bytes, got %d", tt.bytes, got)
			}
			if got := tt.format.BlockDuration(); got != tt.duration {
				t.Errorf("Expected block duration %v, got %v", tt.duration, got)
			}
			if got := tt.format.Duration(tt.bytes); got != tt.duration {
				t.Errorf("Expected %d bytes to last %v, got %v", tt.bytes, tt.duration, got)
			}
			if err := tt.format.CheckBlock(make([]byte, tt.bytes)); err != nil {
				t.Errorf("Expected exact block to pass, got %v", err)
			}
			if err := tt.format.CheckBlock(make([]byte, tt.bytes-2)); err == nil {
				t.Error("Expected short block to fail")
			}
		})
	}
}

func TestFormatZeroDuration(t *testing.T) {
	if got := (Format{}).Duration(100); got != 0 {
		t.Errorf("Expected zero duration for empty format, got %v", got)
	}
}
