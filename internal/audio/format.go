package audio

import (
	"fmt"
	"time"
)

// Format describes one relayed audio block: interleaved little-endian PCM
type Format struct {
	SampleRate int // Hz
	Channels   int
	BitDepth   int
	ChunkMS    int // block duration in milliseconds
}

// BlockSamples returns the number of samples per channel in one block
func (f Format) BlockSamples() int {
	return f.SampleRate * f.ChunkMS / 1000
}

// BlockBytes returns the expected datagram size of one block
func (f Format) BlockBytes() int {
	return f.BlockSamples() * f.Channels * f.BitDepth / 8
}

// BlockDuration returns the playback time of one block
func (f Format) BlockDuration() time.Duration {
	return time.Duration(f.ChunkMS) * time.Millisecond
}

// Duration returns the playback time of n bytes of PCM in this format
func (f Format) Duration(n int) time.Duration {
	bytesPerSecond := f.SampleRate * f.Channels * f.BitDepth / 8
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSecond))
}

// CheckBlock reports whether data has the size of exactly one block
func (f Format) CheckBlock(data []byte) error {
	if want := f.BlockBytes(); len(data) != want {
		return fmt.Errorf("audio block size mismatch: expected %d bytes, got %d", want, len(data))
	}
	return nil
}

// String returns a human-readable representation of the format
func (f Format) String() string {
	return fmt.Sprintf("PCM%d %dHz %dch %dms (%d bytes/block)",
		f.BitDepth, f.SampleRate, f.Channels, f.ChunkMS, f.BlockBytes())
}
