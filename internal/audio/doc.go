// Package audio describes the raw PCM blocks carried by the audio relay.
// It computes block sizes from the configured format and wraps blocks in WAV
// containers for monitoring.
package audio
