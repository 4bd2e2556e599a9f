// Package server implements the HTTP admin API: health, session and relay
// inspection, screen-share and file store status, Prometheus metrics, the last
// relayed audio block as WAV, and a WebSocket feed of control-plane events.
package server
