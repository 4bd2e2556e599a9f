// Package screenshare implements the screen-share broadcast server. One
// presenter streams length-prefixed frames; each frame is re-broadcast to every
// connected viewer through a bounded per-viewer queue, so a slow viewer only
// loses its own frames.
package screenshare
