// Package protocol implements the wire formats spoken by the collaboration server.
// It covers the line-delimited JSON control vocabulary, the video datagram header,
// screen-share framing and the file-transfer request headers.
package protocol
