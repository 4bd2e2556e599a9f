// Package session tracks connected control-channel clients.
// The Registry owns the set of live sessions and performs snapshot-then-send broadcasts.
package session
