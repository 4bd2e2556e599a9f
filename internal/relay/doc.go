// Package relay implements the UDP video and audio relays.
// Each relay owns an endpoint table populated from control-channel registrations
// and forwards every datagram it receives, unmodified, to the registered endpoints.
package relay
