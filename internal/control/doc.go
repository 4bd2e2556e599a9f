// Package control implements the TCP control server: one line-delimited JSON
// session per connection, HELLO/CHAT/REGISTER_AV/PING dispatch, and
// join/leave/chat broadcasts over the session registry.
package control
