package screenshare

import (
	"net"
	"sync"
)

// viewer is one connected viewer with its bounded send queue.
// send is never closed; done signals the writer to exit.
type viewer struct {
	id   uint64
	conn net.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newViewer(conn net.Conn, queue int) *viewer {
	return &viewer{
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// enqueue offers a packet and reports false if the queue is full or the
// viewer is closed
func (v *viewer) enqueue(packet []byte) bool {
	select {
	case <-v.done:
		return false
	default:
	}

	select {
	case v.send <- packet:
		return true
	default:
		return false
	}
}

func (v *viewer) close() {
	v.closeOnce.Do(func() {
		close(v.done)
		v.conn.Close()
	})
}
