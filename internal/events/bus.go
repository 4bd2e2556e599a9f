// Package events is a best-effort in-process fan-out of control-plane
// notifications to monitoring subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

// Event is one published message with its publish time and origin
type Event struct {
	Source  string           `json:"source"`
	Time    time.Time        `json:"time"`
	Message protocol.Message `json:"-"`
}

// Bus delivers events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish sends msg to every subscriber that has room
func (b *Bus) Publish(source string, msg protocol.Message) {
	ev := Event{Source: source, Time: time.Now(), Message: msg}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped on full buffers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
