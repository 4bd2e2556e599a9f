package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/lan-collab-server/internal/protocol"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	msg := protocol.New(protocol.UserJoined{Username: "erin"})
	bus.Publish("control", msg)

	for _, ch := range []<-chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, "control", ev.Source)
		assert.Equal(t, msg, ev.Message)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish("screenshare", protocol.New(protocol.PresenterStatus{Active: true}))
	bus.Publish("screenshare", protocol.New(protocol.PresenterStatus{Active: false}))

	assert.Equal(t, uint64(1), bus.Dropped())
	ev := <-ch
	assert.Equal(t, protocol.New(protocol.PresenterStatus{Active: true}), ev.Message)
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers())

	_, open := <-ch
	assert.False(t, open, "channel must be closed after cancel")

	// publishing with no subscribers is fine
	bus.Publish("files", protocol.New(protocol.FileAvailable{Filename: "x", Size: 1}))
}
