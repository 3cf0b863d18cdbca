package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus(nil)

	var got []string
	bus.Subscribe(IndexCreated, func(name string, p Payload) {
		got = append(got, p.InstanceID)
	})

	bus.Emit(IndexCreated, Payload{InstanceID: "ws:a"})
	bus.Emit(IndexDestroyed, Payload{InstanceID: "ws:b"}) // different event, not delivered

	require.Len(t, got, 1)
	assert.Equal(t, "ws:a", got[0])
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	bus.SubscribeAll(func(name string, p Payload) { count++ })

	bus.Emit(IndexCreated, Payload{InstanceID: "x"})
	bus.Emit(ProviderAdded, Payload{ProviderID: "p"})

	assert.Equal(t, 2, count)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	unsub := bus.Subscribe(QueryCompleted, func(name string, p Payload) { count++ })

	bus.Emit(QueryCompleted, Payload{InstanceID: "x"})
	unsub()
	bus.Emit(QueryCompleted, Payload{InstanceID: "x"})

	assert.Equal(t, 1, count)
}

func TestBus_SubscriberPanicIsRecovered(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.Subscribe(Error, func(name string, p Payload) { panic("subscriber bug") })
	bus.Subscribe(Error, func(name string, p Payload) { delivered = true })

	// Emitting must not panic, and later subscribers still run.
	assert.NotPanics(t, func() {
		bus.Emit(Error, Payload{InstanceID: "x"})
	})
	assert.True(t, delivered)
}

func TestBus_DeliveryIsSynchronous(t *testing.T) {
	bus := NewBus(nil)

	seen := false
	bus.Subscribe(DocumentAdded, func(name string, p Payload) {
		assert.Equal(t, 2, p.Data["count"])
		seen = true
	})

	bus.Emit(DocumentAdded, Payload{InstanceID: "x", Data: map[string]any{"count": 2}})
	assert.True(t, seen, "handler must have run before Emit returned")
}
