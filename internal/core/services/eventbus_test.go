package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("conv-1")
	defer unsub()

	bus.Publish(Event{Key: "conv-1", Type: "loop.cycle", Data: `{"cycle":1}`})

	select {
	case evt := <-ch:
		assert.Equal(t, EventType("loop.cycle"), evt.Type)
		assert.Equal(t, `{"cycle":1}`, evt.Data)
	case <-time.After(time.Second):
		t.Fatal("expected event was not delivered")
	}
}

func TestEventBusKeyIsolation(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch1, unsub1 := bus.Subscribe("conv-1")
	defer unsub1()
	ch2, unsub2 := bus.Subscribe("conv-2")
	defer unsub2()

	bus.Publish(Event{Key: "conv-1", Type: "loop.finished"})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("subscriber for conv-1 missed its event")
	}

	select {
	case evt := <-ch2:
		t.Fatalf("conv-2 subscriber received foreign event: %+v", evt)
	default:
	}
}

func TestEventBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("conv-1")
	unsub()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Key: "conv-1", Type: "loop.cycle"})
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus(testLogger())

	ch, unsub := bus.Subscribe("conv-1")
	defer unsub()

	// Fill well past the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(Event{Key: "conv-1", Type: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber channel")
	}

	// The buffered events are still readable.
	require.NotEmpty(t, ch)
}
