package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains up to n events from sub, failing the test on timeout.
func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case evt := <-sub.Events():
			out = append(out, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe(Filter{})
	taskOnly := bus.Subscribe(Filter{TaskID: "t-1"})
	typed := bus.Subscribe(Filter{Types: []string{EventToolCalled}})
	defer all.Close()
	defer taskOnly.Close()
	defer typed.Close()

	bus.Publish(Event{Type: EventTaskStarted, TaskID: "t-1"})
	bus.Publish(Event{Type: EventToolCalled, TaskID: "t-2"})

	got := collect(t, all, 2)
	assert.Equal(t, EventTaskStarted, got[0].Type)
	assert.Equal(t, EventToolCalled, got[1].Type)

	got = collect(t, taskOnly, 1)
	assert.Equal(t, "t-1", got[0].TaskID)

	got = collect(t, typed, 1)
	assert.Equal(t, EventToolCalled, got[0].Type)
}

func TestPublishFillsIDAndTimestamp(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{})
	defer sub.Close()

	bus.Publish(Event{Type: EventTaskProgress, TaskID: "t-1"})
	evt := collect(t, sub, 1)[0]
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestPerTaskOrderingPreserved(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{TaskID: "t-1"})
	defer sub.Close()

	for i := 0; i < 20; i++ {
		bus.Publish(Event{Type: EventTaskProgress, TaskID: "t-1", Data: map[string]any{"seq": i}})
	}

	got := collect(t, sub, 20)
	for i, evt := range got {
		assert.Equal(t, i, evt.Data["seq"])
	}
}

func TestLateSubscriberReceivesReplay(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: EventTaskStarted, TaskID: "t-1"})
	bus.Publish(Event{Type: EventTaskProgress, TaskID: "t-1"})

	sub := bus.Subscribe(Filter{TaskID: "t-1"})
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, EventTaskStarted, got[0].Type)
	assert.Equal(t, EventTaskProgress, got[1].Type)
}

func TestReplayBufferBounded(t *testing.T) {
	bus := NewBus()
	for i := 0; i < replayBufferSize+25; i++ {
		bus.Publish(Event{Type: EventTaskProgress, TaskID: "t-1", Data: map[string]any{"seq": i}})
	}

	evts := bus.Replay("t-1", 0)
	require.Len(t, evts, replayBufferSize)
	// Oldest entries dropped FIFO: the first retained event is seq 25.
	assert.Equal(t, 25, evts[0].Data["seq"])
}

func TestReplayLimit(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTaskProgress, TaskID: "t-1", Data: map[string]any{"seq": i}})
	}
	evts := bus.Replay("t-1", 3)
	require.Len(t, evts, 3)
	assert.Equal(t, 7, evts[0].Data["seq"])
}

func TestCloseUnsubscribes(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(Filter{})
	assert.Equal(t, 1, bus.Subscribers())
	sub.Close()
	assert.Equal(t, 0, bus.Subscribers())
	// Double close must not panic.
	assert.NotPanics(t, sub.Close)
}

func TestDropTaskDiscardsReplay(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Type: EventTaskStarted, TaskID: "t-1"})
	bus.DropTask("t-1")
	assert.Empty(t, bus.Replay("t-1", 0))
}
