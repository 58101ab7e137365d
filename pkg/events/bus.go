package events

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// replayBufferSize is the number of most-recent events retained per task id
// for late-subscriber catchup.
const replayBufferSize = 50

// replayTaskCap bounds how many task ids keep a live replay buffer. Beyond
// the cap the least-recently-published task's buffer is evicted.
const replayTaskCap = 1024

// subscriptionBuffer is the per-subscription channel capacity. A subscriber
// that falls further behind than this loses events (at-most-once delivery).
const subscriptionBuffer = 256

// Filter selects which events a subscription receives. Zero value matches
// everything.
type Filter struct {
	TaskID string
	Types  []string
}

func (f Filter) matches(evt Event) bool {
	if f.TaskID != "" && evt.TaskID != f.TaskID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, evt.Type) {
		return false
	}
	return true
}

// Subscription is one registered listener. Events arrive on Events() until
// Close is called.
type Subscription struct {
	id     string
	ch     chan Event
	filter Filter
	bus    *Bus
	once   sync.Once
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
		close(s.ch)
	})
}

// Bus is the in-process publish/subscribe hub, keyed by task id.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	// Per-task replay rings, LRU-bounded over task ids.
	replay *lru.Cache[string, *replayRing]
}

// NewBus creates an event bus.
func NewBus() *Bus {
	cache, _ := lru.New[string, *replayRing](replayTaskCap)
	return &Bus{
		subs:   make(map[string]*Subscription),
		replay: cache,
	}
}

// Publish delivers evt to every matching subscription and appends it to the
// task's replay buffer. Missing id/timestamp fields are filled in. Per-task
// ordering follows publish order; a slow subscriber drops events rather than
// blocking the publisher.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	if evt.TaskID != "" {
		ring, ok := b.replay.Get(evt.TaskID)
		if !ok {
			ring = newReplayRing(replayBufferSize)
			b.replay.Add(evt.TaskID, ring)
		}
		ring.append(evt)
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(evt) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			slog.Debug("Dropping event for slow subscriber",
				"subscription_id", sub.id, "event_type", evt.Type, "task_id", evt.TaskID)
		}
	}
}

// Subscribe registers a listener. If the filter names a task id, the task's
// buffered events are replayed into the channel before any live event, so a
// late subscriber sees the recent history in order.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.New().String(),
		ch:     make(chan Event, subscriptionBuffer),
		filter: filter,
		bus:    b,
	}

	b.mu.Lock()
	if filter.TaskID != "" {
		if ring, ok := b.replay.Get(filter.TaskID); ok {
			for _, evt := range ring.snapshot() {
				if filter.matches(evt) {
					sub.ch <- evt
				}
			}
		}
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

// Replay returns up to limit buffered events for taskID, oldest first. A
// limit <= 0 returns the full buffer.
func (b *Bus) Replay(taskID string, limit int) []Event {
	b.mu.RLock()
	ring, ok := b.replay.Get(taskID)
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	evts := ring.snapshot()
	if limit > 0 && len(evts) > limit {
		evts = evts[len(evts)-limit:]
	}
	return evts
}

// DropTask discards the replay buffer for taskID. Called when a task record
// is deleted.
func (b *Bus) DropTask(taskID string) {
	b.mu.Lock()
	b.replay.Remove(taskID)
	b.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// replayRing is a fixed-capacity FIFO of the most recent events for one task.
// Synchronized by the bus mutex.
type replayRing struct {
	buf   []Event
	start int
	count int
}

func newReplayRing(capacity int) *replayRing {
	return &replayRing{buf: make([]Event, capacity)}
}

func (r *replayRing) append(evt Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = evt
		r.count++
		return
	}
	r.buf[r.start] = evt
	r.start = (r.start + 1) % len(r.buf)
}

func (r *replayRing) snapshot() []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
