// Package replay provides the per-task append-only log of model and tool
// invocations, and the deterministic replayer built on top of it.
package replay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maestro-run/maestro/pkg/models"
)

// DefaultPerTaskCapacity bounds the number of events kept per task.
const DefaultPerTaskCapacity = 512

// taskLogCap bounds how many task ids keep a live log; beyond the cap the
// least-recently-written task's log is evicted.
const taskLogCap = 1024

// Store holds per-task replay logs. Append-only from the component
// perspective; reads go through the query API.
type Store struct {
	mu         sync.RWMutex
	logs       *lru.Cache[string, *taskLog]
	perTaskCap int
	sink       func(models.ReplayEvent) error
}

type taskLog struct {
	events []models.ReplayEvent
}

// NewStore creates a replay store. perTaskCap <= 0 uses the default.
func NewStore(perTaskCap int) *Store {
	if perTaskCap <= 0 {
		perTaskCap = DefaultPerTaskCapacity
	}
	cache, _ := lru.New[string, *taskLog](taskLogCap)
	return &Store{logs: cache, perTaskCap: perTaskCap}
}

// Append records one invocation. Missing id/timing fields are filled in.
// When a task's log is full the oldest entry drops FIFO.
func (s *Store) Append(evt models.ReplayEvent) models.ReplayEvent {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.CompletedAt.IsZero() {
		evt.CompletedAt = time.Now()
	}
	if evt.StartedAt.IsZero() {
		evt.StartedAt = evt.CompletedAt
	}
	if evt.DurationMs == 0 {
		evt.DurationMs = evt.CompletedAt.Sub(evt.StartedAt).Milliseconds()
	}

	s.mu.Lock()
	log, ok := s.logs.Get(evt.TaskID)
	if !ok {
		log = &taskLog{}
		s.logs.Add(evt.TaskID, log)
	}
	log.events = append(log.events, evt)
	if len(log.events) > s.perTaskCap {
		log.events = log.events[len(log.events)-s.perTaskCap:]
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		_ = sink(evt)
	}
	return evt
}

// Attach registers a sink called for every appended event, typically the
// JSONL persister. Sink failures do not block appends.
func (s *Store) Attach(sink func(models.ReplayEvent) error) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Query returns up to limit events for taskID in append order (all if
// limit <= 0).
func (s *Store) Query(taskID string, limit int) []models.ReplayEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs.Get(taskID)
	if !ok {
		return nil
	}
	evts := append([]models.ReplayEvent(nil), log.events...)
	if limit > 0 && len(evts) > limit {
		evts = evts[len(evts)-limit:]
	}
	return evts
}

// DropTask discards the log for taskID. Called when a task record is deleted.
func (s *Store) DropTask(taskID string) {
	s.mu.Lock()
	s.logs.Remove(taskID)
	s.mu.Unlock()
}
