// Package store holds the canonical task records: the single source of truth
// for external task identity, conversation linkage, and history queries.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrNotFound          = errors.New("task not found")
	ErrTaskRunning       = errors.New("task is still running")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStore owns the task records. All mutations are serialized per store,
// which also serializes status transitions per task. Every status change is
// projected onto the event bus and appended to the persistence log.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.TaskRecord

	bus     *events.Bus
	persist *Persister
	logger  *slog.Logger
}

// NewTaskStore creates a store. bus and persist may be nil in tests.
func NewTaskStore(bus *events.Bus, persist *Persister, logger *slog.Logger) *TaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskStore{
		tasks:   make(map[string]*models.TaskRecord),
		bus:     bus,
		persist: persist,
		logger:  logger.With("component", "task_store"),
	}
}

// Seed inserts records read from the persistence log without publishing
// events or re-persisting. Startup only.
func (s *TaskStore) Seed(records []*models.TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		s.tasks[rec.ID] = rec.Clone()
	}
}

// Create registers a new record. Reusing an id is allowed only when the prior
// run reached a terminal state; an active id yields ErrTaskRunning.
func (s *TaskStore) Create(rec *models.TaskRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("task record requires an id")
	}
	cp := rec.Clone()
	if cp.Status == "" {
		cp.Status = models.StatusQueued
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}

	s.mu.Lock()
	if prev, exists := s.tasks[cp.ID]; exists && !prev.Status.Terminal() {
		s.mu.Unlock()
		return ErrTaskRunning
	}
	s.tasks[cp.ID] = cp
	s.mu.Unlock()

	s.logger.Info("Task created", "task_id", cp.ID, "agent", cp.AgentID, "status", string(cp.Status))
	s.project(cp)
	s.append(cp)
	return nil
}

// Get returns a copy of the record.
func (s *TaskStore) Get(id string) (*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update applies mutate to the record under the store lock. Status changes
// are validated against the lifecycle and projected to the bus.
func (s *TaskStore) Update(id string, mutate func(*models.TaskRecord)) (*models.TaskRecord, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	before := rec.Status
	mutate(rec)
	attempted := rec.Status
	if attempted != before && !before.CanTransitionTo(attempted) {
		rec.Status = before
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before, attempted)
	}
	statusChanged := rec.Status != before
	cp := rec.Clone()
	s.mu.Unlock()

	if statusChanged {
		s.project(cp)
	}
	s.append(cp)
	return cp, nil
}

// UpdateStatus transitions the record to status.
func (s *TaskStore) UpdateStatus(id string, status models.Status) (*models.TaskRecord, error) {
	return s.Update(id, func(rec *models.TaskRecord) { rec.Status = status })
}

// Link sets the record's conversation id.
func (s *TaskStore) Link(id, conversationID string) error {
	_, err := s.Update(id, func(rec *models.TaskRecord) { rec.ConversationID = conversationID })
	return err
}

// CanonicalConversationID resolves the thread id for a task: its stored
// conversation id, or its own id when it starts a thread.
func (s *TaskStore) CanonicalConversationID(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tasks[id]
	if !ok {
		return "", ErrNotFound
	}
	if rec.ConversationID != "" {
		return rec.ConversationID, nil
	}
	return rec.ID, nil
}

// Conversation returns the thread's records ordered by start time.
func (s *TaskStore) Conversation(conversationID string) []*models.TaskRecord {
	s.mu.RLock()
	out := make([]*models.TaskRecord, 0, 4)
	for _, rec := range s.tasks {
		if rec.ConversationID == conversationID || rec.ID == conversationID {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Delete removes the task. A task linked into a conversation cascades to
// every record of the thread. Returns the deleted ids.
func (s *TaskStore) Delete(id string) ([]string, error) {
	s.mu.Lock()
	rec, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	convID := rec.ConversationID
	if convID == "" {
		convID = rec.ID
	}
	deleted := make([]string, 0, 2)
	for tid, r := range s.tasks {
		if tid == id || r.ConversationID == convID || r.ID == convID {
			delete(s.tasks, tid)
			deleted = append(deleted, tid)
		}
	}
	s.mu.Unlock()

	sort.Strings(deleted)
	s.logger.Info("Task deleted", "task_id", id, "cascade_count", len(deleted))
	return deleted, nil
}

// PruneBefore removes terminal records whose task started before cutoff.
// Active records are never pruned regardless of age. Returns the removed ids.
func (s *TaskStore) PruneBefore(cutoff time.Time) []string {
	s.mu.Lock()
	pruned := make([]string, 0, 8)
	for id, rec := range s.tasks {
		if rec.Status.Terminal() && rec.StartedAt.Before(cutoff) {
			delete(s.tasks, id)
			pruned = append(pruned, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(pruned)
	return pruned
}

// Clear removes all records.
func (s *TaskStore) Clear() int {
	s.mu.Lock()
	n := len(s.tasks)
	s.tasks = make(map[string]*models.TaskRecord)
	s.mu.Unlock()
	return n
}

// List returns records sorted by startedAt (descending by default), capped
// at limit (uncapped if limit <= 0). sortOrder "asc" reverses.
func (s *TaskStore) List(limit int, sortOrder string) []*models.TaskRecord {
	s.mu.RLock()
	out := make([]*models.TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	asc := strings.EqualFold(sortOrder, "asc")
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active returns non-terminal records sorted by startedAt ascending.
func (s *TaskStore) Active() []*models.TaskRecord {
	s.mu.RLock()
	out := make([]*models.TaskRecord, 0, 8)
	for _, rec := range s.tasks {
		if !rec.Status.Terminal() {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of records.
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// project pushes a status-change projection onto the bus.
func (s *TaskStore) project(rec *models.TaskRecord) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    statusEventType(rec.Status),
		TaskID:  rec.ID,
		AgentID: rec.AgentID,
		Data: map[string]any{
			"status":   string(rec.Status),
			"progress": rec.Progress,
			"task":     rec,
		},
	})
}

func (s *TaskStore) append(rec *models.TaskRecord) {
	if s.persist == nil {
		return
	}
	if err := s.persist.AppendTask(rec); err != nil {
		s.logger.Error("Failed to persist task record", "task_id", rec.ID, "error", err)
	}
}

func statusEventType(status models.Status) string {
	switch status {
	case models.StatusQueued:
		return events.EventTaskQueued
	case models.StatusPending:
		return events.EventTaskProgress
	case models.StatusInProgress:
		return events.EventTaskStarted
	case models.StatusCompleted:
		return events.EventTaskCompleted
	case models.StatusFailed:
		return events.EventTaskFailed
	case models.StatusCancelled:
		return events.EventTaskCancelled
	}
	return events.EventTaskProgress
}
