// Package audit provides the append-only ring buffer of security-relevant
// events: tool calls, permission denials, rate-limit breaches, and timeouts.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/models"
)

// DefaultCapacity is the default ring size.
const DefaultCapacity = 2048

// Log is a bounded FIFO of audit events. Writers only append; reads go
// through the query API.
type Log struct {
	mu    sync.RWMutex
	buf   []models.AuditEvent
	start int
	count int
	sink  func(models.AuditEvent) error
}

// NewLog creates an audit log with the given capacity (DefaultCapacity if
// capacity <= 0).
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]models.AuditEvent, capacity)}
}

// Record appends one event, dropping the oldest entry when full. Missing
// id/timestamp fields are filled in. Returns the stored event.
func (l *Log) Record(evt models.AuditEvent) models.AuditEvent {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	l.mu.Lock()
	if l.count < len(l.buf) {
		l.buf[(l.start+l.count)%len(l.buf)] = evt
		l.count++
	} else {
		l.buf[l.start] = evt
		l.start = (l.start + 1) % len(l.buf)
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		_ = sink(evt)
	}
	return evt
}

// Attach registers a sink called for every recorded event, typically the
// JSONL persister. Sink failures do not block recording.
func (l *Log) Attach(sink func(models.AuditEvent) error) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// Query returns events matching taskID (all tasks if empty), newest last,
// capped at limit (uncapped if limit <= 0).
func (l *Log) Query(taskID string, limit int) []models.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditEvent, 0, l.count)
	for i := 0; i < l.count; i++ {
		evt := l.buf[(l.start+i)%len(l.buf)]
		if taskID != "" && evt.TaskID != taskID {
			continue
		}
		out = append(out, evt)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
