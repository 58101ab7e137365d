// Package models defines the shared data model: task records, workflow
// trees, audit/replay events, and the error taxonomy exposed over HTTP.
package models

// Status is the lifecycle state of a task record.
type Status string

// Task lifecycle states. Transitions are monotonic: once a task reaches a
// terminal state it never reverts.
const (
	StatusQueued     Status = "queued"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// statusRank orders states along the lifecycle. Terminal states share the
// highest rank so that no terminal state can replace another.
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusPending:    1,
	StatusInProgress: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
	StatusCancelled:  3,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the transition s → next respects the
// monotonic lifecycle. Self-transitions are allowed for non-terminal states
// (progress updates re-assert the current status).
func (s Status) CanTransitionTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	return statusRank[next] >= statusRank[s]
}
