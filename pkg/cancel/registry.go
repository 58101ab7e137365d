// Package cancel provides the process-wide cancellation registry: one
// cancellation token per task id, with cooperative abort propagation.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AbortError is the error surfaced by any operation interrupted by a task
// abort. Its message always contains "aborted", satisfying the external
// contract that cancellation errors match /abort|cancel/i.
type AbortError struct {
	TaskID string
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s aborted", e.TaskID)
	}
	return fmt.Sprintf("task %s aborted: %s", e.TaskID, e.Reason)
}

// IsAbort reports whether err is (or wraps) an abort.
func IsAbort(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}

// Token is the cancellation token bound to one task id. Abort is cooperative:
// the token's context is cancelled, and every long-running operation must
// observe it and release resources promptly.
type Token struct {
	taskID string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// TaskID returns the task id the token is bound to.
func (t *Token) TaskID() string { return t.taskID }

// Context returns the token's context. Handlers and tools derive their I/O
// contexts from it so abort crosses async boundaries.
func (t *Token) Context() context.Context { return t.ctx }

// Done returns a channel closed when the token is aborted.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Aborted reports whether the token has fired.
func (t *Token) Aborted() bool { return t.ctx.Err() != nil }

// Err returns the AbortError if the token has fired, nil otherwise.
func (t *Token) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(t.ctx)
	if IsAbort(cause) {
		return cause
	}
	return &AbortError{TaskID: t.taskID, Reason: cause.Error()}
}

// Reason returns the abort reason, or "" if the token has not fired.
func (t *Token) Reason() string {
	var abortErr *AbortError
	if errors.As(context.Cause(t.ctx), &abortErr) {
		return abortErr.Reason
	}
	return ""
}

// Registry maps task ids to cancellation tokens. Tokens are created lazily on
// first use and removed when the task reaches a terminal state.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// GetOrCreate returns the token for taskID, creating one if absent. A retry
// that reuses a task id must not inherit an already-aborted token: if the
// stored token has fired, it is replaced with a fresh one.
func (r *Registry) GetOrCreate(taskID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.tokens[taskID]; ok && !tok.Aborted() {
		return tok
	}
	ctx, cancelFn := context.WithCancelCause(context.Background())
	tok := &Token{taskID: taskID, ctx: ctx, cancel: cancelFn}
	r.tokens[taskID] = tok
	return tok
}

// Get returns the stored token for taskID, if any.
func (r *Registry) Get(taskID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[taskID]
	return tok, ok
}

// Abort fires the token for taskID with the given reason. Idempotent: firing
// an already-aborted token keeps the original reason. Returns false if no
// token exists for the id.
func (r *Registry) Abort(taskID, reason string) bool {
	r.mu.Lock()
	tok, ok := r.tokens[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	tok.cancel(&AbortError{TaskID: taskID, Reason: reason})
	return true
}

// Cleanup removes the token for taskID. Called when the task reaches a
// terminal state. The token is cancelled so derived contexts are released.
func (r *Registry) Cleanup(taskID string) {
	r.mu.Lock()
	tok, ok := r.tokens[taskID]
	delete(r.tokens, taskID)
	r.mu.Unlock()
	if ok {
		tok.cancel(&AbortError{TaskID: taskID, Reason: "token cleanup"})
	}
}

// Active returns the number of live tokens. Used by health reporting.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// ErrIfAborted returns the token's AbortError if it has fired.
func ErrIfAborted(tok *Token) error {
	if tok == nil {
		return nil
	}
	return tok.Err()
}

// RaceWithAbort runs op and fails fast with the token's AbortError if the
// token fires first. The operation itself is NOT interrupted beyond the
// context cancellation it receives; implementers must propagate ctx into
// any I/O they initiate.
func RaceWithAbort[T any](tok *Token, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ErrIfAborted(tok); err != nil {
		return zero, err
	}

	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		val, err := op(tok.Context())
		ch <- outcome{val, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && tok.Aborted() {
			// The operation failed because the token fired mid-flight;
			// surface the abort, not the underlying cause.
			return zero, tok.Err()
		}
		return out.val, out.err
	case <-tok.Done():
		return zero, tok.Err()
	}
}
