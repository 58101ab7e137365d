// Package taskctx provides per-task execution contexts: a variable bag, an
// ordered step history, and deadline tracking with parent inheritance.
package taskctx

import (
	"sync"
	"time"
)

// Step is one entry of a context's execution history.
type Step struct {
	Timestamp  time.Time `json:"timestamp"`
	AgentID    string    `json:"agent_id,omitempty"`
	Action     string    `json:"action"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// ExecutionContext is the per-task state consumed by the executor and agents.
// The variable map is owned by its task; cross-task reads go through the
// store, never by peeking into another task's context.
type ExecutionContext struct {
	TaskID       string
	AgentID      string
	ParentTaskID string
	Depth        int
	StartTime    time.Time

	mu        sync.RWMutex
	variables map[string]any
	steps     []Step
	deadline  time.Time
}

// SetVariable stores a value under name.
func (c *ExecutionContext) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variable reads one value.
func (c *ExecutionContext) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// Variables returns a snapshot of the variable map.
func (c *ExecutionContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Steps returns a snapshot of the step history, in append order.
func (c *ExecutionContext) Steps() []Step {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Step(nil), c.steps...)
}

// SetDeadline sets the absolute wall-clock deadline.
func (c *ExecutionContext) SetDeadline(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
}

// Deadline returns the deadline and whether one is set.
func (c *ExecutionContext) Deadline() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deadline, !c.deadline.IsZero()
}

// WithinDeadline reports whether the deadline (if any) has not yet passed.
// Pure read; the executor refuses to launch further children once false.
func (c *ExecutionContext) WithinDeadline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deadline.IsZero() || time.Now().Before(c.deadline)
}

// Manager owns the process-wide set of execution contexts, keyed by task id.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
}

// NewManager creates an empty context manager.
func NewManager() *Manager {
	return &Manager{contexts: make(map[string]*ExecutionContext)}
}

// Create registers a fresh context for taskID. If parentTaskID names a known
// context, the child inherits a snapshot of the parent's variables at the
// time of the call and depth = parent depth + 1. A child also inherits the
// parent's deadline; a tighter own deadline may be set afterwards.
func (m *Manager) Create(taskID, agentID, parentTaskID string) *ExecutionContext {
	ctx := &ExecutionContext{
		TaskID:       taskID,
		AgentID:      agentID,
		ParentTaskID: parentTaskID,
		StartTime:    time.Now(),
		variables:    make(map[string]any),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if parent, ok := m.contexts[parentTaskID]; ok && parentTaskID != "" {
		ctx.Depth = parent.Depth + 1
		for k, v := range parent.Variables() {
			ctx.variables[k] = v
		}
		if d, set := parent.Deadline(); set {
			ctx.deadline = d
		}
	}
	m.contexts[taskID] = ctx
	return ctx
}

// Get returns the context for taskID.
func (m *Manager) Get(taskID string) (*ExecutionContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.contexts[taskID]
	return ctx, ok
}

// InheritFromParent re-copies the parent's variables into the child with
// snapshot semantics: later parent mutations do not leak into the child.
func (m *Manager) InheritFromParent(childID string) {
	m.mu.RLock()
	child, ok := m.contexts[childID]
	var parent *ExecutionContext
	if ok {
		parent = m.contexts[child.ParentTaskID]
	}
	m.mu.RUnlock()
	if child == nil || parent == nil {
		return
	}
	for k, v := range parent.Variables() {
		child.SetVariable(k, v)
	}
}

// RecordStep appends one history entry to taskID's context. The step's
// duration is measured from the end of the previous step, or from the
// context's StartTime for the first step.
func (m *Manager) RecordStep(taskID, agentID, action string, input, output any, errMsg string) {
	ctx, ok := m.Get(taskID)
	if !ok {
		return
	}

	now := time.Now()
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	prevEnd := ctx.StartTime
	if n := len(ctx.steps); n > 0 {
		prevEnd = ctx.steps[n-1].Timestamp
	}
	ctx.steps = append(ctx.steps, Step{
		Timestamp:  now,
		AgentID:    agentID,
		Action:     action,
		Input:      input,
		Output:     output,
		Error:      errMsg,
		DurationMs: now.Sub(prevEnd).Milliseconds(),
	})
}

// Cleanup removes the per-task state. The executor calls this on every exit
// path when it leaves a task.
func (m *Manager) Cleanup(taskID string) {
	m.mu.Lock()
	delete(m.contexts, taskID)
	m.mu.Unlock()
}

// Count returns the number of live contexts.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
