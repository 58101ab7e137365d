// Package behavior provides the optional per-task state machine: named
// states, guarded transitions, and enter/exit hooks.
package behavior

import (
	"fmt"
	"sync"
)

// Guard decides whether a transition may fire, given the task's variables.
type Guard func(vars map[string]any) bool

// Hook runs on state entry or exit.
type Hook func(state string, vars map[string]any)

// Transition is one edge of the machine.
type Transition struct {
	From  string
	Event string
	To    string
	Guard Guard // nil means unconditional
}

// Machine is a single task's state machine. Safe for concurrent use.
type Machine struct {
	mu          sync.Mutex
	state       string
	transitions []Transition
	onEnter     map[string][]Hook
	onExit      map[string][]Hook
}

// New creates a machine in the initial state.
func New(initial string) *Machine {
	return &Machine{
		state:   initial,
		onEnter: make(map[string][]Hook),
		onExit:  make(map[string][]Hook),
	}
}

// AddTransition registers one edge.
func (m *Machine) AddTransition(t Transition) {
	m.mu.Lock()
	m.transitions = append(m.transitions, t)
	m.mu.Unlock()
}

// OnEnter registers a hook fired after entering state.
func (m *Machine) OnEnter(state string, hook Hook) {
	m.mu.Lock()
	m.onEnter[state] = append(m.onEnter[state], hook)
	m.mu.Unlock()
}

// OnExit registers a hook fired before leaving state.
func (m *Machine) OnExit(state string, hook Hook) {
	m.mu.Lock()
	m.onExit[state] = append(m.onExit[state], hook)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies event. The first matching transition whose guard passes wins;
// no match is an error and the state is unchanged. Exit hooks of the old
// state run before enter hooks of the new one.
func (m *Machine) Fire(event string, vars map[string]any) (string, error) {
	m.mu.Lock()
	from := m.state
	var picked *Transition
	for i := range m.transitions {
		t := &m.transitions[i]
		if t.From != from || t.Event != event {
			continue
		}
		if t.Guard != nil && !t.Guard(vars) {
			continue
		}
		picked = t
		break
	}
	if picked == nil {
		m.mu.Unlock()
		return from, fmt.Errorf("no transition for event %q from state %q", event, from)
	}
	m.state = picked.To
	exits := append([]Hook(nil), m.onExit[from]...)
	enters := append([]Hook(nil), m.onEnter[picked.To]...)
	m.mu.Unlock()

	for _, hook := range exits {
		hook(from, vars)
	}
	for _, hook := range enters {
		hook(picked.To, vars)
	}
	return picked.To, nil
}

// Can reports whether event could fire from the current state.
func (m *Machine) Can(event string, vars map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.transitions {
		t := &m.transitions[i]
		if t.From != m.state || t.Event != event {
			continue
		}
		if t.Guard == nil || t.Guard(vars) {
			return true
		}
	}
	return false
}
