package agent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// loadAlpha is the EWMA smoothing factor for per-agent load tracking.
// loadFull is the concurrent-task count that maps to a load score of 100.
const (
	loadAlpha = 0.3
	loadFull  = 8.0
)

// ErrUnknownAgent is returned when an operation names an agent id that is not
// registered.
var ErrUnknownAgent = fmt.Errorf("unknown agent")

type agentState struct {
	agent    *Agent
	active   int     // currently executing tasks
	ewmaLoad float64 // smoothed active count
	started  int64
	finished int64
	failed   int64
}

// Registry is the process-wide set of registered agents. Registration is
// idempotent per (id, version): re-registering the same version is a no-op,
// a new version replaces the handler in place.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentState
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*agentState),
		logger: logger.With("component", "agent_registry"),
	}
}

// Register adds or updates an agent. Returns true when the registration
// changed the registry (new agent or new version), false when it was an
// idempotent repeat.
func (r *Registry) Register(a *Agent) (bool, error) {
	if a == nil || a.ID == "" {
		return false, fmt.Errorf("agent requires an id")
	}
	if a.Handler == nil {
		return false, fmt.Errorf("agent %q requires a handler", a.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[a.ID]; ok {
		if st.agent.Version == a.Version {
			return false, nil
		}
		r.logger.Info("Agent updated", "agent_id", a.ID, "version", a.Version)
		st.agent = a
		return true, nil
	}
	r.agents[a.ID] = &agentState{agent: a}
	r.logger.Info("Agent registered", "agent_id", a.ID, "type", a.Type, "version", a.Version)
	return true, nil
}

// Unregister removes an agent. In-flight tasks on that agent are unaffected.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	r.logger.Info("Agent unregistered", "agent_id", id)
	return true
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return st.agent, true
}

// List returns all registered agents sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, st.agent)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered agent ids sorted.
func (r *Registry) IDs() []string {
	agents := r.List()
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

// MarkStarted records that a task began executing on the agent and bumps its
// load estimate.
func (r *Registry) MarkStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[id]
	if !ok {
		return
	}
	st.active++
	st.started++
	st.ewmaLoad = loadAlpha*float64(st.active) + (1-loadAlpha)*st.ewmaLoad
}

// MarkFinished records a task outcome on the agent and decays its load
// estimate.
func (r *Registry) MarkFinished(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[id]
	if !ok {
		return
	}
	if st.active > 0 {
		st.active--
	}
	st.finished++
	if !success {
		st.failed++
	}
	st.ewmaLoad = loadAlpha*float64(st.active) + (1-loadAlpha)*st.ewmaLoad
}

// LoadScore returns the agent's smoothed load normalized to 0..100.
func (r *Registry) LoadScore(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[id]
	if !ok {
		return 0
	}
	score := st.ewmaLoad / loadFull * 100
	if score > 100 {
		score = 100
	}
	return score
}

// Active returns the number of tasks currently executing on the agent.
func (r *Registry) Active(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.agents[id]; ok {
		return st.active
	}
	return 0
}

// SuccessRate returns the agent's completed-task success ratio in 0..1.
// Agents with no finished tasks report 1.0 so that fresh agents are not
// penalized during selection.
func (r *Registry) SuccessRate(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[id]
	if !ok || st.finished == 0 {
		return 1.0
	}
	return float64(st.finished-st.failed) / float64(st.finished)
}

// Stats is a point-in-time view of one agent's counters.
type Stats struct {
	AgentID     string  `json:"agent_id"`
	Active      int     `json:"active"`
	Started     int64   `json:"started"`
	Finished    int64   `json:"finished"`
	Failed      int64   `json:"failed"`
	LoadScore   float64 `json:"load_score"`
	SuccessRate float64 `json:"success_rate"`
}

// StatsSnapshot returns per-agent counters for every registered agent,
// sorted by id.
func (r *Registry) StatsSnapshot() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.agents))
	for id, st := range r.agents {
		score := st.ewmaLoad / loadFull * 100
		if score > 100 {
			score = 100
		}
		rate := 1.0
		if st.finished > 0 {
			rate = float64(st.finished-st.failed) / float64(st.finished)
		}
		out = append(out, Stats{
			AgentID:     id,
			Active:      st.active,
			Started:     st.started,
			Finished:    st.finished,
			Failed:      st.failed,
			LoadScore:   score,
			SuccessRate: rate,
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
