// Package sched provides the admission queue, the rule-based task
// classifier, and agent selection.
package sched

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/events"
)

// AgentLoad is one agent's load reading in the scheduler status payload.
type AgentLoad struct {
	AgentID   string  `json:"agentId"`
	LoadScore float64 `json:"loadScore"`
}

// Status is the payload behind /api/scheduler/status.
type Status struct {
	QueuedTasks int         `json:"queuedTasks"`
	AvgLoad     float64     `json:"avgLoad"`
	Agents      []AgentLoad `json:"agents"`
}

// Selection records how an agent was chosen for a task.
type Selection struct {
	AgentID         string
	Reason          string
	ManuallyPicked  bool
	TaskTypeLabel   string
	AvailableAgents []string
}

// Scheduler keeps the FIFO admission queue and answers agent selection. The
// orchestrator's dispatcher drains the queue as slots free up.
type Scheduler struct {
	mu    sync.Mutex
	queue []string
	ready chan struct{}

	agents *agent.Registry
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a scheduler over the agent registry.
func New(agents *agent.Registry, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ready:  make(chan struct{}, 1),
		agents: agents,
		bus:    bus,
		logger: logger.With("component", "scheduler"),
	}
}

// Enqueue admits a task id to the FIFO queue and returns the new depth.
func (s *Scheduler) Enqueue(taskID string) int {
	s.mu.Lock()
	s.queue = append(s.queue, taskID)
	depth := len(s.queue)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	s.publishDepth(depth)
	return depth
}

// Dequeue pops the oldest queued task id.
func (s *Scheduler) Dequeue() (string, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return "", false
	}
	taskID := s.queue[0]
	s.queue = s.queue[1:]
	depth := len(s.queue)
	s.mu.Unlock()

	s.publishDepth(depth)
	return taskID, true
}

// Remove drops a queued task id (cancellation before dispatch). Reports
// whether it was queued.
func (s *Scheduler) Remove(taskID string) bool {
	s.mu.Lock()
	idx := slices.Index(s.queue, taskID)
	if idx >= 0 {
		s.queue = slices.Delete(s.queue, idx, idx+1)
	}
	depth := len(s.queue)
	s.mu.Unlock()

	if idx >= 0 {
		s.publishDepth(depth)
	}
	return idx >= 0
}

// Ready returns a channel signalled whenever work is enqueued.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Depth returns the current queue depth.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SchedulerStatus assembles the queue depth and per-agent load readings.
func (s *Scheduler) SchedulerStatus() Status {
	ids := s.agents.IDs()
	st := Status{
		QueuedTasks: s.Depth(),
		Agents:      make([]AgentLoad, 0, len(ids)),
	}
	total := 0.0
	for _, id := range ids {
		score := s.agents.LoadScore(id)
		st.Agents = append(st.Agents, AgentLoad{AgentID: id, LoadScore: score})
		total += score
	}
	if len(ids) > 0 {
		st.AvgLoad = total / float64(len(ids))
	}
	return st
}

// SelectAgent resolves the agent for a submission. A requested id wins when
// it exists; otherwise registered agents are ranked by classifier-derived
// tag suitability, then success rate, then inverse load.
func (s *Scheduler) SelectAgent(input, requestedAgent string) (Selection, error) {
	label := ClassifyInput(input)
	available := s.agents.IDs()

	if requestedAgent != "" {
		if _, ok := s.agents.Get(requestedAgent); !ok {
			return Selection{}, fmt.Errorf("agent %q not found", requestedAgent)
		}
		return Selection{
			AgentID:         requestedAgent,
			Reason:          "manually selected by client",
			ManuallyPicked:  true,
			TaskTypeLabel:   label,
			AvailableAgents: available,
		}, nil
	}
	if len(available) == 0 {
		return Selection{}, fmt.Errorf("no agents registered")
	}

	type candidate struct {
		id      string
		tagHits int
		success float64
		load    float64
	}
	wanted := labelTags[label]
	cands := make([]candidate, 0, len(available))
	for _, id := range available {
		a, _ := s.agents.Get(id)
		hits := 0
		for _, tag := range a.Tags {
			if slices.Contains(wanted, tag) {
				hits++
			}
		}
		cands = append(cands, candidate{
			id:      id,
			tagHits: hits,
			success: s.agents.SuccessRate(id),
			load:    s.agents.LoadScore(id),
		})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].tagHits != cands[j].tagHits {
			return cands[i].tagHits > cands[j].tagHits
		}
		if cands[i].success != cands[j].success {
			return cands[i].success > cands[j].success
		}
		if cands[i].load != cands[j].load {
			return cands[i].load < cands[j].load
		}
		return cands[i].id < cands[j].id
	})

	best := cands[0]
	sel := Selection{
		AgentID:         best.id,
		TaskTypeLabel:   label,
		AvailableAgents: available,
		Reason: fmt.Sprintf("ranked first for label %q (tag hits %d, success rate %.0f%%, load %.0f)",
			label, best.tagHits, best.success*100, best.load),
	}
	s.logger.Debug("Agent selected", "agent_id", sel.AgentID, "label", label, "reason", sel.Reason)

	s.bus.Publish(events.Event{
		Type:    events.EventAgentSelected,
		AgentID: sel.AgentID,
		Data:    map[string]any{"label": label, "reason": sel.Reason},
	})
	return sel, nil
}

func (s *Scheduler) publishDepth(depth int) {
	s.bus.Publish(events.Event{
		Type: events.EventSchedulerQueue,
		Data: map[string]any{"queue_depth": depth},
	})
}
