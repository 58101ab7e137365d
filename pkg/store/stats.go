package store

import (
	"sort"
	"time"

	"github.com/maestro-run/maestro/pkg/models"
)

// FailureReason is one aggregated failure cause.
type FailureReason struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// AgentWindowMetrics aggregates one agent's outcomes over a time window.
// EstimatedCost is carried through the contract but reported as 0 until a
// cost model exists.
type AgentWindowMetrics struct {
	AgentID            string          `json:"agentId"`
	WindowHours        float64         `json:"windowHours"`
	Total              int             `json:"total"`
	Succeeded          int             `json:"succeeded"`
	Failed             int             `json:"failed"`
	Cancelled          int             `json:"cancelled"`
	SuccessRatePercent float64         `json:"successRatePercent"`
	AvgExecutionTimeMs float64         `json:"avgExecutionTimeMs"`
	TopFailureReasons  []FailureReason `json:"topFailureReasons"`
	EstimatedCost      float64         `json:"estimatedCost"`
}

// topFailureReasonCap bounds the reasons list per agent.
const topFailureReasonCap = 3

// AgentStats aggregates one agent's records within the window (all time if
// window <= 0).
func (s *TaskStore) AgentStats(agentID string, window time.Duration) AgentWindowMetrics {
	return s.aggregate(window)[agentID]
}

// MetricsByAgent aggregates every agent observed within the window, sorted
// by agent id.
func (s *TaskStore) MetricsByAgent(window time.Duration) []AgentWindowMetrics {
	byAgent := s.aggregate(window)
	out := make([]AgentWindowMetrics, 0, len(byAgent))
	for _, m := range byAgent {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (s *TaskStore) aggregate(window time.Duration) map[string]AgentWindowMetrics {
	cutoff := time.Time{}
	windowHours := 0.0
	if window > 0 {
		cutoff = time.Now().Add(-window)
		windowHours = window.Hours()
	}

	type acc struct {
		metrics AgentWindowMetrics
		totalMs int64
		counted int
		reasons map[string]int
	}

	s.mu.RLock()
	accs := make(map[string]*acc)
	for _, rec := range s.tasks {
		if rec.AgentID == "" || !rec.Status.Terminal() {
			continue
		}
		if !cutoff.IsZero() && rec.StartedAt.Before(cutoff) {
			continue
		}
		a := accs[rec.AgentID]
		if a == nil {
			a = &acc{
				metrics: AgentWindowMetrics{AgentID: rec.AgentID, WindowHours: windowHours},
				reasons: make(map[string]int),
			}
			accs[rec.AgentID] = a
		}
		a.metrics.Total++
		switch rec.Status {
		case models.StatusCompleted:
			a.metrics.Succeeded++
		case models.StatusFailed:
			a.metrics.Failed++
			if rec.Error != "" {
				a.reasons[rec.Error]++
			}
		case models.StatusCancelled:
			a.metrics.Cancelled++
		}
		if rec.DurationMs > 0 {
			a.totalMs += rec.DurationMs
			a.counted++
		}
	}
	s.mu.RUnlock()

	out := make(map[string]AgentWindowMetrics, len(accs))
	for id, a := range accs {
		if a.metrics.Total > 0 {
			a.metrics.SuccessRatePercent = float64(a.metrics.Succeeded) / float64(a.metrics.Total) * 100
		}
		if a.counted > 0 {
			a.metrics.AvgExecutionTimeMs = float64(a.totalMs) / float64(a.counted)
		}
		a.metrics.TopFailureReasons = topReasons(a.reasons)
		out[id] = a.metrics
	}
	return out
}

func topReasons(reasons map[string]int) []FailureReason {
	out := make([]FailureReason, 0, len(reasons))
	for reason, count := range reasons {
		out = append(out, FailureReason{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > topFailureReasonCap {
		out = out[:topFailureReasonCap]
	}
	return out
}
