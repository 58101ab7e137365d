// Package learning is the passive outcome observer: it records workflow
// executions and maintains per-agent and per-strategy metrics. It is never
// consulted at dispatch time; recommendations are served read-only.
package learning

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/models"
)

// DefaultCapacity bounds the execution record ring.
const DefaultCapacity = 1000

// Module records execution outcomes and aggregates metrics with the standard
// online mean formula.
type Module struct {
	mu      sync.RWMutex
	records []models.ExecutionRecord
	start   int
	count   int

	agents     map[string]*models.AgentMetrics
	strategies map[string]*models.StrategyMetrics
}

// New creates a learning module (DefaultCapacity if capacity <= 0).
func New(capacity int) *Module {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Module{
		records:    make([]models.ExecutionRecord, capacity),
		agents:     make(map[string]*models.AgentMetrics),
		strategies: make(map[string]*models.StrategyMetrics),
	}
}

// Record ingests one outcome. Missing id/timestamp fields are filled in.
func (m *Module) Record(rec models.ExecutionRecord) models.ExecutionRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count < len(m.records) {
		m.records[(m.start+m.count)%len(m.records)] = rec
		m.count++
	} else {
		m.records[m.start] = rec
		m.start = (m.start + 1) % len(m.records)
	}

	for _, agentID := range rec.AgentIDs {
		am := m.agents[agentID]
		if am == nil {
			am = &models.AgentMetrics{AgentID: agentID}
			m.agents[agentID] = am
		}
		am.Total++
		if rec.Success {
			am.Successes++
		} else {
			am.Failures++
		}
		am.AvgLatencyMs += (float64(rec.ExecutionTime) - am.AvgLatencyMs) / float64(am.Total)
		am.AvgQuality += (rec.QualityScore - am.AvgQuality) / float64(am.Total)
		am.SuccessRate = float64(am.Successes) / float64(am.Total)
	}

	key := strategyKey(rec.Strategy, rec.AgentIDs)
	sm := m.strategies[key]
	if sm == nil {
		sm = &models.StrategyMetrics{Strategy: rec.Strategy, AgentSet: agentSet(rec.AgentIDs)}
		m.strategies[key] = sm
	}
	sm.Total++
	if rec.Success {
		sm.Successes++
	} else {
		sm.Failures++
	}
	sm.AvgLatencyMs += (float64(rec.ExecutionTime) - sm.AvgLatencyMs) / float64(sm.Total)
	sm.AvgQuality += (rec.QualityScore - sm.AvgQuality) / float64(sm.Total)
	sm.SuccessRate = float64(sm.Successes) / float64(sm.Total)
	sm.Score = score(sm)

	return rec
}

// score blends success rate and quality into 0..100, discounted while the
// sample is small.
func score(sm *models.StrategyMetrics) float64 {
	confidence := float64(sm.Total) / float64(sm.Total+3)
	raw := (0.6*sm.SuccessRate + 0.4*sm.AvgQuality) * 100
	if raw > 100 {
		raw = 100
	}
	return raw * confidence
}

// AgentMetrics returns a copy of one agent's aggregates.
func (m *Module) AgentMetrics(agentID string) (models.AgentMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	am, ok := m.agents[agentID]
	if !ok {
		return models.AgentMetrics{}, false
	}
	return *am, true
}

// AllAgentMetrics returns aggregates for every observed agent, sorted by id.
func (m *Module) AllAgentMetrics() []models.AgentMetrics {
	m.mu.RLock()
	out := make([]models.AgentMetrics, 0, len(m.agents))
	for _, am := range m.agents {
		out = append(out, *am)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// StrategyMetrics returns aggregates for one (strategy, agent-set) pair.
func (m *Module) StrategyMetrics(strategy models.Strategy, agentIDs []string) (models.StrategyMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.strategies[strategyKey(strategy, agentIDs)]
	if !ok {
		return models.StrategyMetrics{}, false
	}
	return *sm, true
}

// Recommend returns the best-scoring strategy for the agent set, with its
// score. Falls back to sequential with score 0 when nothing was observed.
func (m *Module) Recommend(agentIDs []string) (models.Strategy, float64) {
	set := agentSet(agentIDs)
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := models.StrategySequential
	bestScore := 0.0
	for _, sm := range m.strategies {
		if sm.AgentSet != set {
			continue
		}
		if sm.Score > bestScore {
			best = sm.Strategy
			bestScore = sm.Score
		}
	}
	return best, bestScore
}

// Records returns the retained execution records, oldest first, capped at
// limit (uncapped if limit <= 0).
func (m *Module) Records(limit int) []models.ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ExecutionRecord, 0, m.count)
	for i := 0; i < m.count; i++ {
		out = append(out, m.records[(m.start+i)%len(m.records)])
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func agentSet(agentIDs []string) string {
	ids := append([]string(nil), agentIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func strategyKey(strategy models.Strategy, agentIDs []string) string {
	return fmt.Sprintf("%s|%s", strategy, agentSet(agentIDs))
}
