package models

import "time"

// Strategy labels how multi-agent work is composed.
type Strategy string

// Composition strategies consumed by the learning module.
const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyAdaptive   Strategy = "adaptive"
)

// ExecutionRecord is one observed workflow outcome, ring-buffered by the
// learning module.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	AgentIDs      []string  `json:"agent_ids"`
	Strategy      Strategy  `json:"strategy"`
	ExecutionTime int64     `json:"execution_time_ms"`
	QualityScore  float64   `json:"quality_score"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AgentMetrics aggregates observed outcomes for one agent. AvgLatencyMs and
// AvgQuality are rolling means maintained with the standard online formula.
type AgentMetrics struct {
	AgentID      string  `json:"agent_id"`
	Total        int     `json:"total"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgQuality   float64 `json:"avg_quality"`
	SuccessRate  float64 `json:"success_rate"`
}

// StrategyMetrics aggregates outcomes for one (strategy, agent-set)
// combination. Score is a recommendation score in 0..100.
type StrategyMetrics struct {
	Strategy     Strategy `json:"strategy"`
	AgentSet     string   `json:"agent_set"`
	Total        int      `json:"total"`
	Successes    int      `json:"successes"`
	Failures     int      `json:"failures"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	AvgQuality   float64  `json:"avg_quality"`
	SuccessRate  float64  `json:"success_rate"`
	Score        float64  `json:"score"`
}
