package models

import "time"

// GenerationMode selects how a model adapter samples output.
type GenerationMode string

// Generation modes. Deterministic mode forces temperature 0 so that replay
// with the same seed reproduces the original output.
const (
	ModeCreative      GenerationMode = "creative"
	ModeDeterministic GenerationMode = "deterministic"
)

// GenerationConfig carries the sampling parameters attached to a submission.
type GenerationConfig struct {
	Mode        GenerationMode `json:"mode"`
	Temperature *float64       `json:"temperature,omitempty"`
	Seed        *int64         `json:"seed,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
}

// Normalize applies mode defaults. Deterministic mode mandates temperature 0
// regardless of what the client sent.
func (g *GenerationConfig) Normalize() {
	if g.Mode == "" {
		g.Mode = ModeCreative
	}
	if g.Mode == ModeDeterministic {
		zero := 0.0
		g.Temperature = &zero
	}
}

// TaskRecord is the canonical record of a submitted task, owned by the task
// store. It is the single source of truth for external task identity and the
// payload projected to SSE/WebSocket subscribers.
type TaskRecord struct {
	ID         string           `json:"task_id"`
	Input      string           `json:"input"`
	Status     Status           `json:"status"`
	AgentID    string           `json:"agent,omitempty"`
	Generation GenerationConfig `json:"generation"`

	// Progress is 0..100; Messages is an append-only log of short
	// human-readable progress lines.
	Progress int      `json:"progress"`
	Messages []string `json:"messages,omitempty"`

	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   ErrorKind `json:"error_code,omitempty"`
	FailedLayer string    `json:"failed_layer,omitempty"`
	StackTrace  string    `json:"stack_trace,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`

	// ConversationID links this record into a conversation thread; it is
	// the id of the first task of the thread.
	ConversationID string `json:"conversation_id,omitempty"`

	// Retry lineage.
	OriginalTaskID string `json:"original_task_id,omitempty"`
	RetryCount     int    `json:"retry_count"`
	IsRetry        bool   `json:"is_retry"`

	// Agent selection metadata.
	InvolvedAgents       []string `json:"involved_agents,omitempty"`
	ManuallySelected     bool     `json:"manually_selected"`
	AgentSelectionReason string   `json:"agent_selection_reason,omitempty"`
	AvailableAgents      []string `json:"available_agents,omitempty"`
	MultiAgentEnabled    bool     `json:"multi_agent_enabled"`
	TaskTypeLabel        string   `json:"task_type_label,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers and HTTP responses.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Messages = append([]string(nil), r.Messages...)
	cp.InvolvedAgents = append([]string(nil), r.InvolvedAgents...)
	cp.AvailableAgents = append([]string(nil), r.AvailableAgents...)
	if r.Generation.Temperature != nil {
		t := *r.Generation.Temperature
		cp.Generation.Temperature = &t
	}
	if r.Generation.Seed != nil {
		s := *r.Generation.Seed
		cp.Generation.Seed = &s
	}
	if r.Generation.MaxTokens != nil {
		m := *r.Generation.MaxTokens
		cp.Generation.MaxTokens = &m
	}
	return &cp
}
