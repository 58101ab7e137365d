package models

import "time"

// AuditEventType classifies security-relevant events recorded by the audit log.
type AuditEventType string

// Audit event types. Every tool call produces exactly one terminal audit
// event: tool-call / tool-timeout / execution-error on execution, or
// permission-denied / rate-limit-exceeded when rejected before execution.
const (
	AuditToolCall          AuditEventType = "tool-call"
	AuditToolTimeout       AuditEventType = "tool-timeout"
	AuditPermissionDenied  AuditEventType = "permission-denied"
	AuditRateLimitExceeded AuditEventType = "rate-limit-exceeded"
	AuditExecutionError    AuditEventType = "execution-error"
)

// AuditEvent is one structured entry in the audit log ring buffer.
type AuditEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      AuditEventType `json:"type"`
	AgentID   string         `json:"agent_id"`
	TaskID    string         `json:"task_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ReplayKind discriminates replay events between model and tool invocations.
type ReplayKind string

// Replay event kinds.
const (
	ReplayModel ReplayKind = "model"
	ReplayTool  ReplayKind = "tool"
)

// ReplayEvent records one model or tool invocation with enough detail to
// reproduce it deterministically.
type ReplayEvent struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Kind        ReplayKind     `json:"kind"`
	Step        string         `json:"step"`
	Input       any            `json:"input,omitempty"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolCallLogEntry is one entry in the tool manager's call log.
type ToolCallLogEntry struct {
	AgentID    string    `json:"agent_id"`
	TaskID     string    `json:"task_id,omitempty"`
	ToolName   string    `json:"tool_name"`
	Args       any       `json:"args,omitempty"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
