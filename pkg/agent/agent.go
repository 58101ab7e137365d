// Package agent defines the agent contract and the process-wide agent
// registry with load and outcome tracking.
package agent

import (
	"context"

	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/taskctx"
)

// Turn is one prior exchange of a conversation, passed to agents as context
// on "continue" submissions.
type Turn struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// ToolRequest asks the tool manager to invoke a named tool on behalf of an
// agent.
type ToolRequest struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
}

// ToolResponse is the outcome of a tool invocation. Failures are carried as
// data, not Go errors: agents decide how to react.
type ToolResponse struct {
	Success    bool             `json:"success"`
	Output     any              `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  models.ErrorKind `json:"error_kind,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// ToolCaller is the slice of the tool manager visible to agents.
type ToolCaller interface {
	CallTool(ctx context.Context, agentID string, req ToolRequest) ToolResponse
}

// Invocation carries per-call context into an agent handler. The token must
// be propagated into any I/O the handler initiates.
type Invocation struct {
	TaskID     string
	Token      *cancel.Token
	Context    *taskctx.ExecutionContext
	Tools      ToolCaller
	History    []Turn
	Generation models.GenerationConfig
}

// Handler maps a serialized input string and an invocation to an output
// string. Long-running handlers must observe inv.Token (or ctx) and release
// resources promptly on abort.
type Handler func(ctx context.Context, input string, inv Invocation) (string, error)

// Agent is a registered worker.
type Agent struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Version      string         `json:"version,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Permissions  []string       `json:"permissions,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Handler      Handler        `json:"-"`
}
