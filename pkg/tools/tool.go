// Package tools provides the tool manager: registration, per-agent
// permissions, per-tool rate limiting, and audited invocation.
package tools

import (
	"context"
	"time"
)

// Definition is a tool's advertised contract.
type Definition struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Permissions []string      `json:"permissions,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	RateLimit   int           `json:"rate_limit,omitempty"` // calls per 60s window; <= 0 means unlimited
}

// Tool is an invocable capability. Execute must respect ctx; the manager
// enforces the definition's timeout around it.
type Tool interface {
	Definition() Definition
	Validate(args map[string]any) error
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// HealthChecker is implemented by tools with a liveness probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}
