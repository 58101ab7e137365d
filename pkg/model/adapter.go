// Package model defines the model adapter contract and the provider chain
// that backs /api/models.
package model

import (
	"context"

	"github.com/maestro-run/maestro/pkg/models"
)

// Request is one generation call from an agent to an adapter.
type Request struct {
	TaskID     string                  `json:"task_id,omitempty"`
	AgentID    string                  `json:"agent_id,omitempty"`
	Prompt     string                  `json:"prompt"`
	History    []HistoryTurn           `json:"history,omitempty"`
	Generation models.GenerationConfig `json:"generation"`
}

// HistoryTurn is one prior exchange passed as conversation context.
type HistoryTurn struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Response is the adapter's answer.
type Response struct {
	Output   string `json:"output"`
	Provider string `json:"provider"`
}

// Adapter generates model output for a request. Implementations must respect
// ctx cancellation and deterministic mode (temperature 0, optional seed:
// identical requests produce identical output).
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}
