// Package builtin provides the agents compiled into the runtime: simple
// demo agents used by tests and examples, and the model-backed role agents
// used by multi-agent plans.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/model"
)

// Echo returns an agent that reflects its input. With a tool caller wired it
// also answers "time?" inputs via the clock tool, which exercises the full
// tool pipeline in demos.
func Echo() *agent.Agent {
	return &agent.Agent{
		ID:      "echo",
		Name:    "Echo",
		Type:    "utility",
		Version: "1.0",
		Tags:    []string{"general", "chat"},
		Handler: func(ctx context.Context, input string, inv agent.Invocation) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if input == "time?" && inv.Tools != nil {
				resp := inv.Tools.CallTool(ctx, "echo", agent.ToolRequest{ToolName: "clock", TaskID: inv.TaskID})
				if resp.Success {
					return fmt.Sprint(resp.Output), nil
				}
				return "", fmt.Errorf("clock tool failed: %s", resp.Error)
			}
			return input, nil
		},
	}
}

// Slow returns an agent that sleeps for delay before echoing. Cancellation
// and timeout interrupt the sleep.
func Slow(delay time.Duration) *agent.Agent {
	return &agent.Agent{
		ID:      "slow",
		Name:    "Slow",
		Type:    "utility",
		Version: "1.0",
		Tags:    []string{"general"},
		Handler: func(ctx context.Context, input string, _ agent.Invocation) (string, error) {
			select {
			case <-time.After(delay):
				return input, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
}

// Fail returns an agent that always errors with msg.
func Fail(msg string) *agent.Agent {
	return &agent.Agent{
		ID:      "fail",
		Name:    "Fail",
		Type:    "utility",
		Version: "1.0",
		Handler: func(context.Context, string, agent.Invocation) (string, error) {
			return "", fmt.Errorf("%s", msg)
		},
	}
}

// rolePrompts frames the input for each multi-agent role.
var rolePrompts = map[string]string{
	"research": "Research the following request and list the relevant facts:\n%s",
	"build":    "Produce a draft answer for the following request:\n%s",
	"review":   "Review the draft below for errors and gaps:\n%s",
	"final":    "Write the final answer from the material below:\n%s",
}

// Role returns a model-backed agent for one multi-agent role. Conversation
// history, generation settings, and cancellation are forwarded to the
// adapter.
func Role(role string, adapter model.Adapter) *agent.Agent {
	return &agent.Agent{
		ID:      role,
		Name:    role,
		Type:    "model",
		Version: "1.0",
		Tags:    []string{role, "analysis"},
		Handler: func(ctx context.Context, input string, inv agent.Invocation) (string, error) {
			prompt := input
			if tmpl, ok := rolePrompts[role]; ok {
				prompt = fmt.Sprintf(tmpl, input)
			}
			req := model.Request{
				TaskID:     inv.TaskID,
				AgentID:    role,
				Prompt:     prompt,
				Generation: inv.Generation,
			}
			for _, turn := range inv.History {
				req.History = append(req.History, model.HistoryTurn{Input: turn.Input, Output: turn.Output})
			}
			resp, err := adapter.Generate(ctx, req)
			if err != nil {
				return "", fmt.Errorf("model generation failed: %w", err)
			}
			return resp.Output, nil
		},
	}
}

// RegisterDefaults registers the demo agents and the four role agents
// against reg, all backed by adapter.
func RegisterDefaults(reg *agent.Registry, adapter model.Adapter) error {
	agents := []*agent.Agent{
		Echo(),
		Slow(100 * time.Millisecond),
		Fail("intentional failure"),
	}
	for role := range rolePrompts {
		agents = append(agents, Role(role, adapter))
	}
	for _, a := range agents {
		if _, err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
