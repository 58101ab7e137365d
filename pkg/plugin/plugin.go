// Package plugin loads agents from plugin definitions: Go plugins compiled
// into the binary and declarative manifests discovered in a plugin directory.
// Either way the loader wraps the plugin's run function into an agent handler
// that deserializes input, injects the task's cancellation token, and
// enforces the plugin's timeout.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/models"
)

// DefaultTimeout bounds a plugin run when the manifest does not set one.
const DefaultTimeout = 30 * time.Second

// IDPrefix namespaces plugin-provided agent ids so they collide
// deterministically across rescans.
const IDPrefix = "plugin:"

// Manifest describes a plugin to the loader and the agent registry.
type Manifest struct {
	Name         string        `yaml:"name" json:"name"`
	Version      string        `yaml:"version" json:"version"`
	Description  string        `yaml:"description" json:"description"`
	Capabilities []string      `yaml:"capabilities" json:"capabilities"`
	Permissions  []string      `yaml:"permissions" json:"permissions"`
	Tags         []string      `yaml:"tags" json:"tags"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
}

// AgentID returns the registry id for the manifest's plugin.
func (m Manifest) AgentID() string { return IDPrefix + m.Name }

// Validate checks the fields the loader depends on.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin manifest requires a name")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin %q: manifest requires a version", m.Name)
	}
	return nil
}

// Task is the unit of work handed to a plugin run. Args is populated when the
// input parses as a JSON object; Input always carries the raw string.
type Task struct {
	ID    string
	Input string
	Args  map[string]any
}

// RunContext carries the collaborators a plugin run may use. Tools is nil for
// plugins without tool permissions.
type RunContext struct {
	Token      *ContextToken
	Tools      agent.ToolCaller
	History    []agent.Turn
	Generation models.GenerationConfig
}

// ContextToken is the slice of the cancellation token a plugin sees: enough
// to observe abort, not enough to fire it.
type ContextToken struct {
	taskID string
	done   <-chan struct{}
}

// TaskID returns the task id the token is bound to.
func (t *ContextToken) TaskID() string { return t.taskID }

// Done returns a channel closed when the task is aborted.
func (t *ContextToken) Done() <-chan struct{} { return t.done }

// Plugin is the contract a compiled-in plugin implements.
type Plugin interface {
	Manifest() Manifest
	Run(ctx context.Context, task Task, rc *RunContext) (any, error)
}

// wrap turns a plugin into an agent handler. The wrapper deserializes the
// input, derives the run context from the task's cancellation token, and
// bounds the run with the manifest timeout.
func wrap(p Plugin) agent.Handler {
	m := p.Manifest()
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func(ctx context.Context, input string, inv agent.Invocation) (string, error) {
		task := Task{ID: inv.TaskID, Input: input}
		var args map[string]any
		if json.Unmarshal([]byte(input), &args) == nil {
			task.Args = args
		}

		rc := &RunContext{
			Tools:      inv.Tools,
			History:    inv.History,
			Generation: inv.Generation,
		}
		if inv.Token != nil {
			ctx = inv.Token.Context()
			rc.Token = &ContextToken{taskID: inv.Token.TaskID(), done: inv.Token.Done()}
		}
		runCtx, cancelFn := context.WithTimeout(ctx, timeout)
		defer cancelFn()

		out, err := p.Run(runCtx, task, rc)
		if err != nil {
			return "", fmt.Errorf("plugin %s: %w", m.Name, err)
		}
		return renderOutput(out)
	}
}

func renderOutput(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serialize plugin output: %w", err)
		}
		return string(raw), nil
	}
}

// Agent builds the registry entry for a plugin.
func Agent(p Plugin) (*agent.Agent, error) {
	m := p.Manifest()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &agent.Agent{
		ID:           m.AgentID(),
		Name:         m.Name,
		Type:         "plugin",
		Version:      m.Version,
		Capabilities: m.Capabilities,
		Permissions:  m.Permissions,
		Tags:         m.Tags,
		Metadata:     map[string]any{"source": "plugin", "description": m.Description},
		Handler:      wrap(p),
	}, nil
}
