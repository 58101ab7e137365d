package plugin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maestro-run/maestro/pkg/agent"
)

// fileManifest is the on-disk shape of a declarative plugin. Timeout is a Go
// duration string ("30s", "2m").
type fileManifest struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Permissions  []string `yaml:"permissions"`
	Tags         []string `yaml:"tags"`
	Timeout      string   `yaml:"timeout"`
	Template     string   `yaml:"template"`
	Tool         string   `yaml:"tool"`
}

// loadManifest parses one declarative plugin file into a runnable plugin.
func loadManifest(path string) (*templatePlugin, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin manifest %s: %w", path, err)
	}
	var fm fileManifest
	if err := yaml.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("parse plugin manifest %s: %w", path, err)
	}

	m := Manifest{
		Name:         fm.Name,
		Version:      fm.Version,
		Description:  fm.Description,
		Capabilities: fm.Capabilities,
		Permissions:  fm.Permissions,
		Tags:         fm.Tags,
	}
	if fm.Timeout != "" {
		d, err := time.ParseDuration(fm.Timeout)
		if err != nil {
			return nil, fmt.Errorf("plugin manifest %s: bad timeout %q: %w", path, fm.Timeout, err)
		}
		m.Timeout = d
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("plugin manifest %s: %w", path, err)
	}
	if fm.Template == "" {
		return nil, fmt.Errorf("plugin manifest %s: template is required", path)
	}
	tmpl, err := template.New(fm.Name).Option("missingkey=zero").Parse(fm.Template)
	if err != nil {
		return nil, fmt.Errorf("plugin manifest %s: bad template: %w", path, err)
	}
	return &templatePlugin{manifest: m, tmpl: tmpl, tool: fm.Tool}, nil
}

// templatePlugin renders its output from a Go template over the task. When
// the manifest names a tool, the tool runs first and its output is exposed to
// the template as .Tool.
type templatePlugin struct {
	manifest Manifest
	tmpl     *template.Template
	tool     string
}

func (p *templatePlugin) Manifest() Manifest { return p.manifest }

func (p *templatePlugin) Run(ctx context.Context, task Task, rc *RunContext) (any, error) {
	data := struct {
		TaskID string
		Input  string
		Args   map[string]any
		Tool   any
	}{TaskID: task.ID, Input: task.Input, Args: task.Args}

	if p.tool != "" {
		if rc == nil || rc.Tools == nil {
			return nil, fmt.Errorf("tool %q requested but no tool manager available", p.tool)
		}
		resp := rc.Tools.CallTool(ctx, p.manifest.AgentID(), agent.ToolRequest{
			ToolName: p.tool,
			Args:     task.Args,
			TaskID:   task.ID,
		})
		if !resp.Success {
			return nil, fmt.Errorf("tool %s failed: %s", p.tool, resp.Error)
		}
		data.Tool = resp.Output
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
