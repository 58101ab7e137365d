// Package config loads the maestro.yaml runtime configuration: file reading,
// environment expansion, defaults merging, and validation.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("30s", "5m") or integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %v", ErrInvalidValue, v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("%w: duration must be a string or integer, got %T", ErrInvalidValue, raw)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the resolved runtime configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	Models       ModelsConfig       `yaml:"models"`
	Logging      LoggingConfig      `yaml:"logging"`
	Learning     LearningConfig     `yaml:"learning"`
}

// ServerConfig tunes the HTTP layer.
type ServerConfig struct {
	Addr             string   `yaml:"addr"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// Submission rate limiting: sustained submissions per second and the
	// burst allowance. A negative rate disables the limiter.
	SubmissionRate  float64 `yaml:"submission_rate"`
	SubmissionBurst int     `yaml:"submission_burst"`
}

// OrchestratorConfig tunes workflow execution.
type OrchestratorConfig struct {
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks"`
	DefaultTaskTimeout Duration `yaml:"default_task_timeout"`
}

// PersistenceConfig tunes the JSONL persistence layer. An empty dir disables
// persistence.
type PersistenceConfig struct {
	Dir string `yaml:"dir"`

	// Retention prunes terminal tasks older than this age; zero disables
	// pruning. SweepInterval controls how often the sweep runs.
	Retention     Duration `yaml:"retention"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// PluginsConfig tunes plugin discovery.
type PluginsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// ModelsConfig selects the generation mode and the provider chain.
type ModelsConfig struct {
	// Mode is "deterministic" or "creative".
	Mode      string           `yaml:"mode"`
	Seed      int64            `yaml:"seed"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig is one entry in the model provider chain.
type ProviderConfig struct {
	Name       string `yaml:"name"`
	BaseURL    string `yaml:"base_url"`
	HealthPath string `yaml:"health_path"`
}

// LoggingConfig tunes the process logger and the in-memory log ring.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Buffer int    `yaml:"buffer"`
}

// LearningConfig tunes the learning module.
type LearningConfig struct {
	Capacity int `yaml:"capacity"`
}
