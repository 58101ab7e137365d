package config

import (
	"fmt"
	"net/url"
)

var validModes = map[string]bool{"deterministic": true, "creative": true}

// Validate checks the resolved configuration for values the runtime cannot
// work with.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return &ValidationError{Section: "server", Field: "addr", Err: ErrMissingRequiredField}
	}
	if cfg.Server.SubmissionBurst < 0 {
		return &ValidationError{Section: "server", Field: "submission_burst",
			Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}
	if cfg.Orchestrator.MaxConcurrentTasks <= 0 {
		return &ValidationError{Section: "orchestrator", Field: "max_concurrent_tasks",
			Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	if cfg.Orchestrator.DefaultTaskTimeout < 0 {
		return &ValidationError{Section: "orchestrator", Field: "default_task_timeout",
			Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}
	if cfg.Persistence.Retention < 0 {
		return &ValidationError{Section: "persistence", Field: "retention",
			Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}
	if cfg.Persistence.SweepInterval < 0 {
		return &ValidationError{Section: "persistence", Field: "sweep_interval",
			Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}
	if !validModes[cfg.Models.Mode] {
		return &ValidationError{Section: "models", Field: "mode",
			Err: fmt.Errorf("%w: %q (want deterministic or creative)", ErrInvalidValue, cfg.Models.Mode)}
	}
	for i, p := range cfg.Models.Providers {
		section := fmt.Sprintf("models.providers[%d]", i)
		if p.Name == "" {
			return &ValidationError{Section: section, Field: "name", Err: ErrMissingRequiredField}
		}
		if p.BaseURL == "" {
			return &ValidationError{Section: section, Field: "base_url", Err: ErrMissingRequiredField}
		}
		if _, err := url.ParseRequestURI(p.BaseURL); err != nil {
			return &ValidationError{Section: section, Field: "base_url",
				Err: fmt.Errorf("%w: %v", ErrInvalidValue, err)}
		}
	}
	if cfg.Logging.Buffer < 0 {
		return &ValidationError{Section: "logging", Field: "buffer",
			Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}
	if cfg.Learning.Capacity < 0 {
		return &ValidationError{Section: "learning", Field: "capacity",
			Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}
	return nil
}
