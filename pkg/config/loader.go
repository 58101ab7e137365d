package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, expands environment variables,
// merges it over the built-in defaults, and validates the result. A missing
// file is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		user, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if user != nil {
			// User values override defaults; unset fields keep the default.
			if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
				return nil, &LoadError{File: path, Err: err}
			}
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"path", path,
		"addr", cfg.Server.Addr,
		"max_concurrent_tasks", cfg.Orchestrator.MaxConcurrentTasks,
		"persistence_dir", cfg.Persistence.Dir,
		"plugin_dir", cfg.Plugins.Dir,
		"model_mode", cfg.Models.Mode)
	return cfg, nil
}

// loadFile parses one YAML config file. Returns (nil, nil) when the file does
// not exist.
func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file, using defaults", "path", path)
			return nil, nil
		}
		return nil, &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}
	return &cfg, nil
}
