package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultMaxConcurrentTasks, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, DefaultModelMode, cfg.Models.Mode)
	assert.Len(t, cfg.Models.Providers, 3)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9999"
orchestrator:
  max_concurrent_tasks: 8
  default_task_timeout: 90s
plugins:
  dir: /opt/plugins
  watch: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.DefaultTaskTimeout.Std())
	assert.Equal(t, "/opt/plugins", cfg.Plugins.Dir)
	assert.True(t, cfg.Plugins.Watch)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, DefaultSubmissionBurst, cfg.Server.SubmissionBurst)
}

func TestLoadProvidersReplaceDefaults(t *testing.T) {
	path := writeConfig(t, `
models:
  mode: deterministic
  seed: 7
  providers:
    - name: local
      base_url: http://localhost:9000
      health_path: /health
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "deterministic", cfg.Models.Mode)
	assert.EqualValues(t, 7, cfg.Models.Seed)
	require.Len(t, cfg.Models.Providers, 1)
	assert.Equal(t, "local", cfg.Models.Providers[0].Name)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("MAESTRO_TEST_ADDR", ":7070")
	path := writeConfig(t, "server:\n  addr: \"{{.MAESTRO_TEST_ADDR}}\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: valid\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "orchestrator:\n  default_task_timeout: soon\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "addr"},
		{"zero concurrency", func(c *Config) { c.Orchestrator.MaxConcurrentTasks = 0 }, "max_concurrent_tasks"},
		{"bad mode", func(c *Config) { c.Models.Mode = "chaotic" }, "mode"},
		{"provider without url", func(c *Config) {
			c.Models.Providers = []ProviderConfig{{Name: "x"}}
		}, "base_url"},
		{"negative buffer", func(c *Config) { c.Logging.Buffer = -1 }, "buffer"},
		{"negative retention", func(c *Config) { c.Persistence.Retention = Duration(-time.Hour) }, "retention"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}
