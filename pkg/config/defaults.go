package config

import "time"

// Built-in defaults, overridden by maestro.yaml.
const (
	DefaultAddr               = ":8787"
	DefaultReadTimeout        = 15 * time.Second
	DefaultWriteTimeout       = 0 // streaming endpoints need unbounded writes
	DefaultSubmissionRate     = 10.0
	DefaultSubmissionBurst    = 20
	DefaultMaxConcurrentTasks = 4
	DefaultTaskTimeout        = 5 * time.Minute
	DefaultSweepInterval      = time.Hour
	DefaultLogLevel           = "info"
	DefaultLogBuffer          = 500
	DefaultLearningCapacity   = 1000
	DefaultModelMode          = "creative"
)

// Default returns the built-in configuration. Load merges maestro.yaml on
// top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ReadTimeout:     Duration(DefaultReadTimeout),
			WriteTimeout:    Duration(DefaultWriteTimeout),
			SubmissionRate:  DefaultSubmissionRate,
			SubmissionBurst: DefaultSubmissionBurst,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks: DefaultMaxConcurrentTasks,
			DefaultTaskTimeout: Duration(DefaultTaskTimeout),
		},
		Persistence: PersistenceConfig{
			SweepInterval: Duration(DefaultSweepInterval),
		},
		Models: ModelsConfig{
			Mode: DefaultModelMode,
			Providers: []ProviderConfig{
				{Name: "gpt4all", BaseURL: "http://localhost:4891", HealthPath: "/v1/models"},
				{Name: "ollama", BaseURL: "http://localhost:11434", HealthPath: "/api/tags"},
				{Name: "openai", BaseURL: "https://api.openai.com", HealthPath: "/v1/models"},
			},
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Buffer: DefaultLogBuffer,
		},
		Learning: LearningConfig{
			Capacity: DefaultLearningCapacity,
		},
	}
}
