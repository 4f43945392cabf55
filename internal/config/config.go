// Package config provides configuration loading for devhive.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/retrieval"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Config is the full daemon configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Ledger       LedgerConfig       `koanf:"ledger"`
	Policies     PoliciesConfig     `koanf:"policies"`
	Assembler    assemble.Config    `koanf:"assembler"`
	Retrieval    retrieval.Config   `koanf:"retrieval"`
	Forge        ForgeConfig        `koanf:"forge"`
	LLM          LLMConfig          `koanf:"llm"`
	Stages       StagesConfig       `koanf:"stages"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Events       EventsConfig       `koanf:"events"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
	Insecure    bool   `koanf:"insecure"`
}

// LedgerConfig configures the SQLite task store.
type LedgerConfig struct {
	Path string `koanf:"path"`
}

// PoliciesConfig is the guardrail snapshot plus orchestration behavior for
// warn findings.
type PoliciesConfig struct {
	Rules policy.Config `koanf:"rules"`

	// PauseOnWarn routes a warn at a non-final stage to awaiting_approval
	// instead of continuing. A warn at the final stage always pauses.
	PauseOnWarn bool `koanf:"pause_on_warn"`

	// RequireApproval forces awaiting_approval before completion even when
	// the final stage is clean.
	RequireApproval bool `koanf:"require_approval"`
}

// ForgeConfig configures the issue/PR provider.
type ForgeConfig struct {
	Token   Secret `koanf:"token"`
	BaseURL string `koanf:"base_url"`
}

// LLMConfig configures the model invoker.
type LLMConfig struct {
	APIKey  Secret `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`

	// RequestsPerMinute is the client-side rate limit. 0 disables.
	RequestsPerMinute int `koanf:"requests_per_minute"`

	Timeout Duration `koanf:"timeout"`
}

// StagesConfig carries a default model config plus per-stage overrides.
type StagesConfig struct {
	Default   agent.StageConfig `koanf:"default"`
	Plan      agent.StageConfig `koanf:"plan"`
	Implement agent.StageConfig `koanf:"implement"`
	Test      agent.StageConfig `koanf:"test"`
	Refactor  agent.StageConfig `koanf:"refactor"`
	Review    agent.StageConfig `koanf:"review"`
}

// For returns the effective config for a stage: the per-stage override where
// set, falling back to the default field by field.
func (s StagesConfig) For(stage task.Stage) agent.StageConfig {
	var override agent.StageConfig
	switch stage {
	case task.StagePlan:
		override = s.Plan
	case task.StageImplement:
		override = s.Implement
	case task.StageTest:
		override = s.Test
	case task.StageRefactor:
		override = s.Refactor
	case task.StageReview:
		override = s.Review
	}

	cfg := s.Default
	if override.Model != "" {
		cfg.Model = override.Model
	}
	if override.Temperature != 0 {
		cfg.Temperature = override.Temperature
	}
	if override.MaxOutputTokens != 0 {
		cfg.MaxOutputTokens = override.MaxOutputTokens
	}
	if override.MaxRetries != 0 {
		cfg.MaxRetries = override.MaxRetries
	}
	if override.BaseBackoff != 0 {
		cfg.BaseBackoff = override.BaseBackoff
	}
	return cfg
}

// OrchestratorConfig configures the worker pool.
type OrchestratorConfig struct {
	// Workers bounds concurrent stage attempts across tasks.
	Workers int `koanf:"workers"`

	// QueueSize bounds pending pickups before submitters block.
	QueueSize int `koanf:"queue_size"`

	// PollInterval is how often eligible tasks are swept from the store.
	PollInterval Duration `koanf:"poll_interval"`
}

// EventsConfig configures the optional NATS lifecycle event publisher.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if err := c.Policies.Rules.Validate(); err != nil {
		return err
	}
	if c.Orchestrator.Workers < 0 {
		return fmt.Errorf("orchestrator.workers cannot be negative: %d", c.Orchestrator.Workers)
	}
	if c.LLM.RequestsPerMinute < 0 {
		return fmt.Errorf("llm.requests_per_minute cannot be negative: %d", c.LLM.RequestsPerMinute)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console: %q", c.Logging.Format)
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8420"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "devhive"
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = "devhive.db"
	}

	if cfg.Stages.Default.Model == "" {
		cfg.Stages.Default.Model = "claude-sonnet-4-5"
	}

	if cfg.Orchestrator.Workers == 0 {
		cfg.Orchestrator.Workers = 4
	}
	if cfg.Orchestrator.QueueSize == 0 {
		cfg.Orchestrator.QueueSize = 64
	}
	if cfg.Orchestrator.PollInterval == 0 {
		cfg.Orchestrator.PollInterval = Duration(5 * time.Second)
	}

	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(2 * time.Minute)
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "devhive.tasks"
	}
}
