package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devhive/internal/task"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8420", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "devhive.db", cfg.Ledger.Path)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Stages.Default.Model)
	assert.False(t, cfg.Policies.PauseOnWarn)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8420", cfg.Server.Addr)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  shutdown_timeout: 30s
policies:
  pause_on_warn: true
  rules:
    max_changed_lines: 400
    min_coverage: 80
orchestrator:
  workers: 8
stages:
  default:
    model: gpt-4o
    max_retries: 3
  review:
    model: claude-opus-4-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.True(t, cfg.Policies.PauseOnWarn)
	assert.Equal(t, 400, cfg.Policies.Rules.MaxChangedLines)
	assert.Equal(t, 8, cfg.Orchestrator.Workers)

	// Per-stage override falls back to default field by field.
	review := cfg.Stages.For(task.StageReview)
	assert.Equal(t, "claude-opus-4-1", review.Model)
	assert.Equal(t, 3, review.MaxRetries)
	plan := cfg.Stages.For(task.StagePlan)
	assert.Equal(t, "gpt-4o", plan.Model)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	t.Setenv("DEVHIVE_SERVER_ADDR", ":7000")
	t.Setenv("DEVHIVE_POLICIES_PAUSE_ON_WARN", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.True(t, cfg.Policies.PauseOnWarn)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	for name, content := range map[string]string{
		"bad level":    "logging:\n  level: loud\n",
		"bad coverage": "policies:\n  rules:\n    min_coverage: 150\n",
		"events no url": "events:\n  enabled: true\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("ghp_supersecret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "ghp_supersecret", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "supersecret")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
