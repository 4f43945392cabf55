// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Metrics bundles the collectors the orchestrator and HTTP layer update.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated   prometheus.Counter
	TasksByState   *prometheus.GaugeVec
	StageAttempts  *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	TokensTotal    prometheus.Counter
	CostUSDTotal   prometheus.Counter
	PolicyBlocks   *prometheus.CounterVec
	PolicyWarnings *prometheus.CounterVec
}

// New builds and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devhive_tasks_created_total",
			Help: "Tasks accepted through the control surface.",
		}),
		TasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devhive_tasks_by_state",
			Help: "Current task count per lifecycle state.",
		}, []string{"state"}),
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devhive_stage_attempts_total",
			Help: "Stage attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devhive_stage_duration_seconds",
			Help:    "Wall time per stage attempt.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devhive_tokens_total",
			Help: "Accumulated token usage across all attempts.",
		}),
		CostUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devhive_cost_usd_total",
			Help: "Accumulated estimated spend across all attempts.",
		}),
		PolicyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devhive_policy_blocks_total",
			Help: "Block-severity policy violations by rule.",
		}, []string{"rule"}),
		PolicyWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devhive_policy_warnings_total",
			Help: "Warn-severity policy violations by rule.",
		}, []string{"rule"}),
	}

	m.registry.MustRegister(
		m.TasksCreated, m.TasksByState, m.StageAttempts, m.StageDuration,
		m.TokensTotal, m.CostUSDTotal, m.PolicyBlocks, m.PolicyWarnings,
	)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveAttempt records one finished stage attempt.
func (m *Metrics) ObserveAttempt(a *ledger.Attempt) {
	m.StageAttempts.WithLabelValues(string(a.Stage), string(a.Outcome)).Inc()
	m.StageDuration.WithLabelValues(string(a.Stage)).Observe(a.FinishedAt.Sub(a.StartedAt).Seconds())
	m.TokensTotal.Add(float64(a.Cost.TotalTokens))
	m.CostUSDTotal.Add(a.Cost.USD)
	if a.PolicyResult != nil {
		for _, v := range a.PolicyResult.Violations {
			switch v.Severity.String() {
			case "block":
				m.PolicyBlocks.WithLabelValues(v.Rule).Inc()
			case "warn":
				m.PolicyWarnings.WithLabelValues(v.Rule).Inc()
			}
		}
	}
}

// SetStateCounts replaces the per-state gauges from a stats snapshot.
func (m *Metrics) SetStateCounts(counts map[task.State]int) {
	for _, state := range []task.State{
		task.StatePending, task.StateInProgress, task.StateAwaitingApproval,
		task.StateCompleted, task.StateFailed, task.StateCancelled,
	} {
		m.TasksByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
