package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

func TestObserveAttempt(t *testing.T) {
	m := New()
	now := time.Now()

	m.ObserveAttempt(&ledger.Attempt{
		Stage:     task.StageImplement,
		Outcome:   ledger.OutcomePolicyBlocked,
		Cost:      task.Cost{TotalTokens: 500, USD: 0.05},
		StartedAt: now.Add(-2 * time.Second),
		FinishedAt: now,
		PolicyResult: &policy.Result{
			Severity: policy.SeverityBlock,
			Violations: []policy.Violation{
				{Rule: policy.RuleLOCLimit, Severity: policy.SeverityBlock},
				{Rule: policy.RuleCoverage, Severity: policy.SeverityWarn},
			},
		},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageAttempts.WithLabelValues("implement", "policy_blocked")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.TokensTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyBlocks.WithLabelValues(policy.RuleLOCLimit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyWarnings.WithLabelValues(policy.RuleCoverage)))
}

func TestSetStateCounts(t *testing.T) {
	m := New()
	m.SetStateCounts(map[task.State]int{task.StateCompleted: 3})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksByState.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksByState.WithLabelValues("failed")))
}
