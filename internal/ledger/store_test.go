package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mkAttempt(taskID string, stage task.Stage, n int, outcome Outcome) *Attempt {
	now := time.Now().UTC()
	return &Attempt{
		TaskID:           taskID,
		Stage:            stage,
		AttemptNumber:    n,
		InputFingerprint: "fp",
		Output:           "output of " + string(stage),
		Cost:             task.Cost{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, USD: 0.01},
		StartedAt:        now.Add(-time.Second),
		FinishedAt:       now,
		Outcome:          outcome,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("owner/repo#42")
	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "owner/repo#42", got.IssueRef)
	assert.Equal(t, task.StatePending, got.State)
	assert.Equal(t, task.StagePlan, got.CurrentStage)
	assert.NotNil(t, got.Attempts)
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTask_RoundTripsNestedFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("1")
	require.NoError(t, s.CreateTask(ctx, tk))

	require.NoError(t, tk.Begin())
	tk.RecordWarning(task.Warning{Stage: task.StagePlan, Rule: policy.RuleCoverage, Message: "low"})
	require.NoError(t, tk.Fail(&task.TerminalReason{
		Stage:   task.StageImplement,
		Kind:    task.ReasonPolicyBlocked,
		Rules:   []string{policy.RuleLOCLimit},
		Message: "too big",
	}))
	require.NoError(t, s.UpdateTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, got.State)
	require.NotNil(t, got.TerminalReason)
	assert.Equal(t, task.ReasonPolicyBlocked, got.TerminalReason.Kind)
	assert.Equal(t, []string{policy.RuleLOCLimit}, got.TerminalReason.Rules)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, policy.RuleCoverage, got.Warnings[0].Rule)
}

func TestUpdateTask_Missing(t *testing.T) {
	s := newTestStore(t)

	tk := task.New("1")
	err := s.UpdateTask(context.Background(), tk)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitAttempt_Atomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("1")
	require.NoError(t, s.CreateTask(ctx, tk))
	require.NoError(t, tk.Begin())

	n := tk.RecordAttempt(task.StagePlan)
	tk.Cost.Add(task.Cost{TotalTokens: 150, USD: 0.01})
	a := mkAttempt(tk.ID, task.StagePlan, n, OutcomeSuccess)
	a.PolicyResult = &policy.Result{Severity: policy.SeverityNone}
	require.NoError(t, s.CommitAttempt(ctx, tk, a))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts[task.StagePlan])
	assert.Equal(t, int64(150), got.Cost.TotalTokens)

	attempts, err := s.Attempts(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeSuccess, attempts[0].Outcome)
	require.NotNil(t, attempts[0].PolicyResult)
}

func TestAttempts_OrderedByStageThenNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("1")
	require.NoError(t, s.CreateTask(ctx, tk))
	require.NoError(t, tk.Begin())

	// Insert out of order.
	require.NoError(t, s.CommitAttempt(ctx, tk, mkAttempt(tk.ID, task.StageImplement, 2, OutcomeSuccess)))
	require.NoError(t, s.CommitAttempt(ctx, tk, mkAttempt(tk.ID, task.StageImplement, 1, OutcomeFailure)))
	require.NoError(t, s.CommitAttempt(ctx, tk, mkAttempt(tk.ID, task.StagePlan, 1, OutcomeSuccess)))

	attempts, err := s.Attempts(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, task.StagePlan, attempts[0].Stage)
	assert.Equal(t, 1, attempts[1].AttemptNumber)
	assert.Equal(t, 2, attempts[2].AttemptNumber)
}

func TestLatestSuccessfulOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tk := task.New("1")
	require.NoError(t, s.CreateTask(ctx, tk))
	require.NoError(t, tk.Begin())

	a1 := mkAttempt(tk.ID, task.StagePlan, 1, OutcomeSuccess)
	a1.Output = "first plan"
	require.NoError(t, s.CommitAttempt(ctx, tk, a1))

	// A failed attempt never shadows a success.
	a2 := mkAttempt(tk.ID, task.StageImplement, 1, OutcomeFailure)
	a2.Output = "broken diff"
	require.NoError(t, s.CommitAttempt(ctx, tk, a2))

	// A later success for the same stage wins.
	a3 := mkAttempt(tk.ID, task.StagePlan, 2, OutcomeSuccess)
	a3.Output = "revised plan"
	require.NoError(t, s.CommitAttempt(ctx, tk, a3))

	outputs, err := s.LatestSuccessfulOutputs(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, map[task.Stage]string{task.StagePlan: "revised plan"}, outputs)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := task.New("1")
	require.NoError(t, done.Begin())
	done.CurrentStage = task.StageReview
	require.NoError(t, done.Complete())
	done.Cost = task.Cost{TotalTokens: 1000, USD: 0.10}
	require.NoError(t, s.CreateTask(ctx, done))

	failed := task.New("2")
	require.NoError(t, failed.Begin())
	require.NoError(t, failed.Fail(&task.TerminalReason{Stage: task.StagePlan, Kind: task.ReasonFatal, Message: "x"}))
	require.NoError(t, s.CreateTask(ctx, failed))

	require.NoError(t, s.CreateTask(ctx, task.New("3"))) // pending

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 1, stats.CountsByState[task.StateCompleted])
	assert.Equal(t, 1, stats.CountsByState[task.StateFailed])
	assert.Equal(t, int64(1000), stats.TotalTokens)
	assert.InDelta(t, 0.10, stats.TotalUSD, 1e-9)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestListTasks_FilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tk := task.New("pending")
		require.NoError(t, s.CreateTask(ctx, tk))
	}
	running := task.New("running")
	require.NoError(t, running.Begin())
	require.NoError(t, s.CreateTask(ctx, running))

	state := task.StateInProgress
	got, err := s.ListTasks(ctx, Filter{State: &state})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)

	got, err = s.ListTasks(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReconcile_ReturnsInProgressIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	interrupted := task.New("1")
	require.NoError(t, interrupted.Begin())
	require.NoError(t, s.CreateTask(ctx, interrupted))
	require.NoError(t, s.CreateTask(ctx, task.New("2")))

	ids, err := s.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{interrupted.ID}, ids)
}
