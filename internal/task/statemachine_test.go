package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tk := New("42")

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, "42", tk.IssueRef)
	assert.Equal(t, StatePending, tk.State)
	assert.Equal(t, StagePlan, tk.CurrentStage)
	assert.Nil(t, tk.TerminalReason)
}

func TestBegin(t *testing.T) {
	tk := New("42")

	require.NoError(t, tk.Begin())
	assert.Equal(t, StateInProgress, tk.State)

	// A second pickup is illegal.
	err := tk.Begin()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateInProgress, tk.State)
}

func TestAdvanceStage(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())

	want := []Stage{StageImplement, StageTest, StageRefactor, StageReview}
	for _, stage := range want {
		require.NoError(t, tk.AdvanceStage())
		assert.Equal(t, stage, tk.CurrentStage)
		assert.Equal(t, StateInProgress, tk.State)
	}

	// Advancing past review is not allowed; the runner must Complete instead.
	err := tk.AdvanceStage()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestComplete(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())

	// Completing mid-pipeline is illegal.
	assert.ErrorIs(t, tk.Complete(), ErrInvalidTransition)

	for tk.CurrentStage != StageReview {
		require.NoError(t, tk.AdvanceStage())
	}
	require.NoError(t, tk.Complete())
	assert.Equal(t, StateCompleted, tk.State)
	assert.Equal(t, StageDone, tk.CurrentStage)
}

func TestFail(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())

	// Failing requires a reason.
	require.Error(t, tk.Fail(nil))
	assert.Equal(t, StateInProgress, tk.State)

	reason := &TerminalReason{Stage: StagePlan, Kind: ReasonRetriesExhausted, Message: "plan never parsed"}
	require.NoError(t, tk.Fail(reason))
	assert.Equal(t, StateFailed, tk.State)
	assert.Equal(t, reason, tk.TerminalReason)

	// Terminal states only allow retry (failed) or nothing.
	assert.ErrorIs(t, tk.Cancel(), ErrInvalidTransition)
}

func TestCancelFromTransientStates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Task)
	}{
		{"pending", func(tk *Task) {}},
		{"in_progress", func(tk *Task) { _ = tk.Begin() }},
		{"awaiting_approval", func(tk *Task) {
			_ = tk.Begin()
			for tk.CurrentStage != StageReview {
				_ = tk.AdvanceStage()
			}
			_ = tk.AwaitApproval()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := New("42")
			tt.setup(tk)
			require.NoError(t, tk.Cancel())
			assert.Equal(t, StateCancelled, tk.State)
		})
	}
}

func TestCancelFromTerminalStatesRejected(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())
	for tk.CurrentStage != StageReview {
		require.NoError(t, tk.AdvanceStage())
	}
	require.NoError(t, tk.Complete())

	err := tk.Cancel()
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, StateCompleted, ite.From)
	assert.Equal(t, StateCancelled, ite.To)
}

func TestRetryReentersFailedStage(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())
	require.NoError(t, tk.AdvanceStage()) // plan succeeded, now implement
	tk.RecordAttempt(StageImplement)
	tk.RecordAttempt(StageImplement)
	tk.RecordAttempt(StageImplement)

	require.NoError(t, tk.Fail(&TerminalReason{
		Stage:   StageImplement,
		Kind:    ReasonRetriesExhausted,
		Message: "implement exhausted retries",
	}))

	require.NoError(t, tk.Retry())
	assert.Equal(t, StateInProgress, tk.State)
	assert.Equal(t, StageImplement, tk.CurrentStage)
	assert.Equal(t, 0, tk.Attempts[StageImplement])
	assert.Nil(t, tk.TerminalReason)
}

func TestRetryRestartsAtPlanWhenNothingSucceeded(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())
	tk.RecordAttempt(StagePlan)
	require.NoError(t, tk.Fail(&TerminalReason{
		Stage:   StagePlan,
		Kind:    ReasonFatal,
		Message: "auth failure",
	}))

	require.NoError(t, tk.Retry())
	assert.Equal(t, StagePlan, tk.CurrentStage)
	assert.Equal(t, 0, tk.Attempts[StagePlan])
}

func TestRetryOnlyFromFailed(t *testing.T) {
	tk := New("42")
	assert.ErrorIs(t, tk.Retry(), ErrInvalidTransition)

	require.NoError(t, tk.Begin())
	assert.ErrorIs(t, tk.Retry(), ErrInvalidTransition)
}

func TestFinalApprovalFlow(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())
	for tk.CurrentStage != StageReview {
		require.NoError(t, tk.AdvanceStage())
	}
	require.NoError(t, tk.AwaitFinalApproval())
	assert.Equal(t, StateAwaitingApproval, tk.State)
	assert.Equal(t, StageDone, tk.CurrentStage)

	// A final-stage pause resumes nowhere; approval completes it.
	assert.ErrorIs(t, tk.Resume(), ErrInvalidTransition)
	require.NoError(t, tk.Complete())
	assert.Equal(t, StateCompleted, tk.State)
	assert.Equal(t, StageDone, tk.CurrentStage)
}

func TestMidPipelineApprovalFlow(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())
	require.NoError(t, tk.AdvanceStage()) // plan done, cursor at implement
	require.NoError(t, tk.AwaitApproval())
	assert.Equal(t, StateAwaitingApproval, tk.State)
	assert.Equal(t, StageImplement, tk.CurrentStage)

	// A mid-pipeline pause never completes directly; it resumes.
	assert.ErrorIs(t, tk.Complete(), ErrInvalidTransition)
	require.NoError(t, tk.Resume())
	assert.Equal(t, StateInProgress, tk.State)
	assert.Equal(t, StageImplement, tk.CurrentStage)
}

func TestAwaitFinalApprovalOnlyAtReview(t *testing.T) {
	tk := New("42")
	require.NoError(t, tk.Begin())
	assert.ErrorIs(t, tk.AwaitFinalApproval(), ErrInvalidTransition)
}

func TestNextStage(t *testing.T) {
	next, ok := NextStage(StagePlan)
	require.True(t, ok)
	assert.Equal(t, StageImplement, next)

	next, ok = NextStage(StageReview)
	require.True(t, ok)
	assert.Equal(t, StageDone, next)

	_, ok = NextStage(StageDone)
	assert.False(t, ok)
}

func TestCostAdd(t *testing.T) {
	var c Cost
	c.Add(Cost{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, USD: 0.01})
	c.Add(Cost{PromptTokens: 200, CompletionTokens: 100, TotalTokens: 300, USD: 0.02})

	assert.Equal(t, int64(450), c.TotalTokens)
	assert.InDelta(t, 0.03, c.USD, 1e-9)
}
