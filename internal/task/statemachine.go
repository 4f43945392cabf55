package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a requested lifecycle transition is
// not in the transition table. The task is left unchanged.
var ErrInvalidTransition = errors.New("invalid task transition")

// InvalidTransitionError carries the rejected transition for diagnostics.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) work.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the authoritative table. Any pair not listed here is illegal.
var transitions = map[State][]State{
	StatePending:          {StateInProgress, StateCancelled},
	StateInProgress:       {StateInProgress, StateAwaitingApproval, StateCompleted, StateFailed, StateCancelled},
	StateAwaitingApproval: {StateInProgress, StateCompleted, StateCancelled},
	StateFailed:           {StateInProgress},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *Task) transition(to State) error {
	if !CanTransition(t.State, to) {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: to}
	}
	t.State = to
	t.touch()
	return nil
}

// Begin moves a pending task to in_progress on orchestrator pickup.
func (t *Task) Begin() error {
	if t.State != StatePending {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateInProgress}
	}
	return t.transition(StateInProgress)
}

// AdvanceStage records a successful stage and moves the cursor to the next
// one. The task stays in_progress; completing the final stage is handled by
// Complete or AwaitApproval instead.
func (t *Task) AdvanceStage() error {
	next, ok := NextStage(t.CurrentStage)
	if !ok || next == StageDone {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateInProgress}
	}
	if err := t.transition(StateInProgress); err != nil {
		return err
	}
	t.CurrentStage = next
	return nil
}

// Complete marks the task completed: directly after the final stage
// succeeded, or by approving a task paused after its final stage.
func (t *Task) Complete() error {
	if t.State == StateInProgress && t.CurrentStage != StageReview {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateCompleted}
	}
	if t.State == StateAwaitingApproval && t.CurrentStage != StageDone {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateCompleted}
	}
	if err := t.transition(StateCompleted); err != nil {
		return err
	}
	t.CurrentStage = StageDone
	return nil
}

// AwaitApproval pauses the task for human sign-off before its next stage
// runs. The cursor must already point at the stage that will run on resume.
func (t *Task) AwaitApproval() error {
	if t.State != StateInProgress || t.CurrentStage == StageDone {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateAwaitingApproval}
	}
	return t.transition(StateAwaitingApproval)
}

// AwaitFinalApproval pauses a task whose final stage succeeded; approving it
// completes the task. The cursor moves past the pipeline so a pause here is
// distinguishable from a pause before review runs.
func (t *Task) AwaitFinalApproval() error {
	if t.State != StateInProgress || t.CurrentStage != StageReview {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateAwaitingApproval}
	}
	if err := t.transition(StateAwaitingApproval); err != nil {
		return err
	}
	t.CurrentStage = StageDone
	return nil
}

// Resume returns an approved mid-pipeline task to execution at its cursor.
func (t *Task) Resume() error {
	if t.State != StateAwaitingApproval || t.CurrentStage == StageDone {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateInProgress}
	}
	return t.transition(StateInProgress)
}

// Fail moves the task to failed. A non-nil reason is required so clients can
// always see why a task died.
func (t *Task) Fail(reason *TerminalReason) error {
	if reason == nil {
		return fmt.Errorf("task %s: failing without a terminal reason", t.ID)
	}
	if t.State != StateInProgress {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateFailed}
	}
	if err := t.transition(StateFailed); err != nil {
		return err
	}
	t.TerminalReason = reason
	return nil
}

// Cancel moves any transient state to cancelled.
func (t *Task) Cancel() error {
	return t.transition(StateCancelled)
}

// Retry re-enters a failed task at the stage that failed, resetting only that
// stage's attempt counter. If the failure happened before any stage succeeded
// the task restarts at plan.
func (t *Task) Retry() error {
	if t.State != StateFailed {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, To: StateInProgress}
	}
	stage := t.CurrentStage
	if t.TerminalReason != nil && StageIndex(t.TerminalReason.Stage) >= 0 {
		stage = t.TerminalReason.Stage
	}
	if StageIndex(stage) < 0 {
		stage = StagePlan
	}
	if err := t.transition(StateInProgress); err != nil {
		return err
	}
	t.CurrentStage = stage
	t.Attempts[stage] = 0
	t.TerminalReason = nil
	return nil
}

// RecordAttempt bumps the attempt counter for a stage and returns the new
// attempt number (1-based).
func (t *Task) RecordAttempt(stage Stage) int {
	t.Attempts[stage]++
	t.touch()
	return t.Attempts[stage]
}

// RecordWarning appends a warn-severity policy finding to the task.
func (t *Task) RecordWarning(w Warning) {
	t.Warnings = append(t.Warnings, w)
	t.touch()
}
