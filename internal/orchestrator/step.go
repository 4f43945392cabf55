package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// step advances one task by at most one stage. The caller holds the task's
// lock. A nil return means the task reached a consistent persisted state;
// a non-nil return is either a transient infrastructure error (the task is
// retried on a later sweep) or a context cancellation.
func (o *Orchestrator) step(ctx context.Context, t *task.Task) error {
	ctx, span := o.tracer.Start(ctx, "task.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.stage", string(t.CurrentStage)),
	)

	if t.State == task.StatePending {
		if err := t.Begin(); err != nil {
			return err
		}
		if err := o.store.UpdateTask(ctx, t); err != nil {
			return err
		}
	}

	stage := t.CurrentStage
	snap := o.snap.Load()
	stageCfg := o.stages.For(stage)
	log := o.logger.With(zap.String("task_id", t.ID), zap.String("stage", string(stage)))

	// A counter already at the budget means a crash interrupted the previous
	// entry after its last attempt was recorded. Settle it as exhausted.
	remaining := stageCfg.MaxAttempts() - t.Attempts[stage]
	if remaining <= 0 {
		return o.failTask(ctx, t, &task.TerminalReason{
			Stage:   stage,
			Kind:    task.ReasonRetriesExhausted,
			Message: fmt.Sprintf("stage %s used its %d attempt(s)", stage, stageCfg.MaxAttempts()),
		})
	}
	stageCfg.MaxRetries = remaining

	ticket, err := o.forge.FetchIssue(ctx, t.IssueRef)
	if err != nil {
		if agent.IsFatal(err) {
			return o.failTask(ctx, t, &task.TerminalReason{
				Stage:   stage,
				Kind:    task.ReasonFatal,
				Message: err.Error(),
			})
		}
		return fmt.Errorf("fetch issue %s: %w", t.IssueRef, err)
	}

	prior, err := o.store.LatestSuccessfulOutputs(ctx, t.ID)
	if err != nil {
		return err
	}

	bundle, err := o.assembler.Assemble(ctx, t, *ticket, prior, snap.engine.Config())
	if err != nil {
		if errors.Is(err, assemble.ErrContextTooLarge) {
			return o.failOversizedContext(ctx, t, stage, err)
		}
		return fmt.Errorf("assemble context: %w", err)
	}

	// record commits each attempt together with the task mutation it causes:
	// the bumped counter, and on the final attempt of a stage entry the
	// resulting transition (advance, pause, complete, or policy failure).
	record := func(ctx context.Context, a *ledger.Attempt) error {
		a.AttemptNumber = t.RecordAttempt(stage)
		t.Cost.Add(a.Cost)

		if a.Outcome == ledger.OutcomeSuccess {
			out, perr := agent.Parse(stage, a.Output)
			if perr != nil {
				return perr // cannot happen: the runner parsed this already
			}
			res := snap.engine.Evaluate(stage, out.PolicySubject())
			a.PolicyResult = &res
			if res.Blocked() {
				a.Outcome = ledger.OutcomePolicyBlocked
				if err := t.Fail(policyReason(stage, res)); err != nil {
					return err
				}
			} else if err := o.advance(t, stage, res, snap); err != nil {
				return err
			}
		}

		if o.metrics != nil {
			o.metrics.ObserveAttempt(a)
		}
		return o.store.CommitAttempt(ctx, t, a)
	}

	res, err := o.agents.Execute(ctx, bundle, stageCfg, record)
	if err != nil {
		return err
	}

	switch res.Kind {
	case agent.ResultSuccess:
		log.Info("stage settled",
			zap.String("state", string(t.State)),
			zap.String("next_stage", string(t.CurrentStage)),
			zap.Int("attempts", res.Attempts),
		)
		o.publishState(t)
		switch t.State {
		case task.StateCompleted:
			o.openPullRequest(ctx, t)
		case task.StateFailed:
			o.postFailureComment(ctx, t)
		}
		return nil

	case agent.ResultFatal:
		return o.failTask(ctx, t, &task.TerminalReason{
			Stage:   stage,
			Kind:    task.ReasonFatal,
			Message: res.Err.Error(),
		})

	case agent.ResultExhausted:
		return o.failTask(ctx, t, &task.TerminalReason{
			Stage:   stage,
			Kind:    task.ReasonRetriesExhausted,
			Message: res.Err.Error(),
		})
	}
	return fmt.Errorf("unhandled stage result kind %d", res.Kind)
}

// advance applies the post-policy transition for a successful stage.
func (o *Orchestrator) advance(t *task.Task, stage task.Stage, res policy.Result, snap *snapshot) error {
	warnings := res.Warnings()
	for _, v := range warnings {
		t.RecordWarning(task.Warning{Stage: stage, Rule: v.Rule, Message: v.Message})
	}

	if stage == task.StageReview {
		if len(warnings) > 0 || snap.requireApproval {
			return t.AwaitFinalApproval()
		}
		return t.Complete()
	}

	if err := t.AdvanceStage(); err != nil {
		return err
	}
	if len(warnings) > 0 && snap.pauseOnWarn {
		return t.AwaitApproval()
	}
	return nil
}

// failTask transitions to failed and persists. The ledger already holds the
// attempt that caused this where one exists.
func (o *Orchestrator) failTask(ctx context.Context, t *task.Task, reason *task.TerminalReason) error {
	if err := t.Fail(reason); err != nil {
		return err
	}
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	o.logger.Warn("task failed",
		zap.String("task_id", t.ID),
		zap.String("stage", string(reason.Stage)),
		zap.String("kind", string(reason.Kind)),
		zap.Strings("rules", reason.Rules),
	)
	o.publishState(t)
	o.postFailureComment(ctx, t)
	return nil
}

// failOversizedContext settles a task whose bundle exceeded the token budget.
// No model call happened, but the entry still consumed an attempt: a zero-cost
// failure row commits together with the failed task so the ledger explains
// the terminal reason.
func (o *Orchestrator) failOversizedContext(ctx context.Context, t *task.Task, stage task.Stage, cause error) error {
	now := time.Now().UTC()
	a := &ledger.Attempt{
		TaskID:        t.ID,
		Stage:         stage,
		AttemptNumber: t.RecordAttempt(stage),
		Outcome:       ledger.OutcomeFailure,
		Error:         cause.Error(),
		StartedAt:     now,
		FinishedAt:    now,
	}
	if err := t.Fail(&task.TerminalReason{
		Stage:   stage,
		Kind:    task.ReasonContextTooLarge,
		Message: cause.Error(),
	}); err != nil {
		return err
	}
	if err := o.store.CommitAttempt(ctx, t, a); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.ObserveAttempt(a)
	}
	o.logger.Warn("context budget exceeded",
		zap.String("task_id", t.ID),
		zap.String("stage", string(stage)),
		zap.Error(cause),
	)
	o.publishState(t)
	o.postFailureComment(ctx, t)
	return nil
}

// postFailureComment tells the issue why its task died. Best effort.
func (o *Orchestrator) postFailureComment(ctx context.Context, t *task.Task) {
	if t.TerminalReason == nil {
		return
	}
	text := fmt.Sprintf("Task `%s` failed at the %s stage (%s): %s",
		t.ID, t.TerminalReason.Stage, t.TerminalReason.Kind, t.TerminalReason.Message)
	if err := o.forge.PostComment(ctx, t.IssueRef, text); err != nil {
		o.logger.Warn("post failure comment", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// openPullRequest publishes the completed task's change. Best effort: a forge
// hiccup here does not un-complete the task.
func (o *Orchestrator) openPullRequest(ctx context.Context, t *task.Task) {
	outputs, err := o.store.LatestSuccessfulOutputs(ctx, t.ID)
	if err != nil {
		o.logger.Warn("load outputs for pull request", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	diff, ok := outputs[task.StageRefactor]
	if !ok {
		diff = outputs[task.StageImplement]
	}
	if diff == "" {
		return
	}

	ref, err := o.forge.OpenPullRequest(ctx, t.ID, t.IssueRef, diff, outputs[task.StagePlan])
	if err != nil {
		o.logger.Warn("open pull request", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	o.logger.Info("pull request opened", zap.String("task_id", t.ID), zap.String("pr_ref", ref))
}

func policyReason(stage task.Stage, res policy.Result) *task.TerminalReason {
	var rules []string
	for _, v := range res.Violations {
		if v.Severity == policy.SeverityBlock {
			rules = append(rules, v.Rule)
		}
	}
	return &task.TerminalReason{
		Stage:   stage,
		Kind:    task.ReasonPolicyBlocked,
		Rules:   rules,
		Message: "blocked by policy: " + strings.Join(rules, ", "),
	}
}
