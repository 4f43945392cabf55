package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
)

// ResultKind classifies how a stage entry ended after all retries.
type ResultKind int

const (
	// ResultSuccess means an attempt produced parseable, approved output.
	ResultSuccess ResultKind = iota
	// ResultExhausted means every attempt in the retry budget failed
	// recoverably.
	ResultExhausted
	// ResultFatal means an attempt failed in a way retrying cannot fix.
	ResultFatal
)

// Result is the outcome of Runner.Execute for one stage entry.
type Result struct {
	Kind     ResultKind
	Output   *Output // set on ResultSuccess
	Attempts int
	Err      error // set on ResultExhausted and ResultFatal
}

// RecordFunc persists one attempt. The caller assigns the attempt number,
// folds the cost into the task, and commits attempt and task together; the
// runner never returns control before the callback has succeeded.
type RecordFunc func(ctx context.Context, a *ledger.Attempt) error

// Runner executes one stage with retries, backoff, and ledger recording.
type Runner struct {
	invoker Invoker
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a Runner around an invoker.
func NewRunner(invoker Invoker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{invoker: invoker, logger: logger, sleep: sleepCtx}
}

// Execute runs the bundle's stage until success, a fatal failure, or retry
// exhaustion. Every attempt is recorded through record before Execute
// returns. A context error (cancel or deadline) aborts between attempts and
// is returned directly; the stage outcome is then the caller's to decide.
func (r *Runner) Execute(ctx context.Context, bundle *assemble.Bundle, cfg StageConfig, record RecordFunc) (*Result, error) {
	log := r.logger.With(
		zap.String("task_id", bundle.TaskID),
		zap.String("stage", string(bundle.Stage)),
		zap.String("model", cfg.Model),
	)
	fingerprint := bundle.Fingerprint()
	maxAttempts := cfg.MaxAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		started := time.Now().UTC()
		inv, err := r.invoker.Invoke(ctx, bundle.Stage, bundle, cfg)

		var out *Output
		if err == nil {
			out, err = Parse(bundle.Stage, inv.RawOutput)
		}
		if err == nil && out.Review != nil && out.Review.Verdict == VerdictRequestChanges {
			// A negative verdict retries the review with the budget it has.
			err = Recoverablef("review requested changes: %d comment(s)", len(out.Review.Comments))
		}

		entry := &ledger.Attempt{
			TaskID:           bundle.TaskID,
			Stage:            bundle.Stage,
			InputFingerprint: fingerprint,
			StartedAt:        started,
			FinishedAt:       time.Now().UTC(),
		}
		if inv != nil {
			entry.Output = inv.RawOutput
			entry.Cost = inv.Usage.Cost(cfg.Model)
		}

		if err == nil {
			entry.Outcome = ledger.OutcomeSuccess
			if recErr := record(ctx, entry); recErr != nil {
				return nil, fmt.Errorf("recording attempt: %w", recErr)
			}
			log.Info("stage attempt succeeded",
				zap.Int("attempt", attempt),
				zap.Int64("total_tokens", entry.Cost.TotalTokens),
			)
			return &Result{Kind: ResultSuccess, Output: out, Attempts: attempt}, nil
		}

		entry.Outcome = ledger.OutcomeFailure
		entry.Error = err.Error()
		if recErr := record(ctx, entry); recErr != nil {
			return nil, fmt.Errorf("recording attempt: %w", recErr)
		}

		if IsFatal(err) {
			log.Warn("stage attempt failed fatally", zap.Int("attempt", attempt), zap.Error(err))
			return &Result{Kind: ResultFatal, Attempts: attempt, Err: err}, nil
		}

		log.Warn("stage attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if attempt == maxAttempts {
			return &Result{
				Kind:     ResultExhausted,
				Attempts: attempt,
				Err:      fmt.Errorf("stage %s: %d attempt(s) exhausted: %w", bundle.Stage, attempt, err),
			}, nil
		}

		delay := cfg.Backoff() << (attempt - 1)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	// Unreachable: the loop always returns.
	return nil, fmt.Errorf("stage %s: no attempts executed", bundle.Stage)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
