package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/events"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Run starts the worker pool and the eligibility sweep, blocking until ctx
// is done. Tasks interrupted by a previous crash are requeued first.
func (o *Orchestrator) Run(ctx context.Context) error {
	ids, err := o.store.Reconcile(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		o.enqueue(id)
	}
	if len(ids) > 0 {
		o.logger.Info("requeued interrupted tasks", zap.Int("count", len(ids)))
	}

	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

// worker consumes task ids and advances each by one stage.
func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.process(ctx, id)
		}
	}
}

// process runs one scheduling turn for one task under its exclusive lock.
func (o *Orchestrator) process(runCtx context.Context, id string) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := o.store.GetTask(runCtx, id)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			o.logger.Warn("load task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	if t.State != task.StatePending && t.State != task.StateInProgress {
		if t.State.IsTerminal() {
			o.clearCancelRequest(id)
			o.releaseLock(t)
		}
		return
	}

	// A cancel that landed after the previous turn committed could not reach
	// that turn's context. Its marker is still set; honor it before spending
	// another attempt.
	if o.cancelRequested(id) {
		o.settleCancelled(id)
		return
	}

	taskCtx, cancel := context.WithCancel(runCtx)
	o.setInflight(id, cancel)
	defer func() {
		o.finishInflight(id, t)
		cancel()
	}()

	err = o.step(taskCtx, t)
	if err == nil {
		// A cancel that arrived after this turn's attempt committed fired an
		// inert context cancel. Settle it now instead of letting the task run
		// another stage.
		if o.cancelRequested(id) && !t.State.IsTerminal() {
			o.settleCancelled(id)
			return
		}
		o.releaseLock(t)
		return
	}

	// A cancellation of this task (not a daemon shutdown) discards whatever
	// the in-flight call produced and settles the task as cancelled.
	if errors.Is(err, context.Canceled) && runCtx.Err() == nil {
		o.settleCancelled(id)
		return
	}

	if runCtx.Err() != nil {
		// Shutdown mid-step: the task stays in_progress and is reconciled on
		// the next start.
		return
	}
	o.logger.Warn("task step failed, will retry on next sweep",
		zap.String("task_id", id), zap.Error(err))
}

// settleCancelled persists a requested cancellation. The caller holds the
// task's lock. The marker survives infrastructure errors so a later turn can
// settle; it is cleared only once the task is known settled.
func (o *Orchestrator) settleCancelled(id string) {
	fresh, err := o.store.GetTask(context.Background(), id)
	if err != nil {
		o.logger.Warn("reload cancelled task", zap.String("task_id", id), zap.Error(err))
		return
	}
	if cerr := fresh.Cancel(); cerr != nil {
		// Already settled by a command or a completed attempt.
		o.clearCancelRequest(id)
		o.releaseLock(fresh)
		return
	}
	if uerr := o.store.UpdateTask(context.Background(), fresh); uerr != nil {
		o.logger.Error("persist cancellation", zap.String("task_id", id), zap.Error(uerr))
		return
	}
	o.clearCancelRequest(id)
	o.logger.Info("task cancelled", zap.String("task_id", id))
	o.publishState(fresh)
	o.releaseLock(fresh)
}

// sweep enqueues every task eligible for progress. Saturated workers mean a
// full queue; skipped tasks are picked up by a later sweep.
func (o *Orchestrator) sweep(ctx context.Context) {
	for _, state := range []task.State{task.StatePending, task.StateInProgress} {
		s := state
		tasks, err := o.store.ListTasks(ctx, ledger.Filter{State: &s})
		if err != nil {
			o.logger.Warn("sweep tasks", zap.Error(err))
			return
		}
		for _, t := range tasks {
			if o.isInflight(t.ID) {
				continue
			}
			o.enqueue(t.ID)
		}
	}

	if o.metrics != nil {
		if stats, err := o.store.Stats(ctx); err == nil {
			o.metrics.SetStateCounts(stats.CountsByState)
		}
	}
}

func (o *Orchestrator) enqueue(id string) {
	select {
	case o.queue <- id:
	default:
	}
}

// CreateTask accepts a new issue reference and queues it for pickup.
func (o *Orchestrator) CreateTask(ctx context.Context, issueRef string) (*task.Task, error) {
	if issueRef == "" {
		return nil, errors.New("issue_ref is required")
	}
	t := task.New(issueRef)
	if err := o.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.TasksCreated.Inc()
	}
	o.logger.Info("task created", zap.String("task_id", t.ID), zap.String("issue_ref", issueRef))
	o.publisher.Publish(events.FromTask(t))
	o.enqueue(t.ID)
	return t, nil
}

// Retry re-enters a failed task at the stage that failed.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*task.Task, error) {
	return o.command(ctx, id, func(t *task.Task) error { return t.Retry() })
}

// Approve settles an awaiting_approval task: completion after a final-stage
// pause, resumption after a mid-pipeline pause.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*task.Task, error) {
	return o.command(ctx, id, func(t *task.Task) error {
		if t.CurrentStage == task.StageDone {
			return t.Complete()
		}
		return t.Resume()
	})
}

// Cancel requests cancellation. A task mid-attempt is flagged and settles at
// its next suspension point; an idle task settles immediately. The flag is
// recorded before the context cancel fires so the request survives even when
// the running attempt has already committed.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*task.Task, error) {
	o.mu.Lock()
	cancel, running := o.inflight[id]
	if running {
		o.cancelRequests[id] = struct{}{}
	}
	o.mu.Unlock()
	if running {
		cancel()
		t, err := o.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		o.logger.Info("cancellation requested", zap.String("task_id", id))
		return t, nil
	}
	return o.command(ctx, id, func(t *task.Task) error { return t.Cancel() })
}

// command applies a validated transition under the task lock and persists.
func (o *Orchestrator) command(ctx context.Context, id string, apply func(*task.Task) error) (*task.Task, error) {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := o.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(t); err != nil {
		o.releaseLock(t)
		return nil, err
	}
	if err := o.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	o.publishState(t)
	o.releaseLock(t)
	if t.State == task.StateInProgress {
		o.enqueue(t.ID)
	}
	return t, nil
}
