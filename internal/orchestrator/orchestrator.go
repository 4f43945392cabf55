// Package orchestrator drives tasks through the agent pipeline. A worker
// pool advances each eligible task by exactly one stage per scheduling turn;
// a per-task lock keeps all mutation single-writer, and cancellation is a
// cooperative flag observed at suspension points.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/agent"
	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/config"
	"github.com/fyrsmithlabs/devhive/internal/events"
	"github.com/fyrsmithlabs/devhive/internal/forge"
	"github.com/fyrsmithlabs/devhive/internal/ledger"
	"github.com/fyrsmithlabs/devhive/internal/metrics"
	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// snapshot is the immutable policy view a running stage evaluates against.
// Reloads build a fresh snapshot; tasks mid-step keep the one they loaded.
type snapshot struct {
	engine          *policy.Engine
	pauseOnWarn     bool
	requireApproval bool
}

// Options wires an Orchestrator.
type Options struct {
	Store     *ledger.Store
	Assembler *assemble.Assembler
	Agents    *agent.Runner
	Forge     forge.Provider
	Stages    config.StagesConfig
	Policies  config.PoliciesConfig
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// Workers bounds concurrent stage attempts. QueueSize bounds queued
	// pickups. PollInterval is the eligibility sweep period.
	Workers      int
	QueueSize    int
	PollInterval time.Duration
}

// Orchestrator owns the scheduler, the per-task locks, and the command
// surface (create, retry, cancel, approve).
type Orchestrator struct {
	store     *ledger.Store
	assembler *assemble.Assembler
	agents    *agent.Runner
	forge     forge.Provider
	stages    config.StagesConfig
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	snap atomic.Pointer[snapshot]

	workers      int
	pollInterval time.Duration
	queue        chan string

	locks sync.Map // task id -> *sync.Mutex

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	// cancelRequests carries cancel intent across scheduling turns. A cancel
	// that lands after an attempt committed cannot be absorbed by the
	// attempt's context; the flag survives until a turn observes it.
	cancelRequests map[string]struct{}
}

// New builds an Orchestrator and its initial policy snapshot.
func New(opts Options) (*Orchestrator, error) {
	engine, err := policy.New(opts.Policies.Rules)
	if err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}

	o := &Orchestrator{
		store:          opts.Store,
		assembler:      opts.Assembler,
		agents:         opts.Agents,
		forge:          opts.Forge,
		stages:         opts.Stages,
		publisher:      opts.Publisher,
		metrics:        opts.Metrics,
		logger:         opts.Logger.Named("orchestrator"),
		tracer:         otel.Tracer("devhive.orchestrator"),
		workers:        opts.Workers,
		pollInterval:   opts.PollInterval,
		queue:          make(chan string, opts.QueueSize),
		inflight:       make(map[string]context.CancelFunc),
		cancelRequests: make(map[string]struct{}),
	}
	o.snap.Store(&snapshot{
		engine:          engine,
		pauseOnWarn:     opts.Policies.PauseOnWarn,
		requireApproval: opts.Policies.RequireApproval,
	})
	return o, nil
}

// SwapPolicies installs a fresh policy snapshot. Tasks already mid-step keep
// evaluating against the snapshot they started with.
func (o *Orchestrator) SwapPolicies(cfg config.PoliciesConfig) error {
	engine, err := policy.New(cfg.Rules)
	if err != nil {
		return fmt.Errorf("rebuild policy engine: %w", err)
	}
	o.snap.Store(&snapshot{
		engine:          engine,
		pauseOnWarn:     cfg.PauseOnWarn,
		requireApproval: cfg.RequireApproval,
	})
	o.logger.Info("policy snapshot swapped")
	return nil
}

// PolicyConfig exposes the active rule snapshot for the control surface.
func (o *Orchestrator) PolicyConfig() policy.Config {
	return o.snap.Load().engine.Config()
}

func (o *Orchestrator) lockFor(id string) *sync.Mutex {
	l, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (o *Orchestrator) setInflight(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.inflight[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) clearInflight(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

// finishInflight closes out a scheduling turn. A marker left by a cancel that
// the attempt never absorbed stays set unless the task settled terminally
// anyway, in which case it is stale and dropped.
func (o *Orchestrator) finishInflight(id string, t *task.Task) {
	o.mu.Lock()
	delete(o.inflight, id)
	if t != nil && t.State.IsTerminal() {
		delete(o.cancelRequests, id)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) isInflight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[id]
	return ok
}

func (o *Orchestrator) cancelRequested(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelRequests[id]
	return ok
}

func (o *Orchestrator) clearCancelRequest(id string) {
	o.mu.Lock()
	delete(o.cancelRequests, id)
	o.mu.Unlock()
}

// releaseLock drops a settled task's lock entry. Failed tasks keep theirs:
// a retry command re-enters the pipeline and must stay serialized with any
// straggling turn for the same id.
func (o *Orchestrator) releaseLock(t *task.Task) {
	if t.State == task.StateCompleted || t.State == task.StateCancelled {
		o.locks.Delete(t.ID)
	}
}

func (o *Orchestrator) publishState(t *task.Task) {
	o.publisher.Publish(events.FromTask(t))
}
