// Package events publishes task lifecycle events to NATS so external
// dashboards and bots can follow progress without polling the API.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/config"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Kind is the event type.
type Kind string

const (
	KindCreated          Kind = "task.created"
	KindStageCompleted   Kind = "task.stage_completed"
	KindAwaitingApproval Kind = "task.awaiting_approval"
	KindCompleted        Kind = "task.completed"
	KindFailed           Kind = "task.failed"
	KindCancelled        Kind = "task.cancelled"
)

// Event is the published payload.
type Event struct {
	Kind       Kind       `json:"kind"`
	TaskID     string     `json:"task_id"`
	IssueRef   string     `json:"issue_ref"`
	State      task.State `json:"state"`
	Stage      task.Stage `json:"stage"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Publisher emits lifecycle events. Publishing is best effort: the
// orchestrator never fails a task over a lost event.
type Publisher interface {
	Publish(event Event)
	Close()
}

// NoopPublisher is used when events are disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
func (NoopPublisher) Close()        {}

// NATSPublisher publishes events on a single subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher connects to NATS, or returns a NoopPublisher when events are
// disabled.
func NewPublisher(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return NoopPublisher{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("devhive"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	return &NATSPublisher{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("marshal event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		p.logger.Warn("publish event",
			zap.String("kind", string(event.Kind)),
			zap.String("task_id", event.TaskID),
			zap.Error(err),
		)
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("drain nats connection", zap.Error(err))
	}
}

// FromTask builds the event matching a task's current state.
func FromTask(t *task.Task) Event {
	e := Event{
		TaskID:     t.ID,
		IssueRef:   t.IssueRef,
		State:      t.State,
		Stage:      t.CurrentStage,
		OccurredAt: time.Now().UTC(),
	}
	switch t.State {
	case task.StatePending:
		e.Kind = KindCreated
	case task.StateInProgress:
		e.Kind = KindStageCompleted
	case task.StateAwaitingApproval:
		e.Kind = KindAwaitingApproval
	case task.StateCompleted:
		e.Kind = KindCompleted
	case task.StateFailed:
		e.Kind = KindFailed
	case task.StateCancelled:
		e.Kind = KindCancelled
	}
	return e
}
