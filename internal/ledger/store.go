package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// ErrNotFound is returned when a task id has no row.
var ErrNotFound = errors.New("task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	issue_ref         TEXT NOT NULL,
	state             TEXT NOT NULL,
	current_stage     TEXT NOT NULL,
	attempts          TEXT NOT NULL DEFAULT '{}',
	warnings          TEXT NOT NULL DEFAULT '[]',
	terminal_reason   TEXT,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS stage_attempts (
	task_id           TEXT NOT NULL REFERENCES tasks(id),
	stage             TEXT NOT NULL,
	attempt_number    INTEGER NOT NULL,
	input_fingerprint TEXT NOT NULL,
	output            TEXT NOT NULL DEFAULT '',
	policy_result     TEXT,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	started_at        DATETIME NOT NULL,
	finished_at       DATETIME NOT NULL,
	outcome           TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, stage, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON stage_attempts(task_id);
`

// Store is the SQLite-backed ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at dbPath and ensures the
// schema exists. Use ":memory:" for tests. The caller must Close.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateTask inserts a freshly created task.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	attempts, warnings, reason, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, issue_ref, state, current_stage, attempts, warnings, terminal_reason,
			 prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.IssueRef, string(t.State), string(t.CurrentStage),
		attempts, warnings, reason,
		t.Cost.PromptTokens, t.Cost.CompletionTokens, t.Cost.TotalTokens, t.Cost.USD,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task snapshot by id.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, issue_ref, state, current_stage, attempts, warnings, terminal_reason,
		       prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns task snapshots matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter Filter) ([]*task.Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT id, issue_ref, state, current_stage, attempts, warnings, terminal_reason,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, updated_at
		FROM tasks WHERE 1=1`)
	args := []any{}
	if filter.State != nil {
		q.WriteString(" AND state=?")
		args = append(args, string(*filter.State))
	}
	q.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask saves a task mutation that has no accompanying attempt
// (creation-time transitions, cancel, retry, approve).
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateTaskTx(ctx, tx, t)
	})
}

// CommitAttempt appends one stage attempt and persists the task mutation it
// caused in a single transaction. This is the only write path during stage
// execution, which keeps the ledger and the task consistent across crashes.
func (s *Store) CommitAttempt(ctx context.Context, t *task.Task, a *Attempt) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertAttemptTx(ctx, tx, a); err != nil {
			return err
		}
		return updateTaskTx(ctx, tx, t)
	})
}

// Attempts returns every recorded attempt for a task ordered by
// (stage position, attempt_number).
func (s *Store) Attempts(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, stage, attempt_number, input_fingerprint, output, policy_result,
		       prompt_tokens, completion_tokens, total_tokens, cost_usd,
		       started_at, finished_at, outcome, error
		FROM stage_attempts WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortAttempts(attempts)
	return attempts, nil
}

// LatestSuccessfulOutputs returns, per stage, the output of the most recent
// successful attempt. This is what feeds the next stage's context bundle.
func (s *Store) LatestSuccessfulOutputs(ctx context.Context, taskID string) (map[task.Stage]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, output FROM stage_attempts
		WHERE task_id = ? AND outcome = ?
		ORDER BY attempt_number ASC`, taskID, string(OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("load successful outputs: %w", err)
	}
	defer rows.Close()

	outputs := make(map[task.Stage]string)
	for rows.Next() {
		var stage, output string
		if err := rows.Scan(&stage, &output); err != nil {
			return nil, err
		}
		// Ascending order means later attempts overwrite earlier ones.
		outputs[task.Stage(stage)] = output
	}
	return outputs, rows.Err()
}

// Stats aggregates the metrics snapshot for the control surface.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountsByState: make(map[task.State]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("aggregate states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats.CountsByState[task.State(state)] = n
		stats.TotalTasks += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens),0), COALESCE(SUM(cost_usd),0) FROM tasks`)
	if err := row.Scan(&stats.TotalTokens, &stats.TotalUSD); err != nil {
		return nil, fmt.Errorf("aggregate cost: %w", err)
	}

	terminal := stats.CountsByState[task.StateCompleted] +
		stats.CountsByState[task.StateFailed] +
		stats.CountsByState[task.StateCancelled]
	if terminal > 0 {
		stats.SuccessRate = float64(stats.CountsByState[task.StateCompleted]) / float64(terminal)
	}
	return stats, nil
}

// Reconcile repairs tasks interrupted mid-stage. Because attempts and task
// mutations commit together, the only crash artifact is a task counter that
// got ahead of the ledger in memory and was never persisted; any in_progress
// task with no live worker is simply eligible for pickup again. Returns the
// ids of in_progress tasks to requeue.
func (s *Store) Reconcile(ctx context.Context) ([]string, error) {
	state := task.StateInProgress
	tasks, err := s.ListTasks(ctx, Filter{State: &state})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func updateTaskTx(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	attempts, warnings, reason, err := marshalTaskJSON(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			state=?, current_stage=?, attempts=?, warnings=?, terminal_reason=?,
			prompt_tokens=?, completion_tokens=?, total_tokens=?, cost_usd=?, updated_at=?
		WHERE id=?`,
		string(t.State), string(t.CurrentStage), attempts, warnings, reason,
		t.Cost.PromptTokens, t.Cost.CompletionTokens, t.Cost.TotalTokens, t.Cost.USD,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func insertAttemptTx(ctx context.Context, tx *sql.Tx, a *Attempt) error {
	var policyJSON any
	if a.PolicyResult != nil {
		b, err := json.Marshal(a.PolicyResult)
		if err != nil {
			return fmt.Errorf("marshal policy result: %w", err)
		}
		policyJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stage_attempts
			(task_id, stage, attempt_number, input_fingerprint, output, policy_result,
			 prompt_tokens, completion_tokens, total_tokens, cost_usd,
			 started_at, finished_at, outcome, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.TaskID, string(a.Stage), a.AttemptNumber, a.InputFingerprint, a.Output, policyJSON,
		a.Cost.PromptTokens, a.Cost.CompletionTokens, a.Cost.TotalTokens, a.Cost.USD,
		a.StartedAt, a.FinishedAt, string(a.Outcome), a.Error,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func marshalTaskJSON(t *task.Task) (attempts, warnings string, reason any, err error) {
	ab, err := json.Marshal(t.Attempts)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal attempts: %w", err)
	}
	wb, err := json.Marshal(t.Warnings)
	if err != nil {
		return "", "", nil, fmt.Errorf("marshal warnings: %w", err)
	}
	if t.TerminalReason != nil {
		rb, err := json.Marshal(t.TerminalReason)
		if err != nil {
			return "", "", nil, fmt.Errorf("marshal terminal reason: %w", err)
		}
		reason = string(rb)
	}
	return string(ab), string(wb), reason, nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*task.Task, error) {
	var t task.Task
	var state, stage, attemptsJSON, warningsJSON string
	var reasonJSON sql.NullString

	err := sc.Scan(
		&t.ID, &t.IssueRef, &state, &stage, &attemptsJSON, &warningsJSON, &reasonJSON,
		&t.Cost.PromptTokens, &t.Cost.CompletionTokens, &t.Cost.TotalTokens, &t.Cost.USD,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = task.State(state)
	t.CurrentStage = task.Stage(stage)
	t.Attempts = make(map[task.Stage]int)
	if err := json.Unmarshal([]byte(attemptsJSON), &t.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if err := json.Unmarshal([]byte(warningsJSON), &t.Warnings); err != nil {
		return nil, fmt.Errorf("unmarshal warnings: %w", err)
	}
	if reasonJSON.Valid {
		var r task.TerminalReason
		if err := json.Unmarshal([]byte(reasonJSON.String), &r); err != nil {
			return nil, fmt.Errorf("unmarshal terminal reason: %w", err)
		}
		t.TerminalReason = &r
	}
	return &t, nil
}

func scanAttempt(sc scanner) (*Attempt, error) {
	var a Attempt
	var stage, outcome string
	var policyJSON sql.NullString

	err := sc.Scan(
		&a.TaskID, &stage, &a.AttemptNumber, &a.InputFingerprint, &a.Output, &policyJSON,
		&a.Cost.PromptTokens, &a.Cost.CompletionTokens, &a.Cost.TotalTokens, &a.Cost.USD,
		&a.StartedAt, &a.FinishedAt, &outcome, &a.Error,
	)
	if err != nil {
		return nil, err
	}
	a.Stage = task.Stage(stage)
	a.Outcome = Outcome(outcome)
	if policyJSON.Valid {
		var r policy.Result
		if err := json.Unmarshal([]byte(policyJSON.String), &r); err != nil {
			return nil, fmt.Errorf("unmarshal policy result: %w", err)
		}
		a.PolicyResult = &r
	}
	return &a, nil
}

// sortAttempts orders by pipeline position, then attempt number.
func sortAttempts(attempts []Attempt) {
	for i := 1; i < len(attempts); i++ {
		for j := i; j > 0 && attemptLess(attempts[j], attempts[j-1]); j-- {
			attempts[j], attempts[j-1] = attempts[j-1], attempts[j]
		}
	}
}

func attemptLess(a, b Attempt) bool {
	ai, bi := task.StageIndex(a.Stage), task.StageIndex(b.Stage)
	if ai != bi {
		return ai < bi
	}
	return a.AttemptNumber < b.AttemptNumber
}
