// Package ledger persists tasks and their append-only execution history.
// Every stage attempt — success or failure — becomes exactly one immutable
// row, committed in the same transaction as the task mutation it caused, so
// a crash can never leave the task and its audit trail disagreeing.
package ledger

import (
	"time"

	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Outcome classifies how a stage attempt ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomePolicyBlocked Outcome = "policy_blocked"
)

// Attempt is one execution of one stage for one task. Rows are append-only;
// they are never updated after insertion.
type Attempt struct {
	TaskID           string         `json:"task_id"`
	Stage            task.Stage     `json:"stage"`
	AttemptNumber    int            `json:"attempt_number"`
	InputFingerprint string         `json:"input_fingerprint"`
	Output           string         `json:"output,omitempty"`
	PolicyResult     *policy.Result `json:"policy_result,omitempty"`
	Cost             task.Cost      `json:"cost"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Outcome          Outcome        `json:"outcome"`
	Error            string         `json:"error,omitempty"`
}

// Filter controls which tasks List returns.
type Filter struct {
	State *task.State
	Limit int
}

// Stats is the aggregate metrics snapshot served by the control surface.
type Stats struct {
	CountsByState map[task.State]int `json:"counts_by_state"`
	TotalTasks    int                `json:"total_tasks"`
	TotalTokens   int64              `json:"total_tokens"`
	TotalUSD      float64            `json:"total_usd"`
	SuccessRate   float64            `json:"success_rate"`
}
