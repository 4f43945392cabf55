// Package task defines the task model and its lifecycle state machine.
// A Task tracks one external issue through the agent pipeline; all mutation
// goes through the transition methods so state and stage stay consistent.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Stage is one ordered step of the agent pipeline.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageImplement Stage = "implement"
	StageTest      Stage = "test"
	StageRefactor  Stage = "refactor"
	StageReview    Stage = "review"

	// StageDone marks a task that finished the full pipeline.
	StageDone Stage = "done"
)

// Pipeline returns the executable stages in order. StageDone is not part of
// the pipeline; it is the cursor position after review succeeds.
func Pipeline() []Stage {
	return []Stage{StagePlan, StageImplement, StageTest, StageRefactor, StageReview}
}

// NextStage returns the stage after s, or StageDone when s is the final stage.
// The second return is false if s is not a pipeline stage.
func NextStage(s Stage) (Stage, bool) {
	stages := Pipeline()
	for i, st := range stages {
		if st == s {
			if i == len(stages)-1 {
				return StageDone, true
			}
			return stages[i+1], true
		}
	}
	return "", false
}

// StageIndex returns the position of s in the pipeline, or -1.
func StageIndex(s Stage) int {
	for i, st := range Pipeline() {
		if st == s {
			return i
		}
	}
	return -1
}

// State is the externally visible lifecycle state of a task.
type State string

const (
	StatePending          State = "pending"
	StateInProgress       State = "in_progress"
	StateAwaitingApproval State = "awaiting_approval"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// IsTerminal reports whether no further automatic progress occurs from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Cost accumulates token usage and the estimated spend for a task or attempt.
type Cost struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	USD              float64 `json:"usd"`
}

// Add accumulates other into c.
func (c *Cost) Add(other Cost) {
	c.PromptTokens += other.PromptTokens
	c.CompletionTokens += other.CompletionTokens
	c.TotalTokens += other.TotalTokens
	c.USD += other.USD
}

// ReasonKind classifies why a task reached the failed state.
type ReasonKind string

const (
	ReasonPolicyBlocked    ReasonKind = "policy_blocked"
	ReasonRetriesExhausted ReasonKind = "retries_exhausted"
	ReasonFatal            ReasonKind = "fatal"
	ReasonContextTooLarge  ReasonKind = "context_too_large"
)

// TerminalReason explains a failed task with enough structure for a client
// to decide whether a retry is worthwhile.
type TerminalReason struct {
	Stage   Stage      `json:"stage"`
	Kind    ReasonKind `json:"kind"`
	Rules   []string   `json:"rules,omitempty"`
	Message string     `json:"message"`
}

// Warning records a warn-severity policy finding that did not stop the task.
type Warning struct {
	Stage   Stage  `json:"stage"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Task is the unit of orchestration: one external issue being turned into a
// reviewed code change.
type Task struct {
	ID             string          `json:"id"`
	IssueRef       string          `json:"issue_ref"`
	State          State           `json:"state"`
	CurrentStage   Stage           `json:"current_stage"`
	Attempts       map[Stage]int   `json:"attempts"`
	Warnings       []Warning       `json:"warnings,omitempty"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`
	Cost           Cost            `json:"cost"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// New creates a pending task for the given issue reference.
func New(issueRef string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           uuid.NewString(),
		IssueRef:     issueRef,
		State:        StatePending,
		CurrentStage: StagePlan,
		Attempts:     make(map[Stage]int),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// touch updates the modification timestamp.
func (t *Task) touch() {
	t.UpdatedAt = time.Now().UTC()
}
