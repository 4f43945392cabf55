// Package agent wraps one pipeline stage invocation: it calls the model
// capability, classifies failures, retries recoverable ones with backoff, and
// hands every attempt to the ledger before returning control.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// StageConfig carries the per-stage model settings. Snapshots are immutable;
// a configuration reload builds new configs rather than mutating these.
type StageConfig struct {
	// Model is the model identifier sent to the invoker.
	Model string `koanf:"model"`

	// Temperature for sampling. Zero means the invoker's default.
	Temperature float64 `koanf:"temperature"`

	// MaxOutputTokens caps the completion length. Zero means invoker default.
	MaxOutputTokens int `koanf:"max_output_tokens"`

	// MaxRetries bounds attempts per stage entry. Zero means DefaultMaxRetries.
	MaxRetries int `koanf:"max_retries"`

	// BaseBackoff is the first retry delay; it doubles per attempt.
	// Zero means DefaultBaseBackoff.
	BaseBackoff time.Duration `koanf:"base_backoff"`
}

const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 2 * time.Second
)

// MaxAttempts is the effective retry budget.
func (c StageConfig) MaxAttempts() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

// Backoff is the effective first retry delay.
func (c StageConfig) Backoff() time.Duration {
	if c.BaseBackoff <= 0 {
		return DefaultBaseBackoff
	}
	return c.BaseBackoff
}

// TokenUsage is what one invocation consumed.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Invocation is the opaque result of one model call.
type Invocation struct {
	RawOutput string
	Usage     TokenUsage
}

// Invoker is the model capability. Implementations classify their own errors
// with Recoverablef and Fatalf; unclassified errors are treated as
// recoverable. An Invocation may accompany an error when tokens were consumed
// before the call failed.
type Invoker interface {
	Invoke(ctx context.Context, stage task.Stage, bundle *assemble.Bundle, cfg StageConfig) (*Invocation, error)
}

// RecoverableError marks a transient failure worth retrying: network trouble,
// rate limits, ambiguous model output.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying cannot fix: malformed output,
// authentication, unsafe content.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Recoverablef builds a RecoverableError.
func Recoverablef(format string, args ...any) error {
	return &RecoverableError{Err: fmt.Errorf(format, args...)}
}

// Fatalf builds a FatalError.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is marked fatal. Anything not fatal is retried.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// modelRate is USD per million tokens.
type modelRate struct {
	input  float64
	output float64
}

// modelRates holds the published per-token pricing used for the cost
// estimate. Unknown models fall back to defaultRate.
var modelRates = map[string]modelRate{
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-opus-4-1":   {15.00, 75.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
}

var defaultRate = modelRate{3.00, 15.00}

// Cost converts usage into the ledger cost record for the given model.
func (u TokenUsage) Cost(model string) task.Cost {
	r, ok := modelRates[model]
	if !ok {
		r = defaultRate
	}
	return task.Cost{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.PromptTokens + u.CompletionTokens,
		USD: float64(u.PromptTokens)/1e6*r.input +
			float64(u.CompletionTokens)/1e6*r.output,
	}
}
