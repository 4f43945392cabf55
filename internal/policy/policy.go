// Package policy evaluates guardrail rules against stage output. Evaluation
// is pure: the same (stage, subject, rules) triple always yields the same
// result, which keeps audits reproducible and tests free of agent calls.
//
// Rule configuration is an immutable snapshot. A configuration reload builds
// a new Engine rather than mutating one that running tasks may be reading.
package policy

import (
	"fmt"

	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Rule names, referenced in terminal reasons and task warnings.
const (
	RuleLOCLimit       = "loc_limit"
	RuleNewDependency  = "new_dependency"
	RuleCoverage       = "coverage"
	RuleBreakingChange = "breaking_change"
	RuleSecretPattern  = "secret_pattern"
)

// Severity orders policy outcomes. A single block outweighs any number of
// warns.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityBlock
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityBlock:
		return "block"
	default:
		return "none"
	}
}

// Config is the rule snapshot an Engine is built from. Zero-value thresholds
// disable the corresponding rule; the secret rule cannot be disabled and its
// severity cannot be lowered.
type Config struct {
	// MaxChangedLines caps the changed-line count of a diff. 0 disables.
	MaxChangedLines int `koanf:"max_changed_lines"`

	// AllowNewDependencies permits stage output that introduces external
	// dependencies.
	AllowNewDependencies bool `koanf:"allow_new_dependencies"`

	// MinCoverage is the minimum reported test coverage percentage.
	// 0 disables the check.
	MinCoverage float64 `koanf:"min_coverage"`

	// CoverageBlocks upgrades the coverage rule from warn to block.
	CoverageBlocks bool `koanf:"coverage_blocks"`

	// AllowBreakingChanges permits detected public-interface changes.
	AllowBreakingChanges bool `koanf:"allow_breaking_changes"`
}

// Validate checks the snapshot for nonsensical values.
func (c Config) Validate() error {
	if c.MaxChangedLines < 0 {
		return fmt.Errorf("max_changed_lines cannot be negative: %d", c.MaxChangedLines)
	}
	if c.MinCoverage < 0 || c.MinCoverage > 100 {
		return fmt.Errorf("min_coverage must be within [0,100]: %v", c.MinCoverage)
	}
	return nil
}

// Subject is the view of a stage's output that rules evaluate. The agent
// layer parses raw output into this shape so the engine never touches
// model-specific payloads.
type Subject struct {
	// ChangedLines is the added+removed line count of the produced diff.
	ChangedLines int

	// NewDependencies lists external dependencies the diff introduces.
	NewDependencies []string

	// Coverage is the reported test coverage percentage, when the stage
	// produced one.
	Coverage *float64

	// BreakingChange is set when a public-interface change was detected.
	BreakingChange bool

	// Content is the raw text scanned for secret patterns.
	Content string
}

// Violation is one fired rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the outcome of evaluating all rules against one subject.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
	Severity   Severity    `json:"severity"`
}

// Blocked reports whether any violation blocks the task.
func (r Result) Blocked() bool { return r.Severity == SeverityBlock }

// Warnings returns the warn-severity violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarn {
			out = append(out, v)
		}
	}
	return out
}

// RuleNames returns the fired rule names in evaluation order.
func (r Result) RuleNames() []string {
	names := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		names = append(names, v.Rule)
	}
	return names
}

// Engine holds an immutable rule snapshot plus the compiled secret detector.
type Engine struct {
	cfg     Config
	secrets *secretScanner
}

// New builds an Engine from a rule snapshot. The gitleaks default ruleset is
// compiled once here; Evaluate does no further setup.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy config: %w", err)
	}
	scanner, err := newSecretScanner()
	if err != nil {
		return nil, fmt.Errorf("compile secret rules: %w", err)
	}
	return &Engine{cfg: cfg, secrets: scanner}, nil
}

// Config returns the snapshot the engine was built from.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate runs every enabled rule against the subject. The overall severity
// is the maximum across violations.
func (e *Engine) Evaluate(stage task.Stage, subject Subject) Result {
	var res Result

	if e.cfg.MaxChangedLines > 0 && subject.ChangedLines > e.cfg.MaxChangedLines {
		res.Violations = append(res.Violations, Violation{
			Rule:     RuleLOCLimit,
			Severity: SeverityBlock,
			Message: fmt.Sprintf("changed lines %d exceed cap %d",
				subject.ChangedLines, e.cfg.MaxChangedLines),
		})
	}

	if !e.cfg.AllowNewDependencies && len(subject.NewDependencies) > 0 {
		res.Violations = append(res.Violations, Violation{
			Rule:     RuleNewDependency,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("new dependencies not allowed: %v", subject.NewDependencies),
		})
	}

	if e.cfg.MinCoverage > 0 && subject.Coverage != nil && *subject.Coverage < e.cfg.MinCoverage {
		sev := SeverityWarn
		if e.cfg.CoverageBlocks {
			sev = SeverityBlock
		}
		res.Violations = append(res.Violations, Violation{
			Rule:     RuleCoverage,
			Severity: sev,
			Message: fmt.Sprintf("coverage %.1f%% below minimum %.1f%%",
				*subject.Coverage, e.cfg.MinCoverage),
		})
	}

	if !e.cfg.AllowBreakingChanges && subject.BreakingChange {
		res.Violations = append(res.Violations, Violation{
			Rule:     RuleBreakingChange,
			Severity: SeverityBlock,
			Message:  "public-interface change detected and breaking changes are disallowed",
		})
	}

	// The secret rule ignores all configuration: a match always blocks.
	if findings := e.secrets.scan(subject.Content); len(findings) > 0 {
		res.Violations = append(res.Violations, Violation{
			Rule:     RuleSecretPattern,
			Severity: SeverityBlock,
			Message:  fmt.Sprintf("matched %d denylisted secret pattern(s): %v", len(findings), findings),
		})
	}

	for _, v := range res.Violations {
		if v.Severity > res.Severity {
			res.Severity = v.Severity
		}
	}
	_ = stage // stage is part of the audit triple; no rule is stage-scoped today
	return res
}
