package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// Output is a stage's raw output plus the stage-specific parse of it. Exactly
// one of the typed fields is set, matching the stage.
type Output struct {
	Stage task.Stage
	Raw   string

	Plan   *Plan
	Diff   *Diff
	Report *TestReport
	Review *Review
}

// Plan is the structured result of the plan stage.
type Plan struct {
	Steps []string `json:"steps"`
}

// Diff is the parsed view of an implement or refactor stage's unified diff.
type Diff struct {
	Patch           string
	ChangedLines    int
	NewDependencies []string
	BreakingChange  bool
}

// TestReport is the structured result of the test stage.
type TestReport struct {
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Coverage *float64 `json:"coverage,omitempty"`
}

// Review verdicts.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
)

// Review is the structured result of the review stage.
type Review struct {
	Verdict  string   `json:"verdict"`
	Comments []string `json:"comments,omitempty"`
}

// Parse interprets raw output for a stage. A parse failure is a FatalError:
// malformed output does not improve with an identical retry prompt.
func Parse(stage task.Stage, raw string) (*Output, error) {
	out := &Output{Stage: stage, Raw: raw}

	switch stage {
	case task.StagePlan:
		var p Plan
		if err := decodeJSON(raw, &p); err != nil {
			return nil, Fatalf("parse plan output: %w", err)
		}
		if len(p.Steps) == 0 {
			return nil, Fatalf("plan output has no steps")
		}
		out.Plan = &p

	case task.StageImplement, task.StageRefactor:
		d, err := parseDiff(raw)
		if err != nil {
			return nil, Fatalf("parse diff output: %w", err)
		}
		out.Diff = d

	case task.StageTest:
		var r TestReport
		if err := decodeJSON(raw, &r); err != nil {
			return nil, Fatalf("parse test report: %w", err)
		}
		if r.Passed < 0 || r.Failed < 0 {
			return nil, Fatalf("test report has negative counts")
		}
		out.Report = &r

	case task.StageReview:
		var r Review
		if err := decodeJSON(raw, &r); err != nil {
			return nil, Fatalf("parse review verdict: %w", err)
		}
		if r.Verdict != VerdictApprove && r.Verdict != VerdictRequestChanges {
			return nil, Fatalf("unknown review verdict %q", r.Verdict)
		}
		out.Review = &r

	default:
		return nil, Fatalf("no parser for stage %q", stage)
	}
	return out, nil
}

// PolicySubject projects the output into the shape the policy engine
// evaluates. The raw text is always carried for secret scanning.
func (o *Output) PolicySubject() policy.Subject {
	s := policy.Subject{Content: o.Raw}
	if o.Diff != nil {
		s.ChangedLines = o.Diff.ChangedLines
		s.NewDependencies = o.Diff.NewDependencies
		s.BreakingChange = o.Diff.BreakingChange
	}
	if o.Report != nil {
		s.Coverage = o.Report.Coverage
	}
	return s
}

// decodeJSON unmarshals raw into v, tolerating a fenced code block or prose
// around the JSON object.
func decodeJSON(raw string, v any) error {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object found")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}

// parseDiff reads a unified diff: changed-line count, dependencies added to
// go.mod, and removed exported declarations that were not re-added verbatim.
func parseDiff(raw string) (*Diff, error) {
	if !strings.Contains(raw, "+++") && !strings.Contains(raw, "@@") {
		return nil, fmt.Errorf("output is not a unified diff")
	}

	d := &Diff{Patch: raw}
	inGoMod := false
	added := map[string]bool{}
	var removedDecls []string

	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"):
			inGoMod = strings.HasSuffix(strings.TrimSpace(line), "go.mod")
			continue
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
			continue
		}

		switch {
		case strings.HasPrefix(line, "+"):
			d.ChangedLines++
			body := strings.TrimSpace(line[1:])
			added[body] = true
			if inGoMod {
				if dep := requireModule(body); dep != "" {
					d.NewDependencies = append(d.NewDependencies, dep)
				}
			}
		case strings.HasPrefix(line, "-"):
			d.ChangedLines++
			body := strings.TrimSpace(line[1:])
			if isExportedDecl(body) {
				removedDecls = append(removedDecls, body)
			}
		}
	}

	for _, decl := range removedDecls {
		if !added[decl] {
			d.BreakingChange = true
			break
		}
	}
	return d, nil
}

// requireModule extracts the module path from a go.mod require line, either
// inline ("require example.com/x v1.2.3") or inside a require block
// ("example.com/x v1.2.3").
func requireModule(line string) string {
	line = strings.TrimPrefix(line, "require ")
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}
	if !strings.Contains(fields[0], ".") || !strings.HasPrefix(fields[1], "v") {
		return ""
	}
	return fields[0]
}

// isExportedDecl reports whether line declares an exported top-level
// identifier.
func isExportedDecl(line string) bool {
	for _, prefix := range []string{"func ", "type ", "var ", "const "} {
		rest, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			continue
		}
		c := rest[0]
		if c >= 'A' && c <= 'Z' {
			return true
		}
	}
	return false
}
