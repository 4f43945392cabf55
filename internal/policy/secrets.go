package policy

import (
	"sort"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// secretScanner wraps the gitleaks detector with its default ruleset
// (hundreds of vendor-specific credential patterns). The detector is
// stateless after construction, so one instance serves all evaluations.
type secretScanner struct {
	detector *detect.Detector
}

func newSecretScanner() (*secretScanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, err
	}
	return &secretScanner{detector: detector}, nil
}

// scan returns the distinct rule IDs that matched, sorted for deterministic
// output.
func (s *secretScanner) scan(content string) []string {
	if content == "" {
		return nil
	}
	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(findings))
	var rules []string
	for _, f := range findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		rules = append(rules, f.RuleID)
	}
	sort.Strings(rules)
	return rules
}
