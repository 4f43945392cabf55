package llm

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/devhive/internal/assemble"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// systemPrompt returns the role instruction for a stage. The output contract
// in each prompt matches what the stage parser accepts.
func systemPrompt(stage task.Stage) string {
	switch stage {
	case task.StagePlan:
		return `You are a senior engineer planning a code change.
Read the ticket and the retrieved code snippets, then respond with a single
JSON object: {"steps": ["..."]}. Each step is one concrete action. No prose
outside the JSON.`

	case task.StageImplement:
		return `You are a senior engineer implementing a planned code change.
Follow the plan from the prior stage. Respond with a single unified diff
(git format, --- / +++ / @@ hunks) and nothing else. Keep the change minimal
and do not add dependencies unless the plan calls for them.`

	case task.StageTest:
		return `You are verifying an implemented code change.
Design and evaluate tests for the diff from the prior stage. Respond with a
single JSON object: {"passed": N, "failed": N, "coverage": P} where coverage
is the estimated statement coverage percentage.`

	case task.StageRefactor:
		return `You are cleaning up an implemented code change without altering
behavior. Respond with a single unified diff (git format) applying only safe,
behavior-preserving improvements. Do not change public interfaces.`

	case task.StageReview:
		return `You are reviewing a finished code change for correctness, style
and safety. Respond with a single JSON object:
{"verdict": "approve" | "request_changes", "comments": ["..."]}.`

	default:
		return ""
	}
}

// renderBundle flattens the context bundle into the user message.
func renderBundle(b *assemble.Bundle) string {
	var sb strings.Builder

	sb.WriteString("## Ticket: ")
	sb.WriteString(b.Ticket.Title)
	sb.WriteString("\n\n")
	sb.WriteString(b.Ticket.Body)
	sb.WriteString("\n")
	for _, comment := range b.Ticket.Comments {
		sb.WriteString("\nComment:\n")
		sb.WriteString(comment)
		sb.WriteString("\n")
	}

	if len(b.PriorOutputs) > 0 {
		sb.WriteString("\n## Prior stage outputs\n")
		for _, stage := range task.Pipeline() {
			out, ok := b.PriorOutputs[stage]
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "\n### %s\n%s\n", stage, out)
		}
	}

	if len(b.Snippets) > 0 {
		sb.WriteString("\n## Relevant code\n")
		for _, sn := range b.Snippets {
			fmt.Fprintf(&sb, "\n// %s\n%s\n", sn.Source, sn.Content)
		}
	}

	if b.Policies.MaxChangedLines > 0 {
		fmt.Fprintf(&sb, "\n## Constraints\nKeep the diff under %d changed lines.\n", b.Policies.MaxChangedLines)
	}
	return sb.String()
}
