// Package assemble builds the bounded input bundle each stage receives:
// ticket text, relevant prior stage outputs, retrieved snippets, and the
// policy flags in effect. Bundles are ephemeral; they are rebuilt per attempt
// from the task, the ledger, and the retrieval provider.
package assemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/retrieval"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

// ErrContextTooLarge is returned when the ticket text alone exceeds the
// budget. It is surfaced before any agent invocation so no cost is wasted.
var ErrContextTooLarge = errors.New("context exceeds assembler budget")

// Ticket is the issue text driving the task. It is never truncated.
type Ticket struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Comments []string `json:"comments,omitempty"`
}

// Bundle is the assembled stage input.
type Bundle struct {
	TaskID       string                `json:"task_id"`
	Stage        task.Stage            `json:"stage"`
	Ticket       Ticket                `json:"ticket"`
	PriorOutputs map[task.Stage]string `json:"prior_outputs,omitempty"`
	Snippets     []retrieval.Snippet   `json:"snippets,omitempty"`
	Policies     policy.Config         `json:"policies"`
}

// Fingerprint returns a stable hash of the bundle for the ledger's
// input_fingerprint column. Prior outputs are serialized in stage order so
// identical bundles always hash identically.
func (b *Bundle) Fingerprint() string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(b.TaskID)
	_ = enc.Encode(b.Stage)
	_ = enc.Encode(b.Ticket)
	stages := make([]task.Stage, 0, len(b.PriorOutputs))
	for s := range b.PriorOutputs {
		stages = append(stages, s)
	}
	sort.Slice(stages, func(i, j int) bool {
		return task.StageIndex(stages[i]) < task.StageIndex(stages[j])
	})
	for _, s := range stages {
		_ = enc.Encode(s)
		_ = enc.Encode(b.PriorOutputs[s])
	}
	for _, sn := range b.Snippets {
		_ = enc.Encode(sn.ID)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// estimateTokens approximates token count from byte length. The 4-bytes-per-
// token heuristic matches what the upstream models average on code.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func (t Ticket) tokens() int {
	n := estimateTokens(t.Title) + estimateTokens(t.Body)
	for _, c := range t.Comments {
		n += estimateTokens(c)
	}
	return n
}

// Retriever is the read-only context provider consumed during assembly.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Snippet, error)
}

// Config holds assembler settings.
type Config struct {
	// MaxTokens is the bundle budget. 0 means DefaultMaxTokens.
	MaxTokens int `koanf:"max_tokens"`

	// SnippetCount is how many snippets to request per assembly.
	SnippetCount int `koanf:"snippet_count"`
}

const (
	// DefaultMaxTokens bounds a bundle when no budget is configured.
	DefaultMaxTokens = 24000

	defaultSnippetCount = 8

	// summarizedOutputTokens is what each prior output is reduced to when the
	// bundle is still over budget after dropping snippets.
	summarizedOutputTokens = 500
)

// Assembler gathers bundles within a token budget.
type Assembler struct {
	retriever Retriever
	cfg       Config
	logger    *zap.Logger
}

// New creates an Assembler. retriever may be nil, in which case bundles carry
// no snippets.
func New(retriever Retriever, cfg Config, logger *zap.Logger) *Assembler {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.SnippetCount <= 0 {
		cfg.SnippetCount = defaultSnippetCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{retriever: retriever, cfg: cfg, logger: logger}
}

// Assemble builds the bundle for one stage attempt. Truncation order when
// over budget: retrieved snippets go first (least relevant first), then prior
// outputs are summarized. Ticket text is never dropped; a ticket that alone
// exceeds the budget fails with ErrContextTooLarge.
func (a *Assembler) Assemble(ctx context.Context, t *task.Task, ticket Ticket, priorOutputs map[task.Stage]string, policies policy.Config) (*Bundle, error) {
	ticketTokens := ticket.tokens()
	if ticketTokens > a.cfg.MaxTokens {
		return nil, fmt.Errorf("ticket %s needs %d tokens with a budget of %d: %w",
			t.IssueRef, ticketTokens, a.cfg.MaxTokens, ErrContextTooLarge)
	}

	bundle := &Bundle{
		TaskID:       t.ID,
		Stage:        t.CurrentStage,
		Ticket:       ticket,
		PriorOutputs: clonePriorOutputs(priorOutputs),
		Policies:     policies,
	}

	if a.retriever != nil {
		query := ticket.Title
		if query == "" {
			query = firstLine(ticket.Body)
		}
		snippets, err := a.retriever.Retrieve(ctx, query, a.cfg.SnippetCount)
		if err != nil {
			return nil, fmt.Errorf("retrieving snippets: %w", err)
		}
		bundle.Snippets = snippets
	}

	budget := a.cfg.MaxTokens - ticketTokens
	budget = a.fitSnippets(bundle, budget)
	a.fitPriorOutputs(ctx, bundle, budget)

	return bundle, nil
}

// fitSnippets drops snippets from the tail (the provider returns them ranked
// best-first) until they fit. Returns the budget left for prior outputs.
func (a *Assembler) fitSnippets(b *Bundle, budget int) int {
	priorTokens := 0
	for _, out := range b.PriorOutputs {
		priorTokens += estimateTokens(out)
	}

	snippetTokens := 0
	for _, s := range b.Snippets {
		snippetTokens += estimateTokens(s.Content)
	}

	for len(b.Snippets) > 0 && priorTokens+snippetTokens > budget {
		last := b.Snippets[len(b.Snippets)-1]
		snippetTokens -= estimateTokens(last.Content)
		b.Snippets = b.Snippets[:len(b.Snippets)-1]
	}
	return budget - snippetTokens
}

// fitPriorOutputs summarizes prior outputs, furthest stage first, while the
// bundle is still over budget.
func (a *Assembler) fitPriorOutputs(ctx context.Context, b *Bundle, budget int) {
	total := 0
	for _, out := range b.PriorOutputs {
		total += estimateTokens(out)
	}
	if total <= budget {
		return
	}

	for _, stage := range task.Pipeline() {
		out, ok := b.PriorOutputs[stage]
		if !ok {
			continue
		}
		reduced := summarize(out, summarizedOutputTokens)
		total += estimateTokens(reduced) - estimateTokens(out)
		b.PriorOutputs[stage] = reduced
		if total <= budget {
			break
		}
	}
	if total > budget {
		a.logger.Warn("bundle still over budget after summarization",
			zap.String("task_id", b.TaskID),
			zap.String("stage", string(b.Stage)),
			zap.Int("tokens", total),
			zap.Int("budget", budget),
		)
	}
}

// summarize keeps the head and tail of an output so downstream stages still
// see intent and conclusion.
func summarize(s string, maxTokens int) string {
	maxBytes := maxTokens * 4
	if len(s) <= maxBytes {
		return s
	}
	head := maxBytes * 2 / 3
	tail := maxBytes - head
	return s[:head] + "\n[...truncated...]\n" + s[len(s)-tail:]
}

func clonePriorOutputs(in map[task.Stage]string) map[task.Stage]string {
	if in == nil {
		return nil
	}
	out := make(map[task.Stage]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
