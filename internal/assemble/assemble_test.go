package assemble

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devhive/internal/policy"
	"github.com/fyrsmithlabs/devhive/internal/retrieval"
	"github.com/fyrsmithlabs/devhive/internal/task"
)

type stubRetriever struct {
	snippets []retrieval.Snippet
	err      error
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, k int) ([]retrieval.Snippet, error) {
	if s.err != nil {
		return nil, s.err
	}
	if k > len(s.snippets) {
		k = len(s.snippets)
	}
	return s.snippets[:k], nil
}

func TestAssemble_Basic(t *testing.T) {
	r := &stubRetriever{snippets: []retrieval.Snippet{
		{ID: "1", Content: "func main() {}", Source: "main.go", Score: 0.9},
	}}
	a := New(r, Config{MaxTokens: 1000}, nil)

	tk := task.New("42")
	ticket := Ticket{Title: "Add pagination", Body: "List endpoints should paginate."}

	bundle, err := a.Assemble(context.Background(), tk, ticket, nil, policy.Config{MaxChangedLines: 500})
	require.NoError(t, err)

	assert.Equal(t, tk.ID, bundle.TaskID)
	assert.Equal(t, task.StagePlan, bundle.Stage)
	assert.Len(t, bundle.Snippets, 1)
	assert.Equal(t, 500, bundle.Policies.MaxChangedLines)
}

func TestAssemble_TicketNeverTruncated(t *testing.T) {
	a := New(nil, Config{MaxTokens: 50}, nil)

	ticket := Ticket{Title: "big", Body: strings.Repeat("x", 1000)}
	_, err := a.Assemble(context.Background(), task.New("42"), ticket, nil, policy.Config{})

	assert.ErrorIs(t, err, ErrContextTooLarge)
}

func TestAssemble_SnippetsDroppedLeastRelevantFirst(t *testing.T) {
	// Budget of 200 tokens; ticket takes ~25, each snippet ~100.
	r := &stubRetriever{snippets: []retrieval.Snippet{
		{ID: "best", Content: strings.Repeat("a", 400), Score: 0.9},
		{ID: "worst", Content: strings.Repeat("b", 400), Score: 0.2},
	}}
	a := New(r, Config{MaxTokens: 200}, nil)

	ticket := Ticket{Title: "t", Body: strings.Repeat("y", 100)}
	bundle, err := a.Assemble(context.Background(), task.New("42"), ticket, nil, policy.Config{})
	require.NoError(t, err)

	require.Len(t, bundle.Snippets, 1)
	assert.Equal(t, "best", bundle.Snippets[0].ID)
}

func TestAssemble_PriorOutputsSummarized(t *testing.T) {
	a := New(nil, Config{MaxTokens: 600}, nil)

	prior := map[task.Stage]string{
		task.StagePlan: strings.Repeat("p", 8000), // ~2000 tokens, over budget
	}
	ticket := Ticket{Title: "t", Body: "small"}
	bundle, err := a.Assemble(context.Background(), task.New("42"), ticket, prior, policy.Config{})
	require.NoError(t, err)

	assert.Less(t, len(bundle.PriorOutputs[task.StagePlan]), 8000)
	assert.Contains(t, bundle.PriorOutputs[task.StagePlan], "[...truncated...]")
	// The original map is untouched; bundles own their copies.
	assert.Len(t, prior[task.StagePlan], 8000)
}

func TestAssemble_RetrieverError(t *testing.T) {
	r := &stubRetriever{err: assert.AnError}
	a := New(r, Config{}, nil)

	_, err := a.Assemble(context.Background(), task.New("42"), Ticket{Title: "t"}, nil, policy.Config{})
	assert.Error(t, err)
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	mk := func(body string) *Bundle {
		return &Bundle{
			TaskID: "task-1",
			Stage:  task.StageImplement,
			Ticket: Ticket{Title: "t", Body: body},
			PriorOutputs: map[task.Stage]string{
				task.StagePlan: "the plan",
			},
		}
	}

	assert.Equal(t, mk("a").Fingerprint(), mk("a").Fingerprint())
	assert.NotEqual(t, mk("a").Fingerprint(), mk("b").Fingerprint())
}
