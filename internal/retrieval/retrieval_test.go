package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedding is a deterministic toy embedding so tests run without a
// model: each dimension counts occurrences of a letter bucket.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for _, r := range text {
		vec[int(r)%8]++
	}
	// Leave normalization to chromem.
	return vec, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{}, hashEmbedding, nil)
	require.NoError(t, err)
	return s
}

func TestRetrieve_EmptyStore(t *testing.T) {
	s := newTestStore(t)

	snippets, err := s.Retrieve(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestIndexAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, []Document{
		{ID: "1", Content: "func ParseConfig(path string) (*Config, error)", Source: "config/config.go"},
		{ID: "2", Content: "type Server struct { router *echo.Echo }", Source: "server/server.go"},
	}))

	snippets, err := s.Retrieve(ctx, "ParseConfig", 2)
	require.NoError(t, err)
	require.Len(t, snippets, 2)

	// Results arrive ranked, best first.
	assert.GreaterOrEqual(t, snippets[0].Score, snippets[1].Score)
	assert.NotEmpty(t, snippets[0].Source)
}

func TestRetrieve_KLargerThanCorpus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Index(ctx, []Document{
		{ID: "1", Content: "hello world", Source: "a.go"},
	}))

	snippets, err := s.Retrieve(ctx, "hello", 10)
	require.NoError(t, err)
	assert.Len(t, snippets, 1)
}

func TestRetrieve_InvalidArgs(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Retrieve(context.Background(), "", 5)
	assert.Error(t, err)

	_, err = s.Retrieve(context.Background(), "q", 0)
	assert.Error(t, err)
}

func TestIndex_NoDocuments(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Index(context.Background(), nil))
}
