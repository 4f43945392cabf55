// Package retrieval is the read-only context provider: semantic search over
// indexed repository snippets, backed by the embedded chromem-go vector
// store. It has no side effects on orchestration state.
package retrieval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("devhive.retrieval")

// Snippet is one retrieved piece of code or documentation, ranked by
// relevance to the query.
type Snippet struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float32 `json:"score"`
}

// Document is a snippet to index.
type Document struct {
	ID      string
	Content string
	Source  string
}

// Config holds store settings.
type Config struct {
	// Enabled turns snippet retrieval on. When off, stage bundles carry no
	// snippets and no vector store is opened.
	Enabled bool `koanf:"enabled"`

	// Path is the directory for persistent storage. Empty means in-memory.
	Path string `koanf:"path"`

	// Collection is the chromem collection name.
	Collection string `koanf:"collection"`

	// Compress enables gzip compression of persisted data.
	Compress bool `koanf:"compress"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "devhive_snippets"
	}
}

// Store wraps a chromem collection.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewStore opens (or creates) the snippet store. The embedding function is
// injected so tests can run without a model; pass nil to use chromem's
// default (OpenAI, configured via environment).
func NewStore(cfg Config, embed chromem.EmbeddingFunc, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", cfg.Collection, err)
	}

	logger.Info("retrieval store ready",
		zap.String("collection", cfg.Collection),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Int("documents", collection.Count()),
	)

	return &Store{db: db, collection: collection, logger: logger}, nil
}

// Index adds documents to the store. Existing IDs are overwritten.
func (s *Store) Index(ctx context.Context, docs []Document) error {
	ctx, span := tracer.Start(ctx, "retrieval.Index")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return nil
	}

	converted := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		converted = append(converted, chromem.Document{
			ID:      d.ID,
			Content: d.Content,
			Metadata: map[string]string{
				"source": d.Source,
			},
		})
	}
	if err := s.collection.AddDocuments(ctx, converted, 1); err != nil {
		return fmt.Errorf("indexing %d documents: %w", len(docs), err)
	}
	return nil
}

// Retrieve returns up to k snippets ordered by descending relevance. Asking
// for more snippets than are indexed returns everything rather than erroring.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]Snippet, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive: %d", k)
	}

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying snippets: %w", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			ID:      r.ID,
			Content: r.Content,
			Source:  r.Metadata["source"],
			Score:   r.Similarity,
		})
	}
	span.SetAttributes(attribute.Int("result_count", len(snippets)))
	return snippets, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
