// Package memory implements the semantic memory collaborator: similarity
// search over per-owner collections of remembered snippets. Embeddings are
// supplied by an injected Embedder; how they are computed is not this
// package's concern.
package memory

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Snippet is one retrieved memory with its similarity score.
type Snippet struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Store is the semantic memory contract consumed by the assembler and
// learner.
type Store interface {
	Add(ctx context.Context, ownerID, id, text string, metadata map[string]string) error
	Search(ctx context.Context, ownerID, query string, topK int) ([]Snippet, error)
}

// ChromemStore keeps memories in chromem-go, an embedded pure-Go vector
// database. Each owner gets their own collection for namespace isolation.
type ChromemStore struct {
	db          *chromem.DB
	embedder    Embedder
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemStore creates an in-process vector store using the given
// embedder.
func NewChromemStore(embedder Embedder) *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		embedder:    embedder,
		collections: make(map[string]*chromem.Collection),
	}
}

func (s *ChromemStore) collection(ownerID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[ownerID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[ownerID]; ok {
		return col, nil
	}

	// Embeddings are provided explicitly, so no embedding func is attached.
	col, err := s.db.CreateCollection("owner_"+ownerID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("creating collection for %s: %w", ownerID, err)
	}
	s.collections[ownerID] = col
	return col, nil
}

// Add embeds the text and stores it in the owner's collection.
func (s *ChromemStore) Add(ctx context.Context, ownerID, id, text string, metadata map[string]string) error {
	col, err := s.collection(ownerID)
	if err != nil {
		return err
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding memory: %w", err)
	}

	return col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   text,
		Embedding: vec,
		Metadata:  metadata,
	})
}

// Search returns the owner's topK most similar memories, ranked by
// similarity. An owner with no memories yields an empty result, not an
// error.
func (s *ChromemStore) Search(ctx context.Context, ownerID, query string, topK int) ([]Snippet, error) {
	col, err := s.collection(ownerID)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results, err := col.QueryEmbedding(ctx, vec, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			ID:       r.ID,
			Text:     r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		})
	}
	return snippets, nil
}
