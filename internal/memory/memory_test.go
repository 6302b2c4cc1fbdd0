package memory

import (
	"context"
	"testing"
)

// fakeEmbedder maps known words onto fixed unit vectors so similarity
// ordering is deterministic.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	switch text {
	case "coffee", "likes coffee":
		return []float32{1, 0, 0}, nil
	case "hiking", "goes hiking on weekends":
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0.577, 0.577, 0.577}, nil
	}
}

func TestSearch_EmptyCollection(t *testing.T) {
	s := NewChromemStore(fakeEmbedder{})

	got, err := s.Search(context.Background(), "alice", "coffee", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no snippets, got %d", len(got))
	}
}

func TestAddAndSearch_RanksBySimilarity(t *testing.T) {
	s := NewChromemStore(fakeEmbedder{})
	ctx := context.Background()

	if err := s.Add(ctx, "alice", "m1", "likes coffee", map[string]string{"kind": "preference"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(ctx, "alice", "m2", "goes hiking on weekends", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.Search(ctx, "alice", "coffee", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(got))
	}
	if got[0].ID != "m1" {
		t.Errorf("top snippet = %s, want m1", got[0].ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v then %v", got[0].Score, got[1].Score)
	}
	if got[0].Metadata["kind"] != "preference" {
		t.Errorf("metadata lost: %+v", got[0].Metadata)
	}
}

func TestSearch_OwnerIsolation(t *testing.T) {
	s := NewChromemStore(fakeEmbedder{})
	ctx := context.Background()

	if err := s.Add(ctx, "alice", "m1", "likes coffee", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.Search(ctx, "bob", "coffee", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("bob should not see alice's memories, got %d", len(got))
	}
}

func TestSearch_ClampsTopK(t *testing.T) {
	s := NewChromemStore(fakeEmbedder{})
	ctx := context.Background()

	if err := s.Add(ctx, "alice", "m1", "likes coffee", nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := s.Search(ctx, "alice", "coffee", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 snippet, got %d", len(got))
	}
}
