package assemble

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/twind/internal/memory"
	"github.com/kalambet/twind/internal/storage"
	"github.com/kalambet/twind/internal/tone"
)

type mockStore struct {
	summary    storage.ConversationSummary
	summaryErr error
	facts      []storage.CoreFact
	factsErr   error
	recent     []storage.Message
	recentErr  error
	samples    []storage.Message
	samplesErr error
}

func (m *mockStore) GetSummary(ownerID, counterpartID, conversationID string) (storage.ConversationSummary, error) {
	return m.summary, m.summaryErr
}

func (m *mockStore) ActiveFacts(ownerID string, priorities ...string) ([]storage.CoreFact, error) {
	return m.facts, m.factsErr
}

func (m *mockStore) RecentMessages(ownerID, counterpartID string, limit int) ([]storage.Message, error) {
	return m.recent, m.recentErr
}

func (m *mockStore) MessagesBySender(senderID, recipientID string, limit int) ([]storage.Message, error) {
	return m.samples, m.samplesErr
}

type mockMemory struct {
	snippets []memory.Snippet
	err      error
}

func (m *mockMemory) Add(ctx context.Context, ownerID, id, text string, metadata map[string]string) error {
	return nil
}

func (m *mockMemory) Search(ctx context.Context, ownerID, query string, topK int) ([]memory.Snippet, error) {
	return m.snippets, m.err
}

type mockTones struct {
	tone tone.EffectiveTone
	err  error
}

func (m *mockTones) Resolve(ownerID, counterpartID string) (tone.EffectiveTone, error) {
	return m.tone, m.err
}

func msgFrom(sender, recipient string) storage.Message {
	return storage.Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       sender,
		RecipientID:    recipient,
		Content:        "hey, what are you up to?",
	}
}

func TestAssembleFullBundle(t *testing.T) {
	friendly := tone.Neutral()
	friendly.Class = "close_friend"
	friendly.Humor = 0.8

	store := &mockStore{
		summary: storage.ConversationSummary{Summary: "they talked about hiking"},
		facts:   []storage.CoreFact{{Subject: "creator", Attribute: "hobby", Value: "climbing"}},
		recent:  []storage.Message{{Content: "earlier message"}},
		samples: []storage.Message{{Content: "creator style sample"}},
	}
	mem := &mockMemory{snippets: []memory.Snippet{{ID: "m1", Text: "loves the mountains", Score: 0.9}}}

	a := New(store, mem, &mockTones{tone: friendly}, 5)
	bundle, meta := a.Assemble(context.Background(), msgFrom("sender-1", "creator-1"))

	if !meta.SummaryLoaded || bundle.Summary != "they talked about hiking" {
		t.Errorf("summary = %q, loaded = %v", bundle.Summary, meta.SummaryLoaded)
	}
	if len(bundle.Memories) != 1 || meta.MemoriesUsed[0] != "m1" {
		t.Errorf("memories = %+v", bundle.Memories)
	}
	if meta.FactsLoaded != 1 || len(bundle.RecentTurns) != 1 || meta.StyleSamplesLoaded != 1 {
		t.Errorf("meta = %+v", meta)
	}
	if bundle.Tone.Class != "close_friend" {
		t.Errorf("tone class = %q", bundle.Tone.Class)
	}
}

func TestAssembleDegradesPerCollaborator(t *testing.T) {
	boom := errors.New("boom")
	store := &mockStore{
		summaryErr: boom,
		factsErr:   boom,
		recent:     []storage.Message{{Content: "still here"}},
		samplesErr: boom,
	}
	mem := &mockMemory{err: boom}

	a := New(store, mem, &mockTones{err: boom}, 5)
	bundle, meta := a.Assemble(context.Background(), msgFrom("sender-1", "creator-1"))

	// Every failed collaborator leaves its section empty, but working ones
	// still contribute.
	if meta.SummaryLoaded || bundle.Summary != "" {
		t.Error("expected empty summary on store failure")
	}
	if len(bundle.Memories) != 0 || len(bundle.Facts) != 0 || len(bundle.StyleSamples) != 0 {
		t.Errorf("expected degraded sections empty, bundle = %+v", bundle)
	}
	if len(bundle.RecentTurns) != 1 {
		t.Error("working collaborator should still contribute")
	}
	if bundle.Tone != tone.Neutral() {
		t.Errorf("tone = %+v, want neutral fallback", bundle.Tone)
	}
}

func TestAssembleNoSummaryIsNotAnError(t *testing.T) {
	store := &mockStore{summaryErr: storage.ErrNotFound}
	a := New(store, &mockMemory{}, &mockTones{tone: tone.Neutral()}, 5)
	bundle, meta := a.Assemble(context.Background(), msgFrom("sender-1", "creator-1"))
	if meta.SummaryLoaded || bundle.Summary != "" {
		t.Error("first contact should yield an empty summary")
	}
}

func TestAssembleNilMemoryStore(t *testing.T) {
	a := New(&mockStore{}, nil, &mockTones{tone: tone.Neutral()}, 5)
	bundle, _ := a.Assemble(context.Background(), msgFrom("sender-1", "creator-1"))
	if bundle.Memories != nil {
		t.Error("nil memory store should leave memories empty")
	}
}
