package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveMessage_Idempotent(t *testing.T) {
	s := openTestStore(t)

	m := Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		SenderID:       "bob",
		RecipientID:    "alice",
		Role:           "human",
		Content:        "hello",
		CreatedAt:      time.Now(),
	}

	inserted, err := s.SaveMessage(m)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if !inserted {
		t.Error("first save should insert")
	}

	inserted, err = s.SaveMessage(m)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if inserted {
		t.Error("duplicate save should be a no-op")
	}

	msgs, err := s.RecentMessages("alice", "bob", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 stored message, got %d", len(msgs))
	}
}

func TestAppendOrCreateThread_SingleOpenThread(t *testing.T) {
	s := openTestStore(t)

	th1, created, err := s.AppendOrCreateThread("alice", "bob", "conv-1", "loan request", ThreadMessage{
		AuthorID: "bob",
		Content:  "can you lend me $500?",
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}
	if !created {
		t.Error("first financial message should create a thread")
	}
	if th1.Status != ThreadWaitingCreator {
		t.Errorf("new thread status = %q, want waiting_creator", th1.Status)
	}

	th2, created, err := s.AppendOrCreateThread("alice", "bob", "conv-1", "", ThreadMessage{
		AuthorID: "bob",
		Content:  "any thoughts on the loan?",
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if created {
		t.Error("second financial message must append, not create")
	}
	if th2.ID != th1.ID {
		t.Errorf("expected same thread %s, got %s", th1.ID, th2.ID)
	}

	msgs, err := s.ThreadMessages(th1.ID, 10)
	if err != nil {
		t.Fatalf("thread messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2 thread messages, got %d", len(msgs))
	}
}

func TestAppendOrCreateThread_TurnFlips(t *testing.T) {
	s := openTestStore(t)

	th, _, err := s.AppendOrCreateThread("alice", "bob", "conv-1", "investment", ThreadMessage{
		AuthorID: "bob", Content: "want to invest together?",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Creator reply flips the turn to the sender.
	th, _, err = s.AppendOrCreateThread("alice", "bob", "conv-1", "", ThreadMessage{
		AuthorID: "alice", Content: "let me think about it",
	})
	if err != nil {
		t.Fatalf("creator append: %v", err)
	}
	if th.Status != ThreadWaitingSender {
		t.Errorf("after creator reply status = %q, want waiting_sender", th.Status)
	}
}

func TestCloseThread(t *testing.T) {
	s := openTestStore(t)

	th, _, err := s.AppendOrCreateThread("alice", "bob", "conv-1", "x", ThreadMessage{AuthorID: "bob", Content: "money talk"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.CloseThread(th.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.CloseThread(th.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("double close error = %v, want ErrStateConflict", err)
	}

	// Closing frees the pair for a new thread.
	_, created, err := s.AppendOrCreateThread("alice", "bob", "conv-1", "y", ThreadMessage{AuthorID: "bob", Content: "new topic"})
	if err != nil {
		t.Fatalf("append after close: %v", err)
	}
	if !created {
		t.Error("expected a fresh thread after the old one closed")
	}
}

func TestFutureRequest_ForwardOnlyTransitions(t *testing.T) {
	s := openTestStore(t)

	r := FutureRequest{
		ID:              uuid.New().String(),
		SenderID:        "bob",
		RecipientID:     "alice",
		ConversationID:  "conv-1",
		OriginalMessage: "let's meet friday",
		DetectedPlan:    "meeting on friday",
	}
	if err := s.CreateFutureRequest(r); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Delivering before answering is a conflict.
	if err := s.DeliverFutureRequest(r.ID); !errors.Is(err, ErrStateConflict) {
		t.Errorf("deliver before answer error = %v, want ErrStateConflict", err)
	}

	if err := s.AnswerFutureRequest(r.ID, "friday works"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	// Answering twice regresses nothing.
	if err := s.AnswerFutureRequest(r.ID, "again"); !errors.Is(err, ErrStateConflict) {
		t.Errorf("double answer error = %v, want ErrStateConflict", err)
	}

	if err := s.DeliverFutureRequest(r.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	got, err := s.GetFutureRequest(r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != RequestDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}
	if got.CreatorResponse != "friday works" {
		t.Errorf("creator response = %q", got.CreatorResponse)
	}
}

func TestRetryTask_BackoffAndPermanentFailure(t *testing.T) {
	s := openTestStore(t)

	task := RetryTask{ID: "task-1", Kind: "fact_retry", PayloadJSON: "{}", MaxAttempts: 2}
	if err := s.EnqueueTask(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimDueTask([]string{"fact_retry"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a due task")
	}

	if err := s.FailTask(claimed.ID, "llm timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Backoff pushes run_after into the future, so nothing is due now.
	again, err := s.ClaimDueTask([]string{"fact_retry"})
	if err != nil {
		t.Fatalf("claim after fail: %v", err)
	}
	if again != nil {
		t.Errorf("task should be backing off, got %+v", again)
	}

	got, err := s.GetTask("task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	// Second failure reaches max attempts.
	if err := s.FailTask("task-1", "llm timeout again"); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	got, err = s.GetTask("task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskFailedPermanent {
		t.Errorf("status = %q, want failed_permanent", got.Status)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}

	// Permanently failed tasks are excluded from scans but stay queryable.
	claimed, err = s.ClaimDueTask([]string{"fact_retry"})
	if err != nil {
		t.Fatalf("claim after permanent failure: %v", err)
	}
	if claimed != nil {
		t.Error("failed_permanent task must not be claimable")
	}
	failed, err := s.TasksByStatus(TaskFailedPermanent, 10)
	if err != nil {
		t.Fatalf("tasks by status: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("expected 1 permanently failed task, got %d", len(failed))
	}
}

func TestSaveFact_SupersedesNotDeletes(t *testing.T) {
	s := openTestStore(t)

	first := CoreFact{
		ID: "f1", OwnerID: "alice", Subject: "alice", Attribute: "job",
		Value: "teacher", Priority: PriorityHigh, Confidence: 0.9,
		SourceMsg: "m1", CreatedAt: time.Now(),
	}
	if err := s.SaveFact(first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := first
	second.ID = "f2"
	second.Value = "principal"
	second.SourceMsg = "m2"
	if err := s.SaveFact(second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	active, err := s.ActiveFacts("alice")
	if err != nil {
		t.Fatalf("active facts: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active fact, got %d", len(active))
	}
	if active[0].Value != "principal" {
		t.Errorf("active value = %q, want principal", active[0].Value)
	}

	has, err := s.HasFactsForMessage("m1")
	if err != nil {
		t.Fatalf("has facts: %v", err)
	}
	if !has {
		t.Error("superseded fact should still exist for its source message")
	}
}

func TestActiveFacts_PriorityFilter(t *testing.T) {
	s := openTestStore(t)

	for i, p := range []string{PriorityHigh, PriorityMedium, PriorityLow} {
		f := CoreFact{
			ID: uuid.New().String(), OwnerID: "alice", Subject: "alice",
			Attribute: []string{"name", "city", "snack"}[i],
			Value:     "v", Priority: p, CreatedAt: time.Now(),
		}
		if err := s.SaveFact(f); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	filtered, err := s.ActiveFacts("alice", PriorityHigh, PriorityMedium)
	if err != nil {
		t.Fatalf("filtered facts: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 facts after priority filter, got %d", len(filtered))
	}
	for _, f := range filtered {
		if f.Priority == PriorityLow {
			t.Errorf("low-priority fact leaked through filter: %+v", f)
		}
	}
}

func TestClassification_PendingFlow(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnsurePendingClassification("alice", "bob"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// Idempotent.
	if err := s.EnsurePendingClassification("alice", "bob"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}

	pending, err := s.PendingClassifications(10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending classification, got %d", len(pending))
	}

	if err := s.AnswerClassification("alice", "bob", "friend", 0.95); err != nil {
		t.Fatalf("answer: %v", err)
	}

	c, err := s.GetClassification("alice", "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Class != "friend" || c.Status != ClassificationAnswered {
		t.Errorf("classification = %+v", c)
	}
}

func TestClusterPersona_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	humor := 0.7
	err := s.UpsertClusterPersona(ClusterPersona{
		OwnerID: "alice", Class: "friend",
		Tone:        ToneAttributes{Humor: &humor},
		SampleCount: 12,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	p, err := s.GetClusterPersona("alice", "friend")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Tone.Humor == nil || *p.Tone.Humor != 0.7 {
		t.Errorf("humor = %v", p.Tone.Humor)
	}
	if p.Tone.Formality != nil {
		t.Errorf("formality should be unset, got %v", *p.Tone.Formality)
	}
	if p.SampleCount != 12 {
		t.Errorf("sample count = %d, want 12", p.SampleCount)
	}

	warmth := 0.4
	err = s.UpsertClusterPersona(ClusterPersona{
		OwnerID: "alice", Class: "friend",
		Tone:        ToneAttributes{Humor: &humor, Warmth: &warmth},
		SampleCount: 20,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	p, err = s.GetClusterPersona("alice", "friend")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if p.SampleCount != 20 || p.Tone.Warmth == nil {
		t.Errorf("persona = %+v", p)
	}

	if _, err := s.GetClusterPersona("alice", "family"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing class err = %v, want ErrNotFound", err)
	}
}

func TestTonePairCandidates(t *testing.T) {
	s := openTestStore(t)

	if err := s.BumpPassiveMessages("alice", "bob", 10); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := s.BumpPassiveMessages("alice", "carol", 2); err != nil {
		t.Fatalf("bump: %v", err)
	}

	candidates, err := s.TonePairCandidates(6, time.Hour, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}
	if candidates[0].CounterpartID != "bob" {
		t.Errorf("candidate = %+v", candidates[0])
	}

	if err := s.MarkToneRun("alice", "bob"); err != nil {
		t.Fatalf("mark run: %v", err)
	}
	candidates, err = s.TonePairCandidates(6, time.Hour, 10)
	if err != nil {
		t.Fatalf("candidates after run: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates after tone run, got %d", len(candidates))
	}
}
