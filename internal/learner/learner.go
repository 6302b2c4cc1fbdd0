package learner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/twind/internal/llm"
	"github.com/kalambet/twind/internal/memory"
	"github.com/kalambet/twind/internal/storage"
)

// Retry task kinds the learner enqueues when a background step fails.
const (
	TaskSummaryRetry = "summary_retry"
	TaskFactRetry    = "fact_retry"
)

// SummaryPayload is the retry payload for a failed summarization.
type SummaryPayload struct {
	OwnerID        string `json:"owner_id"`
	CounterpartID  string `json:"counterpart_id"`
	ConversationID string `json:"conversation_id"`
}

// FactPayload is the retry payload for a failed fact extraction.
type FactPayload struct {
	MessageID string `json:"message_id"`
	OwnerID   string `json:"owner_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
}

// Exchange is one completed turn: the inbound message and the twin's
// reply to it.
type Exchange struct {
	Inbound storage.Message
	Reply   storage.Message
}

// Store is the persistence slice the learner writes through.
type Store interface {
	SaveMessage(m storage.Message) (bool, error)
	BumpUnsummarizedTurns(ownerID, counterpartID string, delta int) (int, error)
	ResetUnsummarizedTurns(ownerID, counterpartID string) error
	GetSummary(ownerID, counterpartID, conversationID string) (storage.ConversationSummary, error)
	UpsertSummary(cs storage.ConversationSummary) error
	RecentMessages(ownerID, counterpartID string, limit int) ([]storage.Message, error)
	HasFactsForMessage(msgID string) (bool, error)
	SaveFact(f storage.CoreFact) error
	EnqueueTask(t storage.RetryTask) error
}

// Learner digests completed exchanges in the background: it archives both
// turns, keeps rolling summaries fresh, extracts durable facts, and feeds
// the semantic memory. It never returns an error to the caller; failures
// become retry tasks.
type Learner struct {
	store       Store
	memories    memory.Store
	completer   llm.Completer
	model       string
	threshold   int
	maxAttempts int
	logger      *slog.Logger
}

func New(store Store, memories memory.Store, completer llm.Completer, model string, summaryTurnThreshold, maxRetryAttempts int) *Learner {
	if summaryTurnThreshold <= 0 {
		summaryTurnThreshold = 10
	}
	if maxRetryAttempts <= 0 {
		maxRetryAttempts = 3
	}
	return &Learner{
		store:       store,
		memories:    memories,
		completer:   completer,
		model:       model,
		threshold:   summaryTurnThreshold,
		maxAttempts: maxRetryAttempts,
		logger:      slog.Default(),
	}
}

// OnExchange processes one completed exchange. Safe to call twice with
// the same exchange: archived message IDs dedupe the whole pass.
func (l *Learner) OnExchange(ctx context.Context, ex Exchange) {
	owner := ex.Inbound.RecipientID
	counterpart := ex.Inbound.SenderID

	inserted, err := l.store.SaveMessage(ex.Inbound)
	if err != nil {
		l.logger.Error("learner: archiving inbound failed", "message_id", ex.Inbound.ID, "error", err)
		return
	}
	if !inserted {
		// Already learned from this exchange.
		l.logger.Debug("learner: duplicate exchange skipped", "message_id", ex.Inbound.ID)
		return
	}
	if _, err := l.store.SaveMessage(ex.Reply); err != nil {
		l.logger.Error("learner: archiving reply failed", "message_id", ex.Reply.ID, "error", err)
	}

	turns, err := l.store.BumpUnsummarizedTurns(owner, counterpart, 1)
	if err != nil {
		l.logger.Error("learner: turn counter bump failed", "error", err)
	} else if turns >= l.threshold {
		if err := l.Summarize(ctx, owner, counterpart, ex.Inbound.ConversationID); err != nil {
			l.enqueueRetry(TaskSummaryRetry, SummaryPayload{
				OwnerID:        owner,
				CounterpartID:  counterpart,
				ConversationID: ex.Inbound.ConversationID,
			}, err)
		}
	}

	if err := l.ExtractFacts(ctx, ex.Inbound); err != nil {
		l.enqueueRetry(TaskFactRetry, FactPayload{
			MessageID: ex.Inbound.ID,
			OwnerID:   owner,
			SenderID:  counterpart,
			Content:   ex.Inbound.Content,
		}, err)
	}
}

const summaryPrompt = `Condense this conversation into a short running summary
a person would keep in their head: open topics, recent events, emotional notes,
anything promised. Third person, at most 120 words. Return only the summary text.`

// Summarize refreshes the rolling summary for a pair and resets their
// unsummarized-turn counter.
func (l *Learner) Summarize(ctx context.Context, ownerID, counterpartID, conversationID string) error {
	recent, err := l.store.RecentMessages(ownerID, counterpartID, 30)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}
	if len(recent) == 0 {
		return l.store.ResetUnsummarizedTurns(ownerID, counterpartID)
	}

	var sb strings.Builder
	prev, err := l.store.GetSummary(ownerID, counterpartID, conversationID)
	if err == nil && prev.Summary != "" {
		fmt.Fprintf(&sb, "Previous summary: %s\n\n", prev.Summary)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load previous summary: %w", err)
	}
	sb.WriteString("Conversation:\n")
	for _, m := range recent {
		fmt.Fprintf(&sb, "%s: %s\n", m.SenderID, m.Content)
	}

	summary, err := l.completer.Complete(ctx, llm.Request{
		Model:       l.model,
		Temperature: 0.3,
		Messages: []llm.Message{
			{Role: "system", Content: summaryPrompt},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	if err := l.store.UpsertSummary(storage.ConversationSummary{
		OwnerID:        ownerID,
		CounterpartID:  counterpartID,
		ConversationID: conversationID,
		Summary:        strings.TrimSpace(summary),
	}); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	if err := l.store.ResetUnsummarizedTurns(ownerID, counterpartID); err != nil {
		return fmt.Errorf("reset turn counter: %w", err)
	}
	l.logger.Info("conversation summarized", "owner", ownerID, "counterpart", counterpartID)
	return nil
}

type extractedFact struct {
	Subject    string  `json:"subject"`
	Attribute  string  `json:"attribute"`
	Value      string  `json:"value"`
	Priority   string  `json:"priority"`
	Confidence float64 `json:"confidence"`
}

const factPrompt = `Extract durable personal facts from this message: things
that will still be true next month (job, city, relationships, preferences,
health, plans with dates). Ignore small talk and one-off states.
Return ONLY a JSON array, possibly empty:
[{"subject": "<who>", "attribute": "<what>", "value": "<value>", "priority": "high|medium|low", "confidence": 0.0-1.0}]`

// ExtractFacts pulls durable facts out of msg and stores the confident
// ones. Skips messages that already produced facts.
func (l *Learner) ExtractFacts(ctx context.Context, msg storage.Message) error {
	done, err := l.store.HasFactsForMessage(msg.ID)
	if err != nil {
		return fmt.Errorf("fact dedup check: %w", err)
	}
	if done {
		return nil
	}

	var facts []extractedFact
	if err := llm.CompleteJSON(ctx, l.completer, llm.Request{
		Model:       l.model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: factPrompt},
			{Role: "user", Content: msg.Content},
		},
	}, &facts); err != nil {
		return fmt.Errorf("extract facts: %w", err)
	}

	owner := msg.RecipientID
	for _, f := range facts {
		if f.Confidence < 0.6 || f.Attribute == "" || f.Value == "" {
			continue
		}
		if !validPriority(f.Priority) {
			f.Priority = storage.PriorityLow
		}
		fact := storage.CoreFact{
			ID:         uuid.NewString(),
			OwnerID:    owner,
			Subject:    f.Subject,
			Attribute:  f.Attribute,
			Value:      f.Value,
			Priority:   f.Priority,
			Confidence: f.Confidence,
			SourceMsg:  msg.ID,
		}
		if err := l.store.SaveFact(fact); err != nil {
			return fmt.Errorf("store fact: %w", err)
		}
		if l.memories != nil {
			text := fmt.Sprintf("%s %s: %s", f.Subject, f.Attribute, f.Value)
			if err := l.memories.Add(ctx, owner, fact.ID, text, map[string]string{
				"source_message": msg.ID,
				"priority":       fact.Priority,
			}); err != nil {
				l.logger.Warn("learner: memory write failed", "fact_id", fact.ID, "error", err)
			}
		}
	}
	return nil
}

// RetrySummary re-runs a failed summarization from its task payload.
func (l *Learner) RetrySummary(ctx context.Context, payloadJSON string) error {
	var p SummaryPayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return fmt.Errorf("decode summary payload: %w", err)
	}
	return l.Summarize(ctx, p.OwnerID, p.CounterpartID, p.ConversationID)
}

// RetryFacts re-runs a failed fact extraction from its task payload.
func (l *Learner) RetryFacts(ctx context.Context, payloadJSON string) error {
	var p FactPayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		return fmt.Errorf("decode fact payload: %w", err)
	}
	return l.ExtractFacts(ctx, storage.Message{
		ID:          p.MessageID,
		SenderID:    p.SenderID,
		RecipientID: p.OwnerID,
		Content:     p.Content,
	})
}

func (l *Learner) enqueueRetry(kind string, payload any, cause error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		l.logger.Error("learner: retry payload encoding failed", "kind", kind, "error", err)
		return
	}
	task := storage.RetryTask{
		ID:          uuid.NewString(),
		Kind:        kind,
		PayloadJSON: string(raw),
		MaxAttempts: l.maxAttempts,
		LastError:   cause.Error(),
	}
	if err := l.store.EnqueueTask(task); err != nil {
		l.logger.Error("learner: retry enqueue failed", "kind", kind, "error", err)
		return
	}
	l.logger.Warn("learner step deferred to retry queue", "kind", kind, "cause", cause)
}

func validPriority(p string) bool {
	switch p {
	case storage.PriorityHigh, storage.PriorityMedium, storage.PriorityLow:
		return true
	}
	return false
}
