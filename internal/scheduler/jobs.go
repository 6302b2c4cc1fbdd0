package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/twind/internal/llm"
	"github.com/kalambet/twind/internal/notify"
	"github.com/kalambet/twind/internal/storage"
	"github.com/kalambet/twind/internal/tone"
)

// ToneStore is the persistence slice the tone job reads and writes.
type ToneStore interface {
	TonePairCandidates(minObservations int, staleAfter time.Duration, limit int) ([]storage.PairCandidate, error)
	MessagesBySender(senderID, recipientID string, limit int) ([]storage.Message, error)
	UpsertDyadicOverride(o storage.DyadicOverride) error
	GetClassification(ownerID, counterpartID string) (storage.RelationshipClassification, error)
	GetClusterPersona(ownerID, class string) (storage.ClusterPersona, error)
	UpsertClusterPersona(p storage.ClusterPersona) error
	MarkToneRun(ownerID, counterpartID string) error
	EnsurePendingClassification(ownerID, counterpartID string) error
}

type toneAnalysis struct {
	Formality  float64 `json:"formality"`
	Humor      float64 `json:"humor"`
	EmojiRate  float64 `json:"emoji_rate"`
	Warmth     float64 `json:"warmth"`
	Dependence float64 `json:"dependence"`
	Confidence float64 `json:"confidence"`
}

const toneAnalysisPrompt = `These are messages one person wrote to one specific
contact. Rate how they talk to THIS contact on each scale from 0.0 to 1.0:
formality (0 slang, 1 formal), humor (0 serious, 1 constant jokes),
emoji_rate (0 never, 1 every message), warmth (0 distant, 1 affectionate),
dependence (0 independent, 1 leans on them heavily).
Return ONLY JSON:
{"formality": 0.0, "humor": 0.0, "emoji_rate": 0.0, "warmth": 0.0, "dependence": 0.0, "confidence": 0.0}`

// ToneDetectionJob recomputes dyadic tone overrides for pairs with enough
// fresh passive observations, and folds each confident analysis into the
// owner's cluster persona for the pair's relationship class. One pair
// failing does not stop the batch.
func ToneDetectionJob(store ToneStore, completer llm.Completer, model string, minObservations int, staleAfter time.Duration, batch int) JobFunc {
	logger := slog.Default()
	return func(ctx context.Context) (RunStats, error) {
		var stats RunStats
		candidates, err := store.TonePairCandidates(minObservations, staleAfter, batch)
		if err != nil {
			return stats, fmt.Errorf("load tone candidates: %w", err)
		}

		for _, cand := range candidates {
			samples, err := store.MessagesBySender(cand.OwnerID, cand.CounterpartID, 20)
			if err != nil || len(samples) == 0 {
				if err != nil {
					logger.Warn("tone job: sample load failed",
						"owner", cand.OwnerID, "counterpart", cand.CounterpartID, "error", err)
				}
				stats.Failed++
				continue
			}

			var sb strings.Builder
			for _, m := range samples {
				sb.WriteString(m.Content + "\n")
			}

			var analysis toneAnalysis
			err = llm.CompleteJSON(ctx, completer, llm.Request{
				Model:       model,
				Temperature: 0,
				Messages: []llm.Message{
					{Role: "system", Content: toneAnalysisPrompt},
					{Role: "user", Content: sb.String()},
				},
			}, &analysis)
			if err != nil || analysis.Confidence < 0.5 {
				if err != nil {
					logger.Warn("tone job: analysis failed",
						"owner", cand.OwnerID, "counterpart", cand.CounterpartID, "error", err)
				}
				stats.Failed++
				continue
			}

			override := storage.DyadicOverride{
				OwnerID:       cand.OwnerID,
				CounterpartID: cand.CounterpartID,
				Tone: storage.ToneAttributes{
					Formality:  &analysis.Formality,
					Humor:      &analysis.Humor,
					EmojiRate:  &analysis.EmojiRate,
					Warmth:     &analysis.Warmth,
					Dependence: &analysis.Dependence,
				},
			}
			if err := store.UpsertDyadicOverride(override); err != nil {
				logger.Error("tone job: override upsert failed",
					"owner", cand.OwnerID, "counterpart", cand.CounterpartID, "error", err)
				stats.Failed++
				continue
			}
			if err := foldClusterPersona(store, cand.OwnerID, cand.CounterpartID, analysis, len(samples)); err != nil {
				logger.Warn("tone job: cluster persona update failed",
					"owner", cand.OwnerID, "counterpart", cand.CounterpartID, "error", err)
			}
			if err := store.EnsurePendingClassification(cand.OwnerID, cand.CounterpartID); err != nil {
				logger.Warn("tone job: classification flag failed", "error", err)
			}
			if err := store.MarkToneRun(cand.OwnerID, cand.CounterpartID); err != nil {
				logger.Warn("tone job: run mark failed", "error", err)
			}
			stats.Processed++
		}
		return stats, nil
	}
}

// foldClusterPersona merges a fresh pair analysis into the owner's persona
// for the pair's relationship class, weighted by how many messages each side
// contributed. Unclassified pairs fold into the stranger cluster.
func foldClusterPersona(store ToneStore, ownerID, counterpartID string, analysis toneAnalysis, weight int) error {
	class := tone.StrangerClass
	c, err := store.GetClassification(ownerID, counterpartID)
	if err == nil && c.Status == storage.ClassificationAnswered && c.Class != "" {
		class = c.Class
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("classification lookup: %w", err)
	}

	persona := storage.ClusterPersona{OwnerID: ownerID, Class: class}
	current, err := store.GetClusterPersona(ownerID, class)
	switch {
	case errors.Is(err, storage.ErrNotFound) || (err == nil && current.SampleCount == 0):
		persona.Tone = storage.ToneAttributes{
			Formality:  &analysis.Formality,
			Humor:      &analysis.Humor,
			EmojiRate:  &analysis.EmojiRate,
			Warmth:     &analysis.Warmth,
			Dependence: &analysis.Dependence,
		}
		persona.SampleCount = weight
	case err != nil:
		return fmt.Errorf("cluster persona lookup: %w", err)
	default:
		persona.Tone = storage.ToneAttributes{
			Formality:  blend(current.Tone.Formality, analysis.Formality, current.SampleCount, weight),
			Humor:      blend(current.Tone.Humor, analysis.Humor, current.SampleCount, weight),
			EmojiRate:  blend(current.Tone.EmojiRate, analysis.EmojiRate, current.SampleCount, weight),
			Warmth:     blend(current.Tone.Warmth, analysis.Warmth, current.SampleCount, weight),
			Dependence: blend(current.Tone.Dependence, analysis.Dependence, current.SampleCount, weight),
		}
		persona.SampleCount = current.SampleCount + weight
	}
	return store.UpsertClusterPersona(persona)
}

// blend is a sample-count-weighted running average of one tone attribute.
// An attribute never observed before adopts the fresh value outright.
func blend(old *float64, fresh float64, oldWeight, freshWeight int) *float64 {
	if old == nil || oldWeight+freshWeight == 0 {
		return &fresh
	}
	v := (*old*float64(oldWeight) + fresh*float64(freshWeight)) / float64(oldWeight+freshWeight)
	return &v
}

// QuestionStore is the persistence slice the relationship-question job
// uses.
type QuestionStore interface {
	PendingClassifications(limit int) ([]storage.RelationshipClassification, error)
	QuestionsAskedSince(ownerID string, since time.Time) (int, error)
	LogQuestionAsked(ownerID string) error
}

// Publisher pushes events toward connected creators.
type Publisher interface {
	Publish(userID string, ev notify.Event) int
}

// RelationshipQuestionsJob nudges creators to classify unknown contacts.
// Each owner gets at most rateLimit questions per window; the pending
// classification stays pending until the creator answers.
func RelationshipQuestionsJob(store QuestionStore, events Publisher, window time.Duration, rateLimit, batch int) JobFunc {
	logger := slog.Default()
	return func(ctx context.Context) (RunStats, error) {
		var stats RunStats
		pending, err := store.PendingClassifications(batch)
		if err != nil {
			return stats, fmt.Errorf("load pending classifications: %w", err)
		}

		for _, p := range pending {
			asked, err := store.QuestionsAskedSince(p.OwnerID, time.Now().Add(-window))
			if err != nil {
				logger.Warn("question job: rate check failed", "owner", p.OwnerID, "error", err)
				stats.Failed++
				continue
			}
			if asked >= rateLimit {
				continue
			}

			events.Publish(p.OwnerID, notify.Event{
				Kind: notify.KindRelationshipQuestion,
				Data: map[string]any{
					"counterpart_id": p.CounterpartID,
					"question":       fmt.Sprintf("How would you describe your relationship with %s? (friend, family, colleague, ...)", p.CounterpartID),
				},
			})
			if err := store.LogQuestionAsked(p.OwnerID); err != nil {
				logger.Warn("question job: log failed", "owner", p.OwnerID, "error", err)
				stats.Failed++
				continue
			}
			stats.Processed++
		}
		return stats, nil
	}
}

// SummaryStore is the persistence slice the passive summarization job
// scans.
type SummaryStore interface {
	PairsNeedingSummary(minTurns, limit int) ([]storage.SummaryPair, error)
	RecentMessages(ownerID, counterpartID string, limit int) ([]storage.Message, error)
}

// Summarizer condenses a pair's recent conversation.
type Summarizer interface {
	Summarize(ctx context.Context, ownerID, counterpartID, conversationID string) error
}

// PassiveSummarizationJob sweeps pairs whose turn backlog crossed the
// threshold without the interactive path summarizing them.
func PassiveSummarizationJob(store SummaryStore, summarizer Summarizer, minTurns, batch int) JobFunc {
	logger := slog.Default()
	return func(ctx context.Context) (RunStats, error) {
		var stats RunStats
		pairs, err := store.PairsNeedingSummary(minTurns, batch)
		if err != nil {
			return stats, fmt.Errorf("load summary backlog: %w", err)
		}

		for _, p := range pairs {
			conversationID := ""
			if recent, err := store.RecentMessages(p.OwnerID, p.CounterpartID, 1); err == nil && len(recent) > 0 {
				conversationID = recent[len(recent)-1].ConversationID
			}
			if err := summarizer.Summarize(ctx, p.OwnerID, p.CounterpartID, conversationID); err != nil {
				logger.Warn("summary job: pair failed",
					"owner", p.OwnerID, "counterpart", p.CounterpartID, "error", err)
				stats.Failed++
				continue
			}
			stats.Processed++
		}
		return stats, nil
	}
}

// TaskStore is the retry queue slice the scan job drains.
type TaskStore interface {
	ClaimDueTask(kinds []string) (*storage.RetryTask, error)
	CompleteTask(id string) error
	FailTask(id string, errMsg string) error
}

// TaskHandler re-runs one deferred unit of work from its payload.
type TaskHandler func(ctx context.Context, payloadJSON string) error

// RetryScanJob drains due retry tasks, dispatching each to the handler
// registered for its kind. Claiming happens one task at a time so a
// crash mid-run strands at most the single task it was executing.
func RetryScanJob(store TaskStore, handlers map[string]TaskHandler) JobFunc {
	logger := slog.Default()
	kinds := make([]string, 0, len(handlers))
	for k := range handlers {
		kinds = append(kinds, k)
	}
	return func(ctx context.Context) (RunStats, error) {
		var stats RunStats
		for {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			task, err := store.ClaimDueTask(kinds)
			if err != nil {
				return stats, fmt.Errorf("claim task: %w", err)
			}
			if task == nil {
				return stats, nil
			}

			handler := handlers[task.Kind]
			if err := handler(ctx, task.PayloadJSON); err != nil {
				logger.Warn("retry task failed", "task_id", task.ID, "kind", task.Kind,
					"attempt", task.Attempts+1, "error", err)
				if failErr := store.FailTask(task.ID, err.Error()); failErr != nil {
					logger.Error("retry task state update failed", "task_id", task.ID, "error", failErr)
				}
				stats.Failed++
				continue
			}
			if err := store.CompleteTask(task.ID); err != nil {
				logger.Error("retry task completion failed", "task_id", task.ID, "error", err)
			}
			stats.Processed++
		}
	}
}
