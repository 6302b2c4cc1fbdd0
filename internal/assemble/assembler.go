package assemble

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/twind/internal/memory"
	"github.com/kalambet/twind/internal/storage"
	"github.com/kalambet/twind/internal/tone"
)

// Metadata captures diagnostics about one assembly pass.
type Metadata struct {
	SummaryLoaded      bool
	MemoriesUsed       []string
	FactsLoaded        int
	StyleSamplesLoaded int
	AssembleDurationMs int64
}

// Bundle is everything the composer needs to build a prompt for one
// inbound message. Missing collaborators leave their section zero-valued;
// the composer renders whatever is present.
type Bundle struct {
	Summary      string
	Memories     []memory.Snippet
	Facts        []storage.CoreFact
	RecentTurns  []storage.Message
	StyleSamples []storage.Message
	Tone         tone.EffectiveTone
}

// Store is the persistence slice the assembler reads.
type Store interface {
	GetSummary(ownerID, counterpartID, conversationID string) (storage.ConversationSummary, error)
	ActiveFacts(ownerID string, priorities ...string) ([]storage.CoreFact, error)
	RecentMessages(ownerID, counterpartID string, limit int) ([]storage.Message, error)
	MessagesBySender(senderID, recipientID string, limit int) ([]storage.Message, error)
}

// ToneResolver yields the effective tone for a creator/counterpart pair.
type ToneResolver interface {
	Resolve(ownerID, counterpartID string) (tone.EffectiveTone, error)
}

// Assembler gathers conversational context from every collaborator. Each
// collaborator degrades independently: a failing store or memory lookup
// logs a warning and leaves its section empty, never failing the whole
// assembly.
type Assembler struct {
	store        Store
	memories     memory.Store
	tones        ToneResolver
	topK         int
	recentTurns  int
	styleSamples int
	logger       *slog.Logger
}

func New(store Store, memories memory.Store, tones ToneResolver, topK int) *Assembler {
	if topK <= 0 {
		topK = 5
	}
	return &Assembler{
		store:        store,
		memories:     memories,
		tones:        tones,
		topK:         topK,
		recentTurns:  10,
		styleSamples: 5,
		logger:       slog.Default(),
	}
}

// Assemble builds the context bundle for msg, a message sent by
// msg.SenderID to the twin of msg.RecipientID.
func (a *Assembler) Assemble(ctx context.Context, msg storage.Message) (Bundle, Metadata) {
	start := time.Now()
	var meta Metadata
	defer func() {
		meta.AssembleDurationMs = time.Since(start).Milliseconds()
	}()

	owner := msg.RecipientID
	counterpart := msg.SenderID
	bundle := Bundle{Tone: tone.Neutral()}

	summary, err := a.store.GetSummary(owner, counterpart, msg.ConversationID)
	switch {
	case err == nil:
		bundle.Summary = summary.Summary
		meta.SummaryLoaded = true
	case errors.Is(err, storage.ErrNotFound):
		// First contact in this conversation; nothing to load.
	default:
		a.logger.Warn("assembly: summary load failed", "error", err)
	}

	if a.memories != nil {
		snippets, err := a.memories.Search(ctx, owner, msg.Content, a.topK)
		if err != nil {
			a.logger.Warn("assembly: memory search failed", "error", err)
		} else {
			bundle.Memories = snippets
			for _, s := range snippets {
				meta.MemoriesUsed = append(meta.MemoriesUsed, s.ID)
			}
		}
	}

	facts, err := a.store.ActiveFacts(owner, storage.PriorityHigh, storage.PriorityMedium)
	if err != nil {
		a.logger.Warn("assembly: facts load failed", "error", err)
	} else {
		bundle.Facts = facts
		meta.FactsLoaded = len(facts)
	}

	recent, err := a.store.RecentMessages(owner, counterpart, a.recentTurns)
	if err != nil {
		a.logger.Warn("assembly: recent messages load failed", "error", err)
	} else {
		bundle.RecentTurns = recent
	}

	samples, err := a.store.MessagesBySender(owner, counterpart, a.styleSamples)
	if err != nil {
		a.logger.Warn("assembly: style samples load failed", "error", err)
	} else {
		bundle.StyleSamples = samples
		meta.StyleSamplesLoaded = len(samples)
	}

	if a.tones != nil {
		resolved, err := a.tones.Resolve(owner, counterpart)
		if err != nil {
			a.logger.Warn("assembly: tone resolution failed, using neutral", "error", err)
		} else {
			bundle.Tone = resolved
		}
	}

	a.logger.Debug("assembly complete",
		"summary", meta.SummaryLoaded,
		"memories", len(meta.MemoriesUsed),
		"facts", meta.FactsLoaded,
		"tone_class", bundle.Tone.Class,
	)
	return bundle, meta
}
