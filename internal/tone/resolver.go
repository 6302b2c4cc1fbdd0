// Package tone resolves the effective communication style for a twin
// replying to one specific counterpart. Three layers merge into one profile:
// a fixed neutral default, the owner's cluster persona for the relationship
// class, and a sparse dyadic override for the exact pair. Later layers
// replace earlier ones attribute-by-attribute; nothing is ever averaged.
package tone

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/twind/internal/storage"
)

// StrangerClass is the fallback relationship class for unclassified pairs.
const StrangerClass = "stranger"

// EffectiveTone is the fully resolved style, every attribute in [0,1].
type EffectiveTone struct {
	Formality  float64
	Humor      float64
	EmojiRate  float64
	Warmth     float64
	Dependence float64

	// Class is the relationship class the cluster layer came from;
	// StrangerClass when the pair is unclassified.
	Class string
}

// Neutral is the base layer every resolution starts from.
func Neutral() EffectiveTone {
	return EffectiveTone{
		Formality:  0.5,
		Humor:      0.3,
		EmojiRate:  0.2,
		Warmth:     0.5,
		Dependence: 0.3,
		Class:      StrangerClass,
	}
}

// ProfileStore is the slice of relational storage the resolver reads.
type ProfileStore interface {
	GetClusterPersona(ownerID, class string) (storage.ClusterPersona, error)
	GetDyadicOverride(ownerID, counterpartID string) (storage.DyadicOverride, error)
	GetClassification(ownerID, counterpartID string) (storage.RelationshipClassification, error)
	EnsurePendingClassification(ownerID, counterpartID string) error
}

// Resolver merges the three tone layers for a pair.
type Resolver struct {
	store  ProfileStore
	logger *slog.Logger
}

func NewResolver(store ProfileStore) *Resolver {
	return &Resolver{store: store, logger: slog.Default()}
}

// Resolve returns the effective tone for the owner talking to the
// counterpart. Profiles are read as-is even when old; recomputation is the
// tone-detection job's business, never this call's.
func (r *Resolver) Resolve(ownerID, counterpartID string) (EffectiveTone, error) {
	effective := Neutral()

	class := r.relationshipClass(ownerID, counterpartID)
	effective.Class = class

	persona, err := r.store.GetClusterPersona(ownerID, class)
	switch {
	case err == nil:
		apply(&effective, persona.Tone)
	case !errors.Is(err, storage.ErrNotFound):
		return EffectiveTone{}, fmt.Errorf("loading cluster persona: %w", err)
	}

	override, err := r.store.GetDyadicOverride(ownerID, counterpartID)
	switch {
	case err == nil:
		apply(&effective, override.Tone)
	case !errors.Is(err, storage.ErrNotFound):
		return EffectiveTone{}, fmt.Errorf("loading dyadic override: %w", err)
	}

	return effective, nil
}

// relationshipClass looks up the answered classification for the pair. An
// unknown or unanswered pair resolves as stranger and is flagged for the
// background question job.
func (r *Resolver) relationshipClass(ownerID, counterpartID string) string {
	c, err := r.store.GetClassification(ownerID, counterpartID)
	if err == nil && c.Status == storage.ClassificationAnswered && c.Class != "" {
		return c.Class
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("tone: classification lookup failed", "owner", ownerID, "counterpart", counterpartID, "error", err)
		return StrangerClass
	}

	if errors.Is(err, storage.ErrNotFound) {
		if flagErr := r.store.EnsurePendingClassification(ownerID, counterpartID); flagErr != nil {
			r.logger.Warn("tone: flagging pair for classification failed", "owner", ownerID, "counterpart", counterpartID, "error", flagErr)
		}
	}
	return StrangerClass
}

// apply copies the set attributes of layer onto dst. Unset attributes defer
// to whatever dst already holds.
func apply(dst *EffectiveTone, layer storage.ToneAttributes) {
	if layer.Formality != nil {
		dst.Formality = *layer.Formality
	}
	if layer.Humor != nil {
		dst.Humor = *layer.Humor
	}
	if layer.EmojiRate != nil {
		dst.EmojiRate = *layer.EmojiRate
	}
	if layer.Warmth != nil {
		dst.Warmth = *layer.Warmth
	}
	if layer.Dependence != nil {
		dst.Dependence = *layer.Dependence
	}
}

// Directives renders the resolved tone as prompt instructions for the
// composer.
func Directives(t EffectiveTone) string {
	var sb strings.Builder
	sb.WriteString("Relationship: " + t.Class + "\n")
	sb.WriteString(scale("Formality", t.Formality, "casual, everyday wording", "formal, careful wording"))
	sb.WriteString(scale("Humor", t.Humor, "stay serious", "joke freely"))
	sb.WriteString(scale("Emoji use", t.EmojiRate, "no emojis", "emojis in most messages"))
	sb.WriteString(scale("Warmth", t.Warmth, "reserved and factual", "affectionate and supportive"))
	sb.WriteString(scale("Openness", t.Dependence, "keep personal matters private", "share personal matters openly"))
	return sb.String()
}

func scale(name string, v float64, low, high string) string {
	var hint string
	switch {
	case v < 0.34:
		hint = low
	case v > 0.66:
		hint = high
	default:
		hint = "balanced"
	}
	return fmt.Sprintf("- %s: %.1f (%s)\n", name, v, hint)
}
