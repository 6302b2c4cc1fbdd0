package tone

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/twind/internal/storage"
)

func ptr(v float64) *float64 { return &v }

// mockStore implements ProfileStore in memory.
type mockStore struct {
	personas        map[string]storage.ClusterPersona // keyed by owner/class
	overrides       map[string]storage.DyadicOverride // keyed by owner/counterpart
	classifications map[string]storage.RelationshipClassification
	flagged         []string
}

func newMockStore() *mockStore {
	return &mockStore{
		personas:        make(map[string]storage.ClusterPersona),
		overrides:       make(map[string]storage.DyadicOverride),
		classifications: make(map[string]storage.RelationshipClassification),
	}
}

func (m *mockStore) GetClusterPersona(ownerID, class string) (storage.ClusterPersona, error) {
	p, ok := m.personas[ownerID+"/"+class]
	if !ok {
		return storage.ClusterPersona{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *mockStore) GetDyadicOverride(ownerID, counterpartID string) (storage.DyadicOverride, error) {
	o, ok := m.overrides[ownerID+"/"+counterpartID]
	if !ok {
		return storage.DyadicOverride{}, storage.ErrNotFound
	}
	return o, nil
}

func (m *mockStore) GetClassification(ownerID, counterpartID string) (storage.RelationshipClassification, error) {
	c, ok := m.classifications[ownerID+"/"+counterpartID]
	if !ok {
		return storage.RelationshipClassification{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *mockStore) EnsurePendingClassification(ownerID, counterpartID string) error {
	m.flagged = append(m.flagged, ownerID+"/"+counterpartID)
	return nil
}

// wrappingStore wraps every not-found sentinel the way a store layering
// extra context would.
type wrappingStore struct {
	*mockStore
}

func (w wrappingStore) GetClusterPersona(ownerID, class string) (storage.ClusterPersona, error) {
	p, err := w.mockStore.GetClusterPersona(ownerID, class)
	if err != nil {
		return p, fmt.Errorf("cluster persona %s/%s: %w", ownerID, class, err)
	}
	return p, nil
}

func (w wrappingStore) GetDyadicOverride(ownerID, counterpartID string) (storage.DyadicOverride, error) {
	o, err := w.mockStore.GetDyadicOverride(ownerID, counterpartID)
	if err != nil {
		return o, fmt.Errorf("dyadic override %s/%s: %w", ownerID, counterpartID, err)
	}
	return o, nil
}

func (w wrappingStore) GetClassification(ownerID, counterpartID string) (storage.RelationshipClassification, error) {
	c, err := w.mockStore.GetClassification(ownerID, counterpartID)
	if err != nil {
		return c, fmt.Errorf("classification %s/%s: %w", ownerID, counterpartID, err)
	}
	return c, nil
}

func classify(m *mockStore, owner, counterpart, class string) {
	m.classifications[owner+"/"+counterpart] = storage.RelationshipClassification{
		OwnerID: owner, CounterpartID: counterpart, Class: class,
		Status: storage.ClassificationAnswered, Confidence: 0.9,
	}
}

func TestResolve_NeutralDefaultForUnknownPair(t *testing.T) {
	m := newMockStore()
	r := NewResolver(m)

	got, err := r.Resolve("alice", "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Neutral() {
		t.Errorf("tone = %+v, want neutral default", got)
	}
	if got.Class != StrangerClass {
		t.Errorf("class = %q, want stranger", got.Class)
	}
	if len(m.flagged) != 1 || m.flagged[0] != "alice/nobody" {
		t.Errorf("pair not flagged for classification: %v", m.flagged)
	}
}

func TestResolve_ToleratesWrappedNotFound(t *testing.T) {
	m := newMockStore()
	r := NewResolver(wrappingStore{m})

	got, err := r.Resolve("alice", "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Neutral() {
		t.Errorf("tone = %+v, want neutral default", got)
	}
}

func TestResolve_ClusterLayerApplies(t *testing.T) {
	m := newMockStore()
	classify(m, "alice", "bob", "friend")
	m.personas["alice/friend"] = storage.ClusterPersona{
		OwnerID: "alice", Class: "friend",
		Tone: storage.ToneAttributes{Formality: ptr(0.1), Humor: ptr(0.8)},
	}
	r := NewResolver(m)

	got, err := r.Resolve("alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Formality != 0.1 || got.Humor != 0.8 {
		t.Errorf("cluster attributes not applied: %+v", got)
	}
	// Unset cluster attributes fall through to neutral.
	if got.Warmth != Neutral().Warmth {
		t.Errorf("warmth = %v, want neutral %v", got.Warmth, Neutral().Warmth)
	}
	if got.Class != "friend" {
		t.Errorf("class = %q, want friend", got.Class)
	}
}

func TestResolve_OverrideReplacesOnlySetAttributes(t *testing.T) {
	m := newMockStore()
	classify(m, "alice", "bob", "friend")
	m.personas["alice/friend"] = storage.ClusterPersona{
		OwnerID: "alice", Class: "friend",
		Tone: storage.ToneAttributes{
			Formality: ptr(0.1), Humor: ptr(0.8), EmojiRate: ptr(0.7),
			Warmth: ptr(0.9), Dependence: ptr(0.6),
		},
	}
	m.overrides["alice/bob"] = storage.DyadicOverride{
		OwnerID: "alice", CounterpartID: "bob",
		Tone: storage.ToneAttributes{Humor: ptr(0.0)},
	}
	r := NewResolver(m)

	got, err := r.Resolve("alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Overridden attribute fully replaced, never blended.
	if got.Humor != 0.0 {
		t.Errorf("humor = %v, want 0 (override wins)", got.Humor)
	}
	// Every other attribute untouched by the override.
	if got.Formality != 0.1 || got.EmojiRate != 0.7 || got.Warmth != 0.9 || got.Dependence != 0.6 {
		t.Errorf("override leaked into other attributes: %+v", got)
	}
}

func TestResolve_AttributeIndependence(t *testing.T) {
	// Overriding each attribute alone must leave the other four at their
	// cluster values.
	base := storage.ToneAttributes{
		Formality: ptr(0.2), Humor: ptr(0.2), EmojiRate: ptr(0.2),
		Warmth: ptr(0.2), Dependence: ptr(0.2),
	}
	cases := []struct {
		name     string
		override storage.ToneAttributes
		read     func(EffectiveTone) float64
	}{
		{"formality", storage.ToneAttributes{Formality: ptr(0.9)}, func(e EffectiveTone) float64 { return e.Formality }},
		{"humor", storage.ToneAttributes{Humor: ptr(0.9)}, func(e EffectiveTone) float64 { return e.Humor }},
		{"emoji_rate", storage.ToneAttributes{EmojiRate: ptr(0.9)}, func(e EffectiveTone) float64 { return e.EmojiRate }},
		{"warmth", storage.ToneAttributes{Warmth: ptr(0.9)}, func(e EffectiveTone) float64 { return e.Warmth }},
		{"dependence", storage.ToneAttributes{Dependence: ptr(0.9)}, func(e EffectiveTone) float64 { return e.Dependence }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMockStore()
			classify(m, "alice", "bob", "family")
			m.personas["alice/family"] = storage.ClusterPersona{OwnerID: "alice", Class: "family", Tone: base}
			m.overrides["alice/bob"] = storage.DyadicOverride{OwnerID: "alice", CounterpartID: "bob", Tone: tc.override}

			got, err := NewResolver(m).Resolve("alice", "bob")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.read(got) != 0.9 {
				t.Errorf("overridden attribute = %v, want 0.9", tc.read(got))
			}

			others := []float64{got.Formality, got.Humor, got.EmojiRate, got.Warmth, got.Dependence}
			overridden := 0
			for _, v := range others {
				if v == 0.9 {
					overridden++
				} else if v != 0.2 {
					t.Errorf("untouched attribute changed to %v", v)
				}
			}
			if overridden != 1 {
				t.Errorf("%d attributes overridden, want exactly 1", overridden)
			}
		})
	}
}

func TestResolve_PendingClassificationStaysStranger(t *testing.T) {
	m := newMockStore()
	m.classifications["alice/bob"] = storage.RelationshipClassification{
		OwnerID: "alice", CounterpartID: "bob", Status: storage.ClassificationPending,
	}
	r := NewResolver(m)

	got, err := r.Resolve("alice", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Class != StrangerClass {
		t.Errorf("class = %q, want stranger while pending", got.Class)
	}
	// Already flagged; must not be flagged again.
	if len(m.flagged) != 0 {
		t.Errorf("pair re-flagged: %v", m.flagged)
	}
}

func TestDirectives_MentionsClassAndHints(t *testing.T) {
	tone := EffectiveTone{Formality: 0.9, Humor: 0.1, EmojiRate: 0.5, Warmth: 0.7, Dependence: 0.2, Class: "boss"}
	text := Directives(tone)

	if !strings.Contains(text, "boss") {
		t.Errorf("directives missing class: %s", text)
	}
	if !strings.Contains(text, "formal, careful wording") {
		t.Errorf("directives missing high-formality hint: %s", text)
	}
	if !strings.Contains(text, "stay serious") {
		t.Errorf("directives missing low-humor hint: %s", text)
	}
}
