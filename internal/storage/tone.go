package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func toneArgs(t ToneAttributes) []interface{} {
	return []interface{}{
		nullableFloat(t.Formality),
		nullableFloat(t.Humor),
		nullableFloat(t.EmojiRate),
		nullableFloat(t.Warmth),
		nullableFloat(t.Dependence),
	}
}

func nullableFloat(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func scanTone(formality, humor, emojiRate, warmth, dependence sql.NullFloat64) ToneAttributes {
	var t ToneAttributes
	if formality.Valid {
		v := formality.Float64
		t.Formality = &v
	}
	if humor.Valid {
		v := humor.Float64
		t.Humor = &v
	}
	if emojiRate.Valid {
		v := emojiRate.Float64
		t.EmojiRate = &v
	}
	if warmth.Valid {
		v := warmth.Float64
		t.Warmth = &v
	}
	if dependence.Valid {
		v := dependence.Float64
		t.Dependence = &v
	}
	return t
}

// --- Cluster personas ---

func (s *Store) UpsertClusterPersona(p ClusterPersona) error {
	args := append([]interface{}{p.OwnerID, p.Class}, toneArgs(p.Tone)...)
	args = append(args, p.SampleCount, fmtTime(time.Now()))
	_, err := s.db.Exec(`
		INSERT INTO cluster_personas (owner_id, class, formality, humor, emoji_rate, warmth, dependence, sample_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, class) DO UPDATE SET
			formality = excluded.formality,
			humor = excluded.humor,
			emoji_rate = excluded.emoji_rate,
			warmth = excluded.warmth,
			dependence = excluded.dependence,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at`,
		args...,
	)
	return err
}

func (s *Store) GetClusterPersona(ownerID, class string) (ClusterPersona, error) {
	var p ClusterPersona
	var f, h, e, w, d sql.NullFloat64
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT owner_id, class, formality, humor, emoji_rate, warmth, dependence, sample_count, updated_at
		FROM cluster_personas WHERE owner_id = ? AND class = ?`,
		ownerID, class,
	).Scan(&p.OwnerID, &p.Class, &f, &h, &e, &w, &d, &p.SampleCount, &updatedAt)
	if err == sql.ErrNoRows {
		return ClusterPersona{}, ErrNotFound
	}
	if err != nil {
		return ClusterPersona{}, err
	}
	p.Tone = scanTone(f, h, e, w, d)
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ClusterPersona{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// --- Dyadic overrides ---

func (s *Store) UpsertDyadicOverride(o DyadicOverride) error {
	args := append([]interface{}{o.OwnerID, o.CounterpartID}, toneArgs(o.Tone)...)
	args = append(args, fmtTime(time.Now()))
	_, err := s.db.Exec(`
		INSERT INTO dyadic_overrides (owner_id, counterpart_id, formality, humor, emoji_rate, warmth, dependence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, counterpart_id) DO UPDATE SET
			formality = excluded.formality,
			humor = excluded.humor,
			emoji_rate = excluded.emoji_rate,
			warmth = excluded.warmth,
			dependence = excluded.dependence,
			updated_at = excluded.updated_at`,
		args...,
	)
	return err
}

func (s *Store) GetDyadicOverride(ownerID, counterpartID string) (DyadicOverride, error) {
	var o DyadicOverride
	var f, h, e, w, d sql.NullFloat64
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT owner_id, counterpart_id, formality, humor, emoji_rate, warmth, dependence, updated_at
		FROM dyadic_overrides WHERE owner_id = ? AND counterpart_id = ?`,
		ownerID, counterpartID,
	).Scan(&o.OwnerID, &o.CounterpartID, &f, &h, &e, &w, &d, &updatedAt)
	if err == sql.ErrNoRows {
		return DyadicOverride{}, ErrNotFound
	}
	if err != nil {
		return DyadicOverride{}, err
	}
	o.Tone = scanTone(f, h, e, w, d)
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return DyadicOverride{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return o, nil
}

// --- Relationship classifications ---

func (s *Store) GetClassification(ownerID, counterpartID string) (RelationshipClassification, error) {
	var c RelationshipClassification
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT owner_id, counterpart_id, class, confidence, status, created_at, updated_at
		FROM relationship_classifications WHERE owner_id = ? AND counterpart_id = ?`,
		ownerID, counterpartID,
	).Scan(&c.OwnerID, &c.CounterpartID, &c.Class, &c.Confidence, &c.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return RelationshipClassification{}, ErrNotFound
	}
	if err != nil {
		return RelationshipClassification{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return RelationshipClassification{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return RelationshipClassification{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// EnsurePendingClassification flags an unclassified pair for the background
// relationship-question job. Existing rows are left untouched.
func (s *Store) EnsurePendingClassification(ownerID, counterpartID string) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO relationship_classifications (owner_id, counterpart_id, status, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?)
		ON CONFLICT(owner_id, counterpart_id) DO NOTHING`,
		ownerID, counterpartID, now, now,
	)
	return err
}

// AnswerClassification records the creator's answer for a pending pair.
func (s *Store) AnswerClassification(ownerID, counterpartID, class string, confidence float64) error {
	res, err := s.db.Exec(`
		UPDATE relationship_classifications
		SET class = ?, confidence = ?, status = 'answered', updated_at = ?
		WHERE owner_id = ? AND counterpart_id = ?`,
		class, confidence, fmtTime(time.Now()), ownerID, counterpartID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingClassifications lists pairs awaiting a relationship question,
// oldest first.
func (s *Store) PendingClassifications(limit int) ([]RelationshipClassification, error) {
	rows, err := s.db.Query(`
		SELECT owner_id, counterpart_id, class, confidence, status, created_at, updated_at
		FROM relationship_classifications
		WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RelationshipClassification
	for rows.Next() {
		var c RelationshipClassification
		var createdAt, updatedAt string
		if err := rows.Scan(&c.OwnerID, &c.CounterpartID, &c.Class, &c.Confidence, &c.Status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Question rate limiting ---

// QuestionsAskedSince counts relationship questions sent to an owner inside
// the rate window.
func (s *Store) QuestionsAskedSince(ownerID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM question_log WHERE owner_id = ? AND asked_at >= ?`,
		ownerID, fmtTime(since),
	).Scan(&count)
	return count, err
}

func (s *Store) LogQuestionAsked(ownerID string) error {
	_, err := s.db.Exec(`INSERT INTO question_log (owner_id, asked_at) VALUES (?, ?)`,
		ownerID, fmtTime(time.Now()))
	return err
}
