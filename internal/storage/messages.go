package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage stores a conversation turn. Inserting the same message ID twice
// is a no-op, which makes background logging idempotent.
func (s *Store) SaveMessage(m Message) (bool, error) {
	modality := m.Modality
	if modality == "" {
		modality = "text"
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, role, content, modality, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID, m.Role, m.Content, modality, fmtTime(m.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecentMessages returns the latest messages between the pair in chronological
// order, regardless of which side sent them.
func (s *Store) RecentMessages(ownerID, counterpartID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, recipient_id, role, content, modality, created_at
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at DESC LIMIT ?`,
		ownerID, counterpartID, counterpartID, ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// MessagesBySender returns the owner's own recent turns toward the
// counterpart, used as style samples in the twin prompt.
func (s *Store) MessagesBySender(senderID, recipientID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, recipient_id, role, content, modality, created_at
		FROM messages
		WHERE sender_id = ? AND recipient_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		senderID, recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var createdAt string
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, &m.Role, &m.Content, &m.Modality, &createdAt); err != nil {
		return Message{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

// --- Conversation summaries ---

func (s *Store) GetSummary(ownerID, counterpartID, conversationID string) (ConversationSummary, error) {
	var cs ConversationSummary
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT owner_id, counterpart_id, conversation_id, summary, updated_at
		FROM conversation_summaries
		WHERE owner_id = ? AND counterpart_id = ? AND conversation_id = ?`,
		ownerID, counterpartID, conversationID,
	).Scan(&cs.OwnerID, &cs.CounterpartID, &cs.ConversationID, &cs.Summary, &updatedAt)
	if err == sql.ErrNoRows {
		return ConversationSummary{}, ErrNotFound
	}
	if err != nil {
		return ConversationSummary{}, err
	}
	cs.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return ConversationSummary{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return cs, nil
}

func (s *Store) UpsertSummary(cs ConversationSummary) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_summaries (owner_id, counterpart_id, conversation_id, summary, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, counterpart_id, conversation_id)
		DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		cs.OwnerID, cs.CounterpartID, cs.ConversationID, cs.Summary, fmtTime(time.Now()),
	)
	return err
}

// --- Pair counters ---

// BumpUnsummarizedTurns increments the untouched-turn counter for a pair and
// returns the new count.
func (s *Store) BumpUnsummarizedTurns(ownerID, counterpartID string, delta int) (int, error) {
	_, err := s.db.Exec(`
		INSERT INTO pair_counters (owner_id, counterpart_id, unsummarized_turns)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id, counterpart_id)
		DO UPDATE SET unsummarized_turns = unsummarized_turns + excluded.unsummarized_turns`,
		ownerID, counterpartID, delta,
	)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRow(`SELECT unsummarized_turns FROM pair_counters WHERE owner_id = ? AND counterpart_id = ?`,
		ownerID, counterpartID).Scan(&count)
	return count, err
}

// ResetUnsummarizedTurns zeroes the counter after a summarization pass.
func (s *Store) ResetUnsummarizedTurns(ownerID, counterpartID string) error {
	_, err := s.db.Exec(`
		UPDATE pair_counters SET unsummarized_turns = 0
		WHERE owner_id = ? AND counterpart_id = ?`,
		ownerID, counterpartID,
	)
	return err
}

// BumpPassiveMessages counts passive observations toward the tone job's
// minimum-observation threshold.
func (s *Store) BumpPassiveMessages(ownerID, counterpartID string, delta int) error {
	_, err := s.db.Exec(`
		INSERT INTO pair_counters (owner_id, counterpart_id, passive_messages)
		VALUES (?, ?, ?)
		ON CONFLICT(owner_id, counterpart_id)
		DO UPDATE SET passive_messages = passive_messages + excluded.passive_messages`,
		ownerID, counterpartID, delta,
	)
	return err
}

// PairCandidate is a pair due for tone recomputation.
type PairCandidate struct {
	OwnerID         string
	CounterpartID   string
	PassiveMessages int
}

// TonePairCandidates returns pairs with at least minObservations passive
// messages whose last tone run is older than staleAfter.
func (s *Store) TonePairCandidates(minObservations int, staleAfter time.Duration, limit int) ([]PairCandidate, error) {
	cutoff := fmtTime(time.Now().Add(-staleAfter))
	rows, err := s.db.Query(`
		SELECT owner_id, counterpart_id, passive_messages
		FROM pair_counters
		WHERE passive_messages >= ? AND (last_tone_run_at = '' OR last_tone_run_at <= ?)
		ORDER BY passive_messages DESC LIMIT ?`,
		minObservations, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PairCandidate
	for rows.Next() {
		var c PairCandidate
		if err := rows.Scan(&c.OwnerID, &c.CounterpartID, &c.PassiveMessages); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// SummaryPair identifies a pair with unsummarized conversation turns.
type SummaryPair struct {
	OwnerID           string
	CounterpartID     string
	UnsummarizedTurns int
}

// PairsNeedingSummary returns pairs whose unsummarized-turn count has
// reached minTurns, most backlogged first.
func (s *Store) PairsNeedingSummary(minTurns, limit int) ([]SummaryPair, error) {
	rows, err := s.db.Query(`
		SELECT owner_id, counterpart_id, unsummarized_turns
		FROM pair_counters
		WHERE unsummarized_turns >= ?
		ORDER BY unsummarized_turns DESC LIMIT ?`,
		minTurns, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SummaryPair
	for rows.Next() {
		var p SummaryPair
		if err := rows.Scan(&p.OwnerID, &p.CounterpartID, &p.UnsummarizedTurns); err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// MarkToneRun records a completed tone recomputation and resets the passive
// observation counter for the pair.
func (s *Store) MarkToneRun(ownerID, counterpartID string) error {
	_, err := s.db.Exec(`
		UPDATE pair_counters SET passive_messages = 0, last_tone_run_at = ?
		WHERE owner_id = ? AND counterpart_id = ?`,
		fmtTime(time.Now()), ownerID, counterpartID,
	)
	return err
}
