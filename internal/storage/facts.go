package storage

import "fmt"

// SaveFact appends a core fact. When a fact with the same (owner, subject,
// attribute) already exists it is flagged superseded first; facts are never
// deleted.
func (s *Store) SaveFact(f CoreFact) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fact transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE core_facts SET superseded = 1
		WHERE owner_id = ? AND subject = ? AND attribute = ? AND superseded = 0`,
		f.OwnerID, f.Subject, f.Attribute,
	); err != nil {
		return fmt.Errorf("superseding facts: %w", err)
	}

	priority := f.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if _, err := tx.Exec(`
		INSERT INTO core_facts (id, owner_id, subject, attribute, value, priority, confidence, source_msg, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		f.ID, f.OwnerID, f.Subject, f.Attribute, f.Value, priority, f.Confidence, f.SourceMsg, fmtTime(f.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting fact: %w", err)
	}

	return tx.Commit()
}

// HasFactsForMessage reports whether any facts were already extracted from
// the given source message. Used as the learner's dedup check.
func (s *Store) HasFactsForMessage(msgID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM core_facts WHERE source_msg = ?`, msgID).Scan(&count)
	return count > 0, err
}

// ActiveFacts returns non-superseded facts for the owner, highest priority
// first. Pass priorities to filter; empty means all.
func (s *Store) ActiveFacts(ownerID string, priorities ...string) ([]CoreFact, error) {
	query := `
		SELECT id, owner_id, subject, attribute, value, priority, confidence, source_msg, superseded, created_at
		FROM core_facts WHERE owner_id = ? AND superseded = 0`
	args := []interface{}{ownerID}
	if len(priorities) > 0 {
		query += ` AND priority IN (?`
		args = append(args, priorities[0])
		for _, p := range priorities[1:] {
			query += `,?`
			args = append(args, p)
		}
		query += `)`
	}
	query += ` ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END, created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CoreFact
	for rows.Next() {
		var f CoreFact
		var createdAt string
		var superseded int
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Subject, &f.Attribute, &f.Value, &f.Priority, &f.Confidence, &f.SourceMsg, &superseded, &createdAt); err != nil {
			return nil, err
		}
		f.Superseded = superseded == 1
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}
