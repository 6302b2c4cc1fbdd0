package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpenThread returns the single non-closed thread for the pair, or
// ErrNotFound.
func (s *Store) OpenThread(ownerID, counterpartID string) (FinancialThread, error) {
	return s.openThreadTx(s.db.QueryRow, ownerID, counterpartID)
}

type rowQuerier func(query string, args ...interface{}) *sql.Row

func (s *Store) openThreadTx(queryRow rowQuerier, ownerID, counterpartID string) (FinancialThread, error) {
	var t FinancialThread
	var createdAt, lastActivity string
	err := queryRow(`
		SELECT id, owner_id, counterpart_id, conversation_id, status, summary, created_at, last_activity_at
		FROM financial_threads
		WHERE owner_id = ? AND counterpart_id = ? AND status != 'closed'`,
		ownerID, counterpartID,
	).Scan(&t.ID, &t.OwnerID, &t.CounterpartID, &t.ConversationID, &t.Status, &t.Summary, &createdAt, &lastActivity)
	if err == sql.ErrNoRows {
		return FinancialThread{}, ErrNotFound
	}
	if err != nil {
		return FinancialThread{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return FinancialThread{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return FinancialThread{}, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return t, nil
}

// AppendOrCreateThread appends the message to the pair's open thread, creating
// the thread first when none exists. The whole operation runs in one
// transaction so two concurrent financial messages can never open two threads
// for the same pair. Returns the thread and whether it was newly created.
func (s *Store) AppendOrCreateThread(ownerID, counterpartID, conversationID, summary string, msg ThreadMessage) (FinancialThread, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return FinancialThread{}, false, fmt.Errorf("beginning thread transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	created := false

	thread, err := s.openThreadTx(tx.QueryRow, ownerID, counterpartID)
	if err == ErrNotFound {
		thread = FinancialThread{
			ID:             uuid.New().String(),
			OwnerID:        ownerID,
			CounterpartID:  counterpartID,
			ConversationID: conversationID,
			Status:         ThreadWaitingCreator,
			Summary:        summary,
		}
		if _, err := tx.Exec(`
			INSERT INTO financial_threads (id, owner_id, counterpart_id, conversation_id, status, summary, created_at, last_activity_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			thread.ID, ownerID, counterpartID, conversationID, ThreadWaitingCreator, summary, now, now,
		); err != nil {
			return FinancialThread{}, false, fmt.Errorf("creating thread: %w", err)
		}
		created = true
	} else if err != nil {
		return FinancialThread{}, false, err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if _, err := tx.Exec(`
		INSERT INTO financial_thread_messages (id, thread_id, author_id, content, delivered, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		msg.ID, thread.ID, msg.AuthorID, msg.Content, now,
	); err != nil {
		return FinancialThread{}, false, fmt.Errorf("appending thread message: %w", err)
	}

	// Whose turn it is flips with the author: a counterpart message waits on
	// the creator, a creator message waits on the sender.
	newStatus := ThreadWaitingCreator
	if msg.AuthorID == ownerID {
		newStatus = ThreadWaitingSender
	}
	if !created {
		if _, err := tx.Exec(`
			UPDATE financial_threads SET status = ?, last_activity_at = ? WHERE id = ?`,
			newStatus, now, thread.ID,
		); err != nil {
			return FinancialThread{}, false, fmt.Errorf("updating thread turn: %w", err)
		}
		thread.Status = newStatus
	}

	if err := tx.Commit(); err != nil {
		return FinancialThread{}, false, fmt.Errorf("committing thread transaction: %w", err)
	}
	return thread, created, nil
}

// CloseThread marks a thread closed. Closing an already-closed thread is a
// state conflict.
func (s *Store) CloseThread(threadID string) error {
	res, err := s.db.Exec(`
		UPDATE financial_threads SET status = 'closed', last_activity_at = ?
		WHERE id = ? AND status != 'closed'`,
		fmtTime(time.Now()), threadID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM financial_threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("thread %s already closed: %w", threadID, ErrStateConflict)
	}
	return nil
}

// ThreadMessages returns the thread's message log in emission order.
func (s *Store) ThreadMessages(threadID string, limit int) ([]ThreadMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, author_id, content, delivered, created_at
		FROM financial_thread_messages
		WHERE thread_id = ? ORDER BY created_at ASC LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreadMessages(rows)
}

// UndeliveredCreatorMessages returns the owner's thread replies the
// counterpart has not seen yet, across all threads for the pair.
func (s *Store) UndeliveredCreatorMessages(ownerID, counterpartID string) ([]ThreadMessage, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.thread_id, m.author_id, m.content, m.delivered, m.created_at
		FROM financial_thread_messages m
		JOIN financial_threads t ON t.id = m.thread_id
		WHERE t.owner_id = ? AND t.counterpart_id = ? AND m.author_id = ? AND m.delivered = 0
		ORDER BY m.created_at ASC`,
		ownerID, counterpartID, ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanThreadMessages(rows)
}

func (s *Store) MarkThreadMessageDelivered(messageID string) error {
	res, err := s.db.Exec(`UPDATE financial_thread_messages SET delivered = 1 WHERE id = ?`, messageID)
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

// OpenThreadsForOwner lists all non-closed threads awaiting the creator.
func (s *Store) OpenThreadsForOwner(ownerID string) ([]FinancialThread, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, counterpart_id, conversation_id, status, summary, created_at, last_activity_at
		FROM financial_threads
		WHERE owner_id = ? AND status != 'closed'
		ORDER BY last_activity_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FinancialThread
	for rows.Next() {
		var t FinancialThread
		var createdAt, lastActivity string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.CounterpartID, &t.ConversationID, &t.Status, &t.Summary, &createdAt, &lastActivity); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if t.LastActivityAt, err = parseTime(lastActivity); err != nil {
			return nil, fmt.Errorf("parsing last_activity_at: %w", err)
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func scanThreadMessages(rows *sql.Rows) ([]ThreadMessage, error) {
	var results []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var delivered int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.AuthorID, &m.Content, &delivered, &createdAt); err != nil {
			return nil, err
		}
		m.Delivered = delivered == 1
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}
