package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateFutureRequest stores a new pending future-planning record.
func (s *Store) CreateFutureRequest(r FutureRequest) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO future_requests (id, sender_id, recipient_id, conversation_id, original_message, detected_plan, detected_time, status, creator_response, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', '', ?, ?)`,
		r.ID, r.SenderID, r.RecipientID, r.ConversationID, r.OriginalMessage, r.DetectedPlan, r.DetectedTime, now, now,
	)
	return err
}

// PendingRequestSince reports whether a pending request for the pair was
// created inside the dedupe window.
func (s *Store) PendingRequestSince(senderID, recipientID string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM future_requests
		WHERE sender_id = ? AND recipient_id = ? AND status = 'pending' AND created_at >= ?`,
		senderID, recipientID, fmtTime(since),
	).Scan(&count)
	return count > 0, err
}

// AnswerFutureRequest moves a request pending -> answered with the creator's
// response. Any other starting status is a state conflict.
func (s *Store) AnswerFutureRequest(requestID, response string) error {
	return s.transitionRequest(requestID, RequestPending, RequestAnswered, response)
}

// DeliverFutureRequest moves a request answered -> delivered once the
// creator's response has been relayed to the sender.
func (s *Store) DeliverFutureRequest(requestID string) error {
	return s.transitionRequest(requestID, RequestAnswered, RequestDelivered, "")
}

// transitionRequest enforces the strictly-forward status machine. The WHERE
// clause on the current status makes regressions impossible even under
// concurrent calls.
func (s *Store) transitionRequest(requestID, from, to, response string) error {
	query := `UPDATE future_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []interface{}{to, fmtTime(time.Now()), requestID, from}
	if response != "" {
		query = `UPDATE future_requests SET status = ?, creator_response = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = []interface{}{to, response, fmtTime(time.Now()), requestID, from}
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(`SELECT status FROM future_requests WHERE id = ?`, requestID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("future request %s is %s, cannot move %s -> %s: %w", requestID, current, from, to, ErrStateConflict)
}

// GetFutureRequest returns one request by ID.
func (s *Store) GetFutureRequest(requestID string) (FutureRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, sender_id, recipient_id, conversation_id, original_message, detected_plan, detected_time, status, creator_response, created_at, updated_at
		FROM future_requests WHERE id = ?`, requestID)
	r, err := scanFutureRequest(row.Scan)
	if err == sql.ErrNoRows {
		return FutureRequest{}, ErrNotFound
	}
	return r, err
}

// RequestsByStatus lists requests addressed to the creator in the given
// status, oldest first.
func (s *Store) RequestsByStatus(recipientID, status string) ([]FutureRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, sender_id, recipient_id, conversation_id, original_message, detected_plan, detected_time, status, creator_response, created_at, updated_at
		FROM future_requests
		WHERE recipient_id = ? AND status = ?
		ORDER BY created_at ASC`,
		recipientID, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FutureRequest
	for rows.Next() {
		r, err := scanFutureRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// AnsweredRequestsForSender returns answered requests whose creator response
// is waiting to be relayed to the sender.
func (s *Store) AnsweredRequestsForSender(senderID, recipientID string) ([]FutureRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, sender_id, recipient_id, conversation_id, original_message, detected_plan, detected_time, status, creator_response, created_at, updated_at
		FROM future_requests
		WHERE sender_id = ? AND recipient_id = ? AND status = 'answered'
		ORDER BY created_at ASC`,
		senderID, recipientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FutureRequest
	for rows.Next() {
		r, err := scanFutureRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanFutureRequest(scan func(...interface{}) error) (FutureRequest, error) {
	var r FutureRequest
	var createdAt, updatedAt string
	if err := scan(&r.ID, &r.SenderID, &r.RecipientID, &r.ConversationID, &r.OriginalMessage, &r.DetectedPlan, &r.DetectedTime, &r.Status, &r.CreatorResponse, &createdAt, &updatedAt); err != nil {
		return FutureRequest{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return FutureRequest{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return FutureRequest{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}
