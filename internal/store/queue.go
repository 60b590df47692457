package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of a queued message.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusComplete   QueueStatus = "complete"
	StatusFailed     QueueStatus = "failed"
)

// QueuedMessage is one durable inbound message awaiting (or under)
// processing. Dequeue transitions pending -> processing; complete and failed
// are terminal.
type QueuedMessage struct {
	ID         string
	SessionID  string
	Channel    string
	Sender     string
	Content    string
	Status     QueueStatus
	EnqueuedAt time.Time
}

// Enqueue inserts a new pending message and returns its ID.
func (s *Store) Enqueue(ctx context.Context, sessionID, channel, sender, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_queue (id, session_id, channel, sender, content, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, id, sessionID, channel, sender, content, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest pending message, transitioning it to processing.
// Returns nil when the queue is empty. The claim is a single UPDATE so two
// concurrent dequeues can never claim the same row.
func (s *Store) Dequeue(ctx context.Context) (*QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE message_queue
		SET status = 'processing'
		WHERE id = (
			SELECT id FROM message_queue
			WHERE status = 'pending'
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, session_id, channel, sender, content, status, enqueued_at
	`)
	return scanQueued(row)
}

// DequeueByID claims the specific pending message with the given ID. Returns
// nil when the message does not exist or is not pending, so a message can be
// claimed at most once.
func (s *Store) DequeueByID(ctx context.Context, id string) (*QueuedMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE message_queue
		SET status = 'processing'
		WHERE id = ? AND status = 'pending'
		RETURNING id, session_id, channel, sender, content, status, enqueued_at
	`, id)
	return scanQueued(row)
}

// Complete marks a processing message as complete.
func (s *Store) Complete(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusComplete)
}

// Fail marks a processing message as failed.
func (s *Store) Fail(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusFailed)
}

// finish applies a terminal transition. Only processing rows may move to a
// terminal state; finishing an already-terminal row is an error.
func (s *Store) finish(ctx context.Context, id string, status QueueStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE message_queue
		SET status = ?
		WHERE id = ? AND status = 'processing'
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to mark message %s: %w", status, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queued message %s is not in processing state", id)
	}
	return nil
}

// QueueDepth returns the number of pending messages.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

func scanQueued(row *sql.Row) (*QueuedMessage, error) {
	m := &QueuedMessage{}
	err := row.Scan(&m.ID, &m.SessionID, &m.Channel, &m.Sender, &m.Content, &m.Status, &m.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queued message: %w", err)
	}
	return m, nil
}
