package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Turn is one entry in a session's conversation log.
type Turn struct {
	SessionID string
	Role      string // "user" or "assistant"
	Content   string
	Sender    string // empty for assistant turns
	Timestamp time.Time
}

// AppendTurn appends a turn to the session's ordered log.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content, sender string) error {
	var senderNull sql.NullString
	if sender != "" {
		senderNull = sql.NullString{String: sender, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (session_id, role, content, sender, ts)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, role, content, senderNull, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// LoadTurns returns the most recent limit turns for a session in
// chronological order. A non-positive limit loads everything.
func (s *Store) LoadTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: LIMIT -1 means no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, sender, ts FROM (
			SELECT id, session_id, role, content, sender, ts
			FROM conversation_turns
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var sender sql.NullString
		if err := rows.Scan(&t.SessionID, &t.Role, &t.Content, &sender, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if sender.Valid {
			t.Sender = sender.String
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return turns, nil
}

// CountTurns returns the number of turns recorded for a session.
func (s *Store) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_turns WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count turns: %w", err)
	}
	return n, nil
}

// PruneTurns deletes all but the most recent keep turns for a session.
func (s *Store) PruneTurns(ctx context.Context, sessionID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_turns
		WHERE session_id = ?
		AND id NOT IN (
			SELECT id FROM conversation_turns
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune turns: %w", err)
	}
	return nil
}
