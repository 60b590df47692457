package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one policy decision or mutation recorded by the host.
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	SessionID    sql.NullString
	Action       string
	PayloadJSON  sql.NullString
	Result       string // "success", "blocked", "failed"
	ErrorMessage sql.NullString
}

// AuditPayload is a helper for structured audit payloads.
type AuditPayload map[string]interface{}

// WriteAudit records an audit entry. Payloads are stored as JSON; callers
// must not put credentials or canary tokens in them.
func (s *Store) WriteAudit(ctx context.Context, traceID, sessionID, action, result string, payload AuditPayload, errorMsg string) error {
	var payloadJSON sql.NullString
	if payload != nil {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(jsonBytes), Valid: true}
	}

	var sessionNull sql.NullString
	if sessionID != "" {
		sessionNull = sql.NullString{String: sessionID, Valid: true}
	}
	var errorNull sql.NullString
	if errorMsg != "" {
		errorNull = sql.NullString{String: errorMsg, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, session_id, action, payload_json, result, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, time.Now().UTC(), traceID, sessionNull, action, payloadJSON, result, errorNull)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// QueryAudit retrieves audit entries, optionally filtered by session and
// time range, newest first.
func (s *Store) QueryAudit(ctx context.Context, sessionID string, since, until time.Time, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, ts, trace_id, session_id, action, payload_json, result, error_message
		FROM audit_log
		WHERE 1=1`
	var args []interface{}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	if !since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, since)
	}
	if !until.IsZero() {
		query += " AND ts <= ?"
		args = append(args, until)
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.TraceID, &entry.SessionID,
			&entry.Action, &entry.PayloadJSON, &entry.Result, &entry.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
