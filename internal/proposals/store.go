package proposals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists and retrieves Proposal records.
type Store struct {
	db *sql.DB
}

// NewStore creates a proposals Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a new pending proposal and returns it. Proposal IDs are
// canonical UUIDs; the IPC schema for proposal_review relies on that.
func (s *Store) Create(ctx context.Context, file, content, reason string, origin Origin, createdBy string) (*Proposal, error) {
	if !AllowedFiles[file] {
		return nil, fmt.Errorf("proposals may only target SOUL.md or IDENTITY.md, got %q", file)
	}
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, file, content, reason, origin, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
	`, id, file, content, reason, string(origin), createdBy, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}

	return &Proposal{
		ID:        id,
		File:      file,
		Content:   content,
		Reason:    reason,
		Origin:    origin,
		Status:    StatusPending,
		CreatedBy: createdBy,
		CreatedAt: now,
	}, nil
}

// Get retrieves a proposal by ID.
func (s *Store) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file, content, reason, origin, status, created_by, created_at,
		       resolved_at, resolved_by, resolve_reason
		FROM proposals WHERE id = ?
	`, id)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("proposal not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	return p, nil
}

// List returns proposals filtered by status, newest first. Pass an empty
// string to return all.
func (s *Store) List(ctx context.Context, status Status) ([]*Proposal, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, file, content, reason, origin, status, created_by, created_at,
			       resolved_at, resolved_by, resolve_reason
			FROM proposals ORDER BY created_at DESC LIMIT 100
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, file, content, reason, origin, status, created_by, created_at,
			       resolved_at, resolved_by, resolve_reason
			FROM proposals WHERE status = ? ORDER BY created_at DESC LIMIT 100
		`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var result []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proposals: %w", err)
	}
	return result, nil
}

// Resolve transitions a pending proposal to approved or rejected and returns
// the resolved record. Resolving a non-pending proposal is an error: approved
// and rejected are terminal.
func (s *Store) Resolve(ctx context.Context, id string, newStatus Status, resolvedBy, reason string) (*Proposal, error) {
	if newStatus != StatusApproved && newStatus != StatusRejected {
		return nil, fmt.Errorf("invalid resolution status %q", newStatus)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status = ?, resolved_at = ?, resolved_by = ?, resolve_reason = ?
		WHERE id = ? AND status = 'pending'
	`, string(newStatus), now, resolvedBy, reason, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve proposal: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		existing, lookupErr := s.Get(ctx, id)
		if lookupErr != nil {
			return nil, fmt.Errorf("proposal not found: %s", id)
		}
		return nil, fmt.Errorf("proposal %s is already %s and cannot be changed", id, existing.Status)
	}

	return s.Get(ctx, id)
}

func scanProposal(scan func(dest ...interface{}) error) (*Proposal, error) {
	p := &Proposal{}
	var resolvedAt sql.NullTime
	var resolvedBy, resolveReason sql.NullString
	if err := scan(
		&p.ID, &p.File, &p.Content, &p.Reason, &p.Origin, &p.Status,
		&p.CreatedBy, &p.CreatedAt, &resolvedAt, &resolvedBy, &resolveReason,
	); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		p.ResolvedBy = resolvedBy.String
	}
	if resolveReason.Valid {
		p.ResolveReason = resolveReason.String
	}
	return p, nil
}
