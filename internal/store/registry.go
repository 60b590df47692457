package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
	AgentArchived  AgentStatus = "archived"
)

// AgentEntry is one row of the agent registry.
type AgentEntry struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Status       AgentStatus `json:"status"`
	ParentID     string      `json:"parentId,omitempty"`
	AgentType    string      `json:"agentType"`
	Capabilities []string    `json:"capabilities"`
	CreatedBy    string      `json:"createdBy"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// UpsertAgent inserts or updates a registry entry.
func (s *Store) UpsertAgent(ctx context.Context, e *AgentEntry) error {
	caps, err := json.Marshal(e.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var parent sql.NullString
	if e.ParentID != "" {
		parent = sql.NullString{String: e.ParentID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_registry (id, name, status, parent_id, agent_type, capabilities_json, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			parent_id = excluded.parent_id,
			agent_type = excluded.agent_type,
			capabilities_json = excluded.capabilities_json,
			updated_at = excluded.updated_at
	`, e.ID, e.Name, string(e.Status), parent, e.AgentType, string(caps), e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves one registry entry by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, parent_id, agent_type, capabilities_json, created_by, created_at, updated_at
		FROM agent_registry WHERE id = ?
	`, id)
	e, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return e, nil
}

// ListAgents returns all registry entries, optionally filtered by status.
func (s *Store) ListAgents(ctx context.Context, status AgentStatus) ([]*AgentEntry, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, status, parent_id, agent_type, capabilities_json, created_by, created_at, updated_at
			FROM agent_registry ORDER BY created_at ASC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, status, parent_id, agent_type, capabilities_json, created_by, created_at, updated_at
			FROM agent_registry WHERE status = ? ORDER BY created_at ASC
		`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var entries []*AgentEntry
	for rows.Next() {
		e, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return entries, nil
}

func scanAgent(scan func(dest ...interface{}) error) (*AgentEntry, error) {
	e := &AgentEntry{}
	var parent sql.NullString
	var caps string
	if err := scan(&e.ID, &e.Name, &e.Status, &parent, &e.AgentType, &caps, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		e.ParentID = parent.String
	}
	if err := json.Unmarshal([]byte(caps), &e.Capabilities); err != nil {
		return nil, fmt.Errorf("invalid capabilities json: %w", err)
	}
	return e, nil
}
