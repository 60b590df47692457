// Package proposals implements the review workflow for gated identity
// mutations.
//
// When an agent (or a high-taint session) asks to rewrite SOUL.md or
// IDENTITY.md and the active profile does not permit auto-apply, the request
// is held as a pending Proposal. The user then reviews it via proposal_review,
// which either materialises the content into the agent identity directory or
// rejects it.
package proposals

import "time"

// Status represents the lifecycle state of a proposal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Origin records who initiated the mutation.
type Origin string

const (
	OriginUserRequest    Origin = "user_request"
	OriginAgentInitiated Origin = "agent_initiated"
)

// AllowedFiles is the closed set of identity files a proposal may target.
var AllowedFiles = map[string]bool{
	"SOUL.md":     true,
	"IDENTITY.md": true,
}

// Proposal is a pending (or resolved) identity mutation awaiting review.
type Proposal struct {
	// ID is a short random hex identifier the user quotes when reviewing.
	ID string `json:"id"`

	// File is the identity file the proposal targets (SOUL.md, IDENTITY.md).
	File string `json:"file"`

	// Content is the full replacement content.
	Content string `json:"content"`

	// Reason is the agent-supplied justification shown to the reviewer.
	Reason string `json:"reason"`

	// Origin records whether the user asked for this or the agent initiated it.
	Origin Origin `json:"origin"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// CreatedBy is the session (or user) that created the proposal.
	CreatedBy string `json:"createdBy"`

	CreatedAt time.Time `json:"createdAt"`

	// ResolvedAt/ResolvedBy/ResolveReason are set on review.
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy    string     `json:"resolvedBy,omitempty"`
	ResolveReason string     `json:"resolveReason,omitempty"`
}
