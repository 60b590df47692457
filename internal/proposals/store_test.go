package proposals_test

import (
	"context"
	"os"
	"testing"

	"github.com/bdobrica/ax/internal/proposals"
	"github.com/bdobrica/ax/internal/store"
)

func newTestProposals(t *testing.T) *proposals.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ax-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	st, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return proposals.NewStore(st.DB())
}

func TestCreateAndGet(t *testing.T) {
	ps := newTestProposals(t)
	ctx := context.Background()

	p, err := ps.Create(ctx, "SOUL.md", "# New Soul", "user asked for a rewrite",
		proposals.OriginUserRequest, "api:dm:alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("Create returned empty ID")
	}
	if p.Status != proposals.StatusPending {
		t.Errorf("Status: got %q, want pending", p.Status)
	}

	got, err := ps.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.File != "SOUL.md" || got.Content != "# New Soul" {
		t.Errorf("proposal: %+v", got)
	}
	if got.Origin != proposals.OriginUserRequest {
		t.Errorf("Origin: got %q", got.Origin)
	}
}

func TestCreateRejectsDisallowedFiles(t *testing.T) {
	ps := newTestProposals(t)
	ctx := context.Background()

	for _, file := range []string{"USER.md", "BOOTSTRAP.md", "../SOUL.md", "anything.txt"} {
		if _, err := ps.Create(ctx, file, "x", "r", proposals.OriginAgentInitiated, "s"); err == nil {
			t.Errorf("Create accepted file %q", file)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	ps := newTestProposals(t)
	if _, err := ps.Get(context.Background(), "ffffffffffff"); err == nil {
		t.Fatal("expected error for missing proposal, got nil")
	}
}

func TestResolveApprove(t *testing.T) {
	ps := newTestProposals(t)
	ctx := context.Background()

	p, _ := ps.Create(ctx, "IDENTITY.md", "# Purpose", "refine purpose",
		proposals.OriginAgentInitiated, "s1")

	resolved, err := ps.Resolve(ctx, p.ID, proposals.StatusApproved, "alice", "looks right")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != proposals.StatusApproved {
		t.Errorf("Status: got %q, want approved", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}
	if resolved.ResolvedBy != "alice" {
		t.Errorf("ResolvedBy: got %q", resolved.ResolvedBy)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	ps := newTestProposals(t)
	ctx := context.Background()

	p, _ := ps.Create(ctx, "SOUL.md", "x", "r", proposals.OriginUserRequest, "s1")
	if _, err := ps.Resolve(ctx, p.ID, proposals.StatusRejected, "alice", "no"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, err := ps.Resolve(ctx, p.ID, proposals.StatusApproved, "alice", "changed my mind"); err == nil {
		t.Error("resolved a proposal twice")
	}
}

func TestResolveValidatesStatus(t *testing.T) {
	ps := newTestProposals(t)
	ctx := context.Background()

	p, _ := ps.Create(ctx, "SOUL.md", "x", "r", proposals.OriginUserRequest, "s1")
	if _, err := ps.Resolve(ctx, p.ID, proposals.StatusPending, "alice", ""); err == nil {
		t.Error("Resolve accepted pending as a resolution status")
	}
}

func TestListByStatus(t *testing.T) {
	ps := newTestProposals(t)
	ctx := context.Background()

	a, _ := ps.Create(ctx, "SOUL.md", "a", "r", proposals.OriginUserRequest, "s1")
	ps.Create(ctx, "IDENTITY.md", "b", "r", proposals.OriginAgentInitiated, "s1")
	ps.Resolve(ctx, a.ID, proposals.StatusApproved, "alice", "")

	pending, err := ps.List(ctx, proposals.StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "b" {
		t.Errorf("pending: %+v", pending)
	}

	all, err := ps.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all: got %d, want 2", len(all))
	}
}
