package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/proposals"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/store"
)

// IdentityProvider handles identity and user file mutations plus the
// proposal review surface. Whether a write applies immediately or queues a
// proposal depends on the profile and the session's taint ratio.
type IdentityProvider struct {
	d Deps
}

const (
	decisionApplied  = "applied"
	decisionQueued   = "queued"
	decisionRejected = "rejected"
)

// Write handles identity_write. USER.md is user-scoped and applies directly
// once scanned; SOUL.md and IDENTITY.md go through the profile decision.
func (p *IdentityProvider) Write(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	file := strParam(env, "file")
	content := strParam(env, "content")
	origin := strParam(env, "origin")
	if origin == "" {
		origin = string(proposals.OriginUserRequest)
	}

	if res := p.d.Scanner.ScanInput(content); res.Verdict == scanner.VerdictBlock {
		p.auditDecision(ctx, rc.SessionID, "identity_write", file, origin, decisionRejected, res.Reason)
		return nil, fmt.Errorf("content failed security scan: %s", res.Reason)
	}

	if file == "USER.md" {
		if err := p.writeUserFile(rc, content); err != nil {
			return nil, err
		}
		p.auditDecision(ctx, rc.SessionID, "identity_write", file, origin, decisionApplied, "user scoped")
		return map[string]interface{}{"applied": true, "file": file}, nil
	}

	apply, reason := p.decide(rc.SessionID)
	if !apply {
		prop, err := p.d.Proposals.Create(ctx, file, content, reason, proposals.Origin(origin), rc.SessionID)
		if err != nil {
			return nil, fmt.Errorf("queue proposal: %w", err)
		}
		p.auditDecision(ctx, rc.SessionID, "identity_write", file, origin, decisionQueued, reason)
		return map[string]interface{}{"applied": false, "proposalId": prop.ID, "reason": reason}, nil
	}

	if err := p.applyIdentityFile(file, content); err != nil {
		return nil, err
	}
	p.auditDecision(ctx, rc.SessionID, "identity_write", file, origin, decisionApplied, reason)
	return map[string]interface{}{"applied": true, "file": file}, nil
}

// UserWrite handles user_write: a full rewrite of the calling user's USER.md.
func (p *IdentityProvider) UserWrite(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	content := strParam(env, "content")
	if res := p.d.Scanner.ScanInput(content); res.Verdict == scanner.VerdictBlock {
		p.auditDecision(ctx, rc.SessionID, "user_write", "USER.md", "user_request", decisionRejected, res.Reason)
		return nil, fmt.Errorf("content failed security scan: %s", res.Reason)
	}
	if err := p.writeUserFile(rc, content); err != nil {
		return nil, err
	}
	p.auditDecision(ctx, rc.SessionID, "user_write", "USER.md", "user_request", decisionApplied, "")
	return map[string]interface{}{"applied": true, "file": "USER.md"}, nil
}

// Propose handles identity_propose. It is a sensitive action: the taint gate
// runs before anything else. It never auto-applies outside yolo.
func (p *IdentityProvider) Propose(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	if dec := p.d.Budget.CheckAction(rc.SessionID, "identity_propose"); !dec.Allowed {
		p.auditDecision(ctx, rc.SessionID, "identity_propose", strParam(env, "file"), strParam(env, "origin"), decisionRejected, dec.Reason)
		return nil, fmt.Errorf("action blocked by taint budget: %s", dec.Reason)
	}

	file := strParam(env, "file")
	content := strParam(env, "content")
	reason := strParam(env, "reason")
	origin := strParam(env, "origin")
	if origin == "" {
		origin = string(proposals.OriginAgentInitiated)
	}

	if res := p.d.Scanner.ScanInput(content); res.Verdict == scanner.VerdictBlock {
		p.auditDecision(ctx, rc.SessionID, "identity_propose", file, origin, decisionRejected, res.Reason)
		return nil, fmt.Errorf("content failed security scan: %s", res.Reason)
	}

	if p.d.Config.Profile == config.ProfileYolo {
		if err := p.applyIdentityFile(file, content); err != nil {
			return nil, err
		}
		p.auditDecision(ctx, rc.SessionID, "identity_propose", file, origin, decisionApplied, reason)
		return map[string]interface{}{"applied": true, "file": file}, nil
	}

	prop, err := p.d.Proposals.Create(ctx, file, content, reason, proposals.Origin(origin), rc.SessionID)
	if err != nil {
		return nil, fmt.Errorf("queue proposal: %w", err)
	}
	p.auditDecision(ctx, rc.SessionID, "identity_propose", file, origin, decisionQueued, reason)
	return map[string]interface{}{"applied": false, "proposalId": prop.ID}, nil
}

// ProposalList handles proposal_list.
func (p *IdentityProvider) ProposalList(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	status := proposals.Status(strParam(env, "status"))
	list, err := p.d.Proposals.List(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	return map[string]interface{}{"proposals": list}, nil
}

// ProposalReview handles proposal_review: transitions the proposal and, on
// approval, materialises the content into the agent identity directory.
func (p *IdentityProvider) ProposalReview(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	id := strParam(env, "proposalId")
	decision := proposals.Status(strParam(env, "decision"))
	reason := strParam(env, "reason")

	prop, err := p.d.Proposals.Resolve(ctx, id, decision, rc.UserID, reason)
	if err != nil {
		return nil, err
	}

	if decision == proposals.StatusApproved {
		if err := p.applyIdentityFile(prop.File, prop.Content); err != nil {
			return nil, fmt.Errorf("apply approved proposal: %w", err)
		}
	}

	p.d.audit(ctx, rc.SessionID, "proposal_review", string(decision), store.AuditPayload{
		"proposalId": id, "file": prop.File, "reason": reason,
	})
	return map[string]interface{}{"proposal": prop}, nil
}

// decide returns whether a scanned identity write may apply immediately under
// the active profile, with the reason recorded in the audit entry.
func (p *IdentityProvider) decide(sessionID string) (apply bool, reason string) {
	switch p.d.Config.Profile {
	case config.ProfileParanoid:
		return false, "paranoid profile queues all identity writes"
	case config.ProfileYolo:
		return true, "yolo profile auto-applies"
	default:
		ratio := p.d.Budget.Ratio(sessionID)
		threshold := p.d.Budget.Threshold()
		if ratio <= threshold {
			return true, fmt.Sprintf("taint ratio %.2f within threshold %.2f", ratio, threshold)
		}
		return false, fmt.Sprintf("taint ratio %.2f exceeds threshold %.2f", ratio, threshold)
	}
}

// applyIdentityFile writes an identity file into the agent directory.
// Applying SOUL.md ends bootstrap: any BOOTSTRAP.md is removed.
func (p *IdentityProvider) applyIdentityFile(file, content string) error {
	if !proposals.AllowedFiles[file] {
		return fmt.Errorf("file %q is not an identity file", file)
	}
	dir := p.d.Config.AgentDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	if file == "SOUL.md" {
		if err := os.Remove(filepath.Join(dir, "BOOTSTRAP.md")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove BOOTSTRAP.md: %w", err)
		}
	}
	return nil
}

// writeUserFile writes USER.md under the calling user's directory.
func (p *IdentityProvider) writeUserFile(rc ipc.RequestContext, content string) error {
	if rc.UserID == "" {
		return fmt.Errorf("no user in request context")
	}
	dir := filepath.Join(p.d.Config.AgentDir(), "users", rc.UserID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "USER.md"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write USER.md: %w", err)
	}
	return nil
}

func (p *IdentityProvider) auditDecision(ctx context.Context, sessionID, action, file, origin, decision, reason string) {
	p.d.audit(ctx, sessionID, action, decision, store.AuditPayload{
		"file": file, "origin": origin, "decision": decision, "reason": reason,
	})
}
