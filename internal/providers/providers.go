// Package providers implements the host side of every IPC action: identity
// and user file writes, workspace tiers, memory, skills, web access, the
// audit query surface, scheduler delegation, and the upstream LLM call. Each
// provider enforces its own policy (scanning, taint gating, path resolution)
// before touching host state.
package providers

import (
	"context"
	"time"

	"github.com/bdobrica/ax/common/trace"
	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/proposals"
	"github.com/bdobrica/ax/internal/security/scanner"
	"github.com/bdobrica/ax/internal/security/taint"
	"github.com/bdobrica/ax/internal/store"
	"github.com/bdobrica/ax/internal/upstream"
)

// SchedulerService is the slice of the scheduler the IPC actions need.
type SchedulerService interface {
	AddCron(ctx context.Context, sessionID, schedule, message string, runOnce bool) (*store.Job, error)
	RunAt(ctx context.Context, sessionID string, runAt time.Time, message string) (*store.Job, error)
	RemoveJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, sessionID string) ([]*store.Job, error)
}

// Deps carries everything the providers need. A fresh set of handlers is
// built per completion so the scratch directory can be bound in.
type Deps struct {
	Config     *config.Config
	Store      *store.Store
	Proposals  *proposals.Store
	Scanner    *scanner.Scanner
	Budget     *taint.Budget
	Scheduler  SchedulerService
	Upstream   *upstream.Client
	ScratchDir string
}

// BuildHandlers wires every action to its provider.
func BuildHandlers(d Deps) map[string]ipc.Handler {
	identity := &IdentityProvider{d: d}
	workspace := &WorkspaceProvider{d: d}
	memory := &MemoryProvider{d: d}
	skills := &SkillProvider{d: d}
	web := &WebProvider{d: d}
	sched := &SchedulerProvider{d: d}

	return map[string]ipc.Handler{
		"llm_call": d.llmCall,

		"memory_write":  memory.Write,
		"memory_query":  memory.Query,
		"memory_read":   memory.Read,
		"memory_delete": memory.Delete,
		"memory_list":   memory.List,

		"web_fetch":  web.Fetch,
		"web_search": web.Search,

		"audit_query": d.auditQuery,

		"skill_list":    skills.List,
		"skill_read":    skills.Read,
		"skill_propose": skills.Propose,

		"identity_write":   identity.Write,
		"user_write":       identity.UserWrite,
		"identity_propose": identity.Propose,
		"proposal_list":    identity.ProposalList,
		"proposal_review":  identity.ProposalReview,

		"workspace_write": workspace.Write,
		"workspace_read":  workspace.Read,
		"workspace_list":  workspace.List,

		"scheduler_add_cron":    sched.AddCron,
		"scheduler_run_at":      sched.RunAt,
		"scheduler_remove_cron": sched.RemoveCron,
		"scheduler_list_jobs":   sched.ListJobs,

		"agent_registry_list": d.agentRegistryList,
		"agent_registry_get":  d.agentRegistryGet,
	}
}

// audit records a provider decision. Payloads hold metadata only; content and
// credentials never enter the audit log.
func (d Deps) audit(ctx context.Context, sessionID, action, result string, payload store.AuditPayload) {
	if err := d.Store.WriteAudit(ctx, trace.FromContext(ctx), sessionID, action, result, payload, ""); err != nil {
		observability.WithTrace(ctx).Warn("providers: audit write failed",
			"action", action, "session", sessionID, "err", err)
	}
}
