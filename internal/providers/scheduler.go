package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/ax/internal/ipc"
	"github.com/bdobrica/ax/internal/store"
)

// SchedulerProvider delegates the scheduler_* actions to the host scheduler.
// Adding a cron job is a sensitive action: a tainted session must not be
// able to plant future instructions for itself.
type SchedulerProvider struct {
	d Deps
}

// AddCron handles scheduler_add_cron.
func (p *SchedulerProvider) AddCron(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	if dec := p.d.Budget.CheckAction(rc.SessionID, "scheduler_add_cron"); !dec.Allowed {
		p.d.audit(ctx, rc.SessionID, "scheduler_add_cron", "blocked", store.AuditPayload{
			"reason": dec.Reason,
		})
		return nil, fmt.Errorf("action blocked by taint budget: %s", dec.Reason)
	}

	job, err := p.d.Scheduler.AddCron(ctx, rc.SessionID,
		strParam(env, "schedule"), strParam(env, "message"), boolParam(env, "runOnce"))
	if err != nil {
		return nil, err
	}
	p.d.audit(ctx, rc.SessionID, "scheduler_add_cron", "success", store.AuditPayload{
		"jobId": job.ID, "schedule": job.Schedule, "runOnce": job.RunOnce,
	})
	return map[string]interface{}{"jobId": job.ID}, nil
}

// RunAt handles scheduler_run_at: a one-shot at an absolute time.
func (p *SchedulerProvider) RunAt(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	runAt, err := timeParam(env, "runAt")
	if err != nil {
		return nil, err
	}
	if !runAt.After(time.Now()) {
		return nil, fmt.Errorf("runAt must be in the future")
	}

	job, err := p.d.Scheduler.RunAt(ctx, rc.SessionID, runAt, strParam(env, "message"))
	if err != nil {
		return nil, err
	}
	p.d.audit(ctx, rc.SessionID, "scheduler_run_at", "success", store.AuditPayload{
		"jobId": job.ID, "runAt": runAt.UTC().Format(time.RFC3339),
	})
	return map[string]interface{}{"jobId": job.ID}, nil
}

// RemoveCron handles scheduler_remove_cron.
func (p *SchedulerProvider) RemoveCron(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	jobID := strParam(env, "jobId")
	if err := p.d.Scheduler.RemoveJob(ctx, jobID); err != nil {
		return nil, err
	}
	p.d.audit(ctx, rc.SessionID, "scheduler_remove_cron", "success", store.AuditPayload{
		"jobId": jobID,
	})
	return map[string]interface{}{"removed": true}, nil
}

// ListJobs handles scheduler_list_jobs, scoped to the calling session.
func (p *SchedulerProvider) ListJobs(ctx context.Context, rc ipc.RequestContext, env map[string]interface{}) (interface{}, error) {
	jobs, err := p.d.Scheduler.ListJobs(ctx, rc.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"jobs": jobs}, nil
}
