package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/ax/internal/session"
)

// defaultHeartbeat is used when the agent directory carries no HEARTBEAT.md.
const defaultHeartbeat = "Check in: review pending work, scheduled jobs, and anything the user is waiting on. Reply only if something needs attention."

// heartbeatTick fires the heartbeat when the interval has elapsed and the
// wall clock is inside active hours. Outside active hours nothing fires and
// the interval clock keeps running, so the first in-hours tick catches up.
func (s *Scheduler) heartbeatTick(ctx context.Context, now time.Time) {
	interval := time.Duration(s.cfg.Scheduler.HeartbeatIntervalMin) * time.Minute
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	due := s.lastHeartbeat.IsZero() || now.Sub(s.lastHeartbeat) >= interval
	if due {
		s.lastHeartbeat = now
	}
	s.mu.Unlock()

	if !due || !s.inActiveHours(now) {
		return
	}

	s.dispatch(session.System("heartbeat").Key(), s.heartbeatContent(ctx, now))
}

// heartbeatContent is HEARTBEAT.md from the agent directory plus a computed
// status block, or the default fallback.
func (s *Scheduler) heartbeatContent(ctx context.Context, now time.Time) string {
	content := defaultHeartbeat
	if data, err := os.ReadFile(filepath.Join(s.cfg.AgentDir(), "HEARTBEAT.md")); err == nil && len(data) > 0 {
		content = strings.TrimSpace(string(data))
	}

	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n## Current Status\n")

	overdue := 0
	if jobs, err := s.store.ListJobs(ctx); err == nil {
		for _, j := range jobs {
			if !j.RunAt.IsZero() && j.RunAt.Before(now) {
				overdue++
			}
		}
	}
	if overdue > 0 {
		b.WriteString("- Overdue scheduled jobs: ")
		b.WriteString(strconv.Itoa(overdue))
		b.WriteString("\n")
	}

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	if pending > 0 {
		b.WriteString("- Pending hints awaiting budget: ")
		b.WriteString(strconv.Itoa(pending))
		b.WriteString("\n")
	}
	if overdue == 0 && pending == 0 {
		b.WriteString("- Nothing overdue.\n")
	}
	return b.String()
}

