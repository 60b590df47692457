// Package scheduler drives time-based agent activity: cron jobs, one-shot
// timers, the heartbeat, and proactive hints. One wall-clock tick per minute
// feeds everything; jobs are durable in the store so a restart picks them
// back up.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/bdobrica/ax/internal/config"
	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/store"
)

// minuteLayout keys the at-most-once-per-matching-minute guard.
const minuteLayout = "2006-01-02T15:04"

// Handler receives one scheduler-originated inbound message. It runs on its
// own goroutine; the scheduler never blocks a tick on a completion.
type Handler func(ctx context.Context, sessionID, content string)

// Scheduler owns the tick loop and every timer. Stop cancels all of them; no
// handler call is observable after Stop returns.
type Scheduler struct {
	cfg   *config.Config
	store *store.Store
	gron  gronx.Gronx

	// injectable for tests
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	handler  Handler
	timers   map[string]*time.Timer
	stopped  bool
	stopCh   chan struct{}
	location *time.Location

	lastHeartbeat time.Time

	hintBudget int
	budgetDay  string
	lastHints  map[string]time.Time
	pending    []Hint

	wg sync.WaitGroup
}

// New builds a Scheduler over the durable job store.
func New(cfg *config.Config, st *store.Store) *Scheduler {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		observability.WithTrace(context.Background()).Warn("scheduler: bad timezone, using UTC",
			"timezone", cfg.Scheduler.Timezone, "err", err)
		loc = time.UTC
	}
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		gron:       *gronx.New(),
		now:        time.Now,
		interval:   time.Minute,
		timers:     make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
		location:   loc,
		hintBudget: cfg.Scheduler.HintTokenBudget,
		lastHints:  make(map[string]time.Time),
	}
}

// Start arms timers for persisted one-shot jobs and begins the tick loop.
func (s *Scheduler) Start(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	s.handler = handler
	s.stopped = false
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Schedule == "" && !job.RunAt.IsZero() {
			s.armOneShot(job)
		}
	}

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels the tick loop and every pending timer, then waits for
// in-flight dispatches to hand off.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background(), s.now())
		}
	}
}

// Tick runs one scheduler pass for the given wall-clock instant: cron
// matching plus the heartbeat check. Exported so tests can drive the clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		observability.WithTrace(ctx).Warn("scheduler: list jobs failed", "err", err)
		return
	}

	minute := now.In(s.location).Format(minuteLayout)
	for _, job := range jobs {
		if job.Schedule == "" {
			continue
		}
		if job.LastFiredMinute == minute {
			continue
		}
		due, err := s.gron.IsDue(job.Schedule, now.In(s.location))
		if err != nil {
			observability.WithTrace(ctx).Warn("scheduler: bad cron expression",
				"job", job.ID, "schedule", job.Schedule, "err", err)
			continue
		}
		if !due {
			continue
		}

		if err := s.store.MarkJobFired(ctx, job.ID, minute); err != nil {
			observability.WithTrace(ctx).Warn("scheduler: mark fired failed", "job", job.ID, "err", err)
			continue
		}
		s.dispatch(job.SessionID, job.Message)
		if job.RunOnce {
			// The dispatched copy is already in flight; removing the row
			// cannot lose it.
			if err := s.store.DeleteJob(ctx, job.ID); err != nil {
				observability.WithTrace(ctx).Warn("scheduler: remove runOnce job failed", "job", job.ID, "err", err)
			}
		}
	}

	s.replenishHintBudget(ctx, now)
	s.heartbeatTick(ctx, now)
}

// dispatch hands a message to the handler unless the scheduler has stopped.
func (s *Scheduler) dispatch(sessionID, content string) {
	s.mu.Lock()
	if s.stopped || s.handler == nil {
		s.mu.Unlock()
		return
	}
	handler := s.handler
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		handler(context.Background(), sessionID, content)
	}()
}

// armOneShot sets the timer for a run-at job. Jobs whose time has already
// passed fire immediately.
func (s *Scheduler) armOneShot(job *store.Job) {
	delay := job.RunAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	id := job.ID
	sessionID, message := job.SessionID, job.Message

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if !live || stopped {
			return
		}
		s.dispatch(sessionID, message)
		if err := s.store.DeleteJob(context.Background(), id); err != nil {
			observability.WithTrace(context.Background()).Warn("scheduler: remove one-shot job failed",
				"job", id, "err", err)
		}
	})
}

// AddCron registers a recurring (or runOnce) cron job.
func (s *Scheduler) AddCron(ctx context.Context, sessionID, schedule, message string, runOnce bool) (*store.Job, error) {
	if !s.gron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid cron expression: %s", schedule)
	}
	job := &store.Job{
		SessionID: sessionID,
		Schedule:  schedule,
		Message:   message,
		RunOnce:   runOnce,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RunAt registers a one-shot job at an absolute time and arms its timer.
func (s *Scheduler) RunAt(ctx context.Context, sessionID string, runAt time.Time, message string) (*store.Job, error) {
	job := &store.Job{
		SessionID: sessionID,
		Message:   message,
		RunOnce:   true,
		RunAt:     runAt.UTC(),
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, err
	}
	s.armOneShot(job)
	return job, nil
}

// RemoveJob cancels a job's timer, if armed, and deletes the row.
func (s *Scheduler) RemoveJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	s.mu.Unlock()
	return s.store.DeleteJob(ctx, jobID)
}

// ListJobs returns the jobs for one session, or all jobs when sessionID is
// empty.
func (s *Scheduler) ListJobs(ctx context.Context, sessionID string) ([]*store.Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return jobs, nil
	}
	filtered := jobs[:0:0]
	for _, j := range jobs {
		if j.SessionID == sessionID {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

// inActiveHours reports whether t falls inside the configured active-hours
// window in the scheduler's time zone. A window wrapping midnight works.
func (s *Scheduler) inActiveHours(t time.Time) bool {
	start, okStart := parseClock(s.cfg.Scheduler.ActiveHoursStart)
	end, okEnd := parseClock(s.cfg.Scheduler.ActiveHoursEnd)
	if !okStart || !okEnd || start == end {
		return true
	}
	local := t.In(s.location)
	minute := local.Hour()*60 + local.Minute()
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(raw string) (int, bool) {
	parsed, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}
