package scheduler

import (
	"context"
	"time"

	"github.com/bdobrica/ax/internal/observability"
	"github.com/bdobrica/ax/internal/security/taint"
)

// Hint is a proactive suggestion published by a memory provider (or any
// other host component): "the agent should probably bring this up".
type Hint struct {
	Source          string  `json:"source"`
	Kind            string  `json:"kind"`
	Reason          string  `json:"reason"`
	SuggestedPrompt string  `json:"suggestedPrompt"`
	Confidence      float64 `json:"confidence"`
	Scope           string  `json:"scope"` // session key the hint belongs to
}

// key identifies "the same hint" for cooldown purposes.
func (h Hint) key() string {
	return h.Source + "|" + h.Kind + "|" + h.Scope
}

// PublishHint dispatches a hint as an inbound message when every gate passes:
// confidence, active hours, cooldown, and remaining token budget. A hint
// blocked only by budget is parked for ListPendingHints; every suppression is
// logged with its reason.
func (s *Scheduler) PublishHint(ctx context.Context, h Hint) {
	now := s.now()

	if h.Confidence < s.cfg.Scheduler.HintConfidenceThreshold {
		s.suppressHint(ctx, h, "confidence below threshold")
		return
	}
	if !s.inActiveHours(now) {
		s.suppressHint(ctx, h, "outside active hours")
		return
	}

	cooldown := time.Duration(s.cfg.Scheduler.HintCooldownSec) * time.Second

	s.mu.Lock()
	if last, ok := s.lastHints[h.key()]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		s.mu.Unlock()
		s.suppressHint(ctx, h, "identical hint within cooldown")
		return
	}
	if s.hintBudget <= 0 {
		s.pending = append(s.pending, h)
		s.mu.Unlock()
		s.suppressHint(ctx, h, "token budget exhausted")
		return
	}
	s.lastHints[h.key()] = now
	s.mu.Unlock()

	s.RecordTokenUsage(taint.EstimateTokens(h.SuggestedPrompt))
	s.dispatch(h.Scope, h.SuggestedPrompt)
}

// RecordTokenUsage decrements the proactive-hint token budget.
func (s *Scheduler) RecordTokenUsage(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hintBudget -= n
}

// replenishHintBudget resets the hint token budget on the first tick of each
// local day and re-publishes hints parked while the budget was exhausted.
// Re-published hints pass through every gate again, so a hint that went stale
// overnight can still be suppressed by cooldown or active hours.
func (s *Scheduler) replenishHintBudget(ctx context.Context, now time.Time) {
	day := now.In(s.location).Format("2006-01-02")

	s.mu.Lock()
	if s.budgetDay == day {
		s.mu.Unlock()
		return
	}
	if s.budgetDay == "" {
		// First tick of this process; the budget is untouched.
		s.budgetDay = day
		s.mu.Unlock()
		return
	}
	s.budgetDay = day
	s.hintBudget = s.cfg.Scheduler.HintTokenBudget
	parked := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, h := range parked {
		s.PublishHint(ctx, h)
	}
}

// ListPendingHints returns hints parked for lack of budget.
func (s *Scheduler) ListPendingHints() []Hint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Hint, len(s.pending))
	copy(out, s.pending)
	return out
}

func (s *Scheduler) suppressHint(ctx context.Context, h Hint, reason string) {
	observability.WithTrace(ctx).Info("hint_suppressed",
		"source", h.Source, "kind", h.Kind, "scope", h.Scope,
		"confidence", h.Confidence, "reason", reason)
}
