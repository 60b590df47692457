// Package taint implements the per-session taint budget: token accounting for
// content of external origin and the gate that blocks sensitive actions when
// the tainted fraction of a session's context exceeds the profile threshold.
package taint

import (
	"sync"
	"time"
)

// TrustLevel classifies the origin of a piece of content.
type TrustLevel string

const (
	TrustUser     TrustLevel = "user"
	TrustExternal TrustLevel = "external"
	TrustSystem   TrustLevel = "system"
)

// Tag records where a piece of content came from.
type Tag struct {
	Source    string     `json:"source"`
	Trust     TrustLevel `json:"trust"`
	Timestamp time.Time  `json:"timestamp"`
}

// Decision is the result of a sensitive-action check.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason,omitempty"`
	TaintRatio float64 `json:"taintRatio"`
	Threshold  float64 `json:"threshold"`
}

// sessionState holds the counters and overrides for one session.
type sessionState struct {
	totalTokens   int
	taintedTokens int
	overrides     map[string]bool
}

// Budget tracks per-session taint ratios and gates sensitive actions.
// Budget is safe for concurrent use.
type Budget struct {
	mu        sync.Mutex
	threshold float64
	sensitive map[string]bool
	sessions  map[string]*sessionState
}

// New returns a Budget with the given ratio threshold and sensitive-action
// set. The threshold comes from the active profile (paranoid 0.10,
// balanced 0.30, yolo 0.60).
func New(threshold float64, sensitiveActions map[string]bool) *Budget {
	return &Budget{
		threshold: threshold,
		sensitive: sensitiveActions,
		sessions:  make(map[string]*sessionState),
	}
}

// EstimateTokens is the deterministic token estimate used for accounting:
// one token per four bytes, rounded up.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// RecordContent adds text to the session's running totals. Tainted content
// counts against both totals, so taintedTokens never exceeds totalTokens.
func (b *Budget) RecordContent(session, text string, isTainted bool) {
	n := EstimateTokens(text)
	if n == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(session)
	st.totalTokens += n
	if isTainted {
		st.taintedTokens += n
	}
}

// Ratio returns the session's current tainted fraction.
func (b *Budget) Ratio(session string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ratioLocked(b.stateLocked(session))
}

// Threshold returns the configured ratio threshold.
func (b *Budget) Threshold() float64 {
	return b.threshold
}

// CheckAction gates an action for a session. Non-sensitive actions are always
// allowed. Sensitive actions are allowed while the taint ratio stays at or
// below the threshold, or when the user has recorded an override for that
// action in that session.
func (b *Budget) CheckAction(session, action string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.stateLocked(session)
	ratio := b.ratioLocked(st)

	if !b.sensitive[action] {
		return Decision{Allowed: true, TaintRatio: ratio, Threshold: b.threshold}
	}
	if st.overrides[action] {
		return Decision{
			Allowed:    true,
			Reason:     "user override",
			TaintRatio: ratio,
			Threshold:  b.threshold,
		}
	}
	if ratio <= b.threshold {
		return Decision{Allowed: true, TaintRatio: ratio, Threshold: b.threshold}
	}
	return Decision{
		Allowed:    false,
		Reason:     "taint ratio exceeds threshold for sensitive action " + action,
		TaintRatio: ratio,
		Threshold:  b.threshold,
	}
}

// AddUserOverride records an explicit user approval that lets the named
// sensitive action proceed for this session regardless of taint ratio.
func (b *Budget) AddUserOverride(session, action string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateLocked(session).overrides[action] = true
}

// EndSession drops the session's counters and overrides.
func (b *Budget) EndSession(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, session)
}

// stateLocked returns (creating on demand) the state for session.
// Must be called with b.mu held.
func (b *Budget) stateLocked(session string) *sessionState {
	st := b.sessions[session]
	if st == nil {
		st = &sessionState{overrides: make(map[string]bool)}
		b.sessions[session] = st
	}
	return st
}

// ratioLocked computes taintedTokens / max(totalTokens, 1).
// Must be called with b.mu held.
func (b *Budget) ratioLocked(st *sessionState) float64 {
	total := st.totalTokens
	if total < 1 {
		total = 1
	}
	return float64(st.taintedTokens) / float64(total)
}
