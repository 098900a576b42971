package poolapi

import (
	"sync"
	"time"
)

// poolFailureState tracks consecutive adapter failures for one pool,
// the same mutex-guarded counter-with-reset-window shape used
// elsewhere in this codebase for per-key scoring.
type poolFailureState struct {
	mu              sync.Mutex
	consecutiveFail int
	lastFailure     time.Time
	lastReset       time.Time
}

// HealthScore aggregates per-pool failure streaks so the caller can
// decide when a pool's adapter is degraded enough to warrant an
// alert, without coupling that decision to any single tick.
type HealthScore struct {
	resetWindow time.Duration
	threshold   int

	mu    sync.Mutex
	pools map[string]*poolFailureState
}

// NewHealthScore builds a HealthScore that considers a pool degraded
// after threshold consecutive failures, and resets a pool's streak if
// more than resetWindow elapses between failures.
func NewHealthScore(threshold int, resetWindow time.Duration) *HealthScore {
	return &HealthScore{
		threshold:   threshold,
		resetWindow: resetWindow,
		pools:       make(map[string]*poolFailureState),
	}
}

func (h *HealthScore) stateFor(pool string) *poolFailureState {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.pools[pool]
	if !ok {
		s = &poolFailureState{lastReset: time.Now()}
		h.pools[pool] = s
	}
	return s
}

// RecordSuccess clears a pool's failure streak.
func (h *HealthScore) RecordSuccess(pool string) {
	s := h.stateFor(pool)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFail = 0
}

// RecordFailure increments a pool's failure streak, resetting it
// first if the reset window has elapsed since the last failure.
// Returns true when the streak has just crossed the degraded
// threshold (edge-triggered, for one-shot alerting).
func (h *HealthScore) RecordFailure(pool string) bool {
	s := h.stateFor(pool)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.lastFailure.IsZero() && now.Sub(s.lastFailure) > h.resetWindow {
		s.consecutiveFail = 0
	}
	s.consecutiveFail++
	s.lastFailure = now
	return s.consecutiveFail == h.threshold
}

// Degraded reports whether pool currently has at least threshold
// consecutive recorded failures.
func (h *HealthScore) Degraded(pool string) bool {
	s := h.stateFor(pool)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFail >= h.threshold
}
