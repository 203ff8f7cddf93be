package registry

import (
	"sync"
	"time"
)

// Limiter enforces per-tool, per-user call budgets. The dispatch pipeline
// only depends on this interface, so a networked counter can be substituted
// if multi-instance fairness is ever needed.
type Limiter interface {
	// Allow records one call attempt against the (toolName, userID) window
	// and reports whether it is admitted. ResetAt is the end of the current
	// window and is populated on both outcomes.
	Allow(toolName, userID string, limit RateLimit) Decision

	// Reset drops all state for a tool. Used when a tool is unregistered.
	Reset(toolName string)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	ResetAt time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// FixedWindowLimiter counts calls in discrete, non-overlapping windows per
// (tool, user) key. State is in-memory and process-local: limits are
// best-effort, lost on restart, and bursts are possible at window
// boundaries. That tradeoff is accepted for simplicity.
type FixedWindowLimiter struct {
	mu    sync.Mutex
	state map[string]map[string]*window // tool → user → window
	now   func() time.Time
}

// NewFixedWindowLimiter creates an empty limiter.
func NewFixedWindowLimiter() *FixedWindowLimiter {
	return &FixedWindowLimiter{
		state: make(map[string]map[string]*window),
		now:   time.Now,
	}
}

// Allow implements Limiter. The check-and-increment runs under the mutex;
// the critical section never spans I/O.
func (l *FixedWindowLimiter) Allow(toolName, userID string, limit RateLimit) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	users, ok := l.state[toolName]
	if !ok {
		users = make(map[string]*window)
		l.state[toolName] = users
	}

	w, ok := users[userID]
	if !ok || !now.Before(w.resetAt) {
		// No window yet, or the old one expired: replace, never merge.
		w = &window{count: 1, resetAt: now.Add(limit.Window)}
		users[userID] = w
		return Decision{Allowed: true, ResetAt: w.resetAt}
	}

	if w.count >= limit.MaxCalls {
		// Rejected calls do not consume budget.
		return Decision{Allowed: false, ResetAt: w.resetAt}
	}

	w.count++
	return Decision{Allowed: true, ResetAt: w.resetAt}
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(toolName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, toolName)
}
