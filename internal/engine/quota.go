package engine

import (
	"sync"
	"time"
)

// QuotaGuard is the admission-control component. It enforces a cap on the
// number of live (Queued+Running) tasks and a per-caller sliding-window rate
// limit. It has no side effects beyond accept/reject and never mutates task
// state.
type QuotaGuard struct {
	depthCap int
	window   time.Duration
	burst    int

	mu      sync.Mutex
	callers map[string][]time.Time

	now func() time.Time
}

// NewQuotaGuard builds a guard. depthCap <= 0 disables the depth check;
// burst <= 0 disables rate limiting.
func NewQuotaGuard(depthCap int, window time.Duration, burst int) *QuotaGuard {
	return &QuotaGuard{
		depthCap: depthCap,
		window:   window,
		burst:    burst,
		callers:  make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Admit decides whether a submission of n tasks from the named caller is
// allowed given the current live-task count. It records the call against the
// caller's window only when admitted.
func (g *QuotaGuard) Admit(caller string, n int, live int) error {
	if g.depthCap > 0 && live+n > g.depthCap {
		return &QuotaExceededError{Live: live, Cap: g.depthCap}
	}

	if g.burst <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	g.evictDrainedLocked(cutoff)

	recent := g.callers[caller]
	if len(recent) >= g.burst {
		// Oldest call ages out of the window first
		retryAfter := recent[0].Sub(cutoff)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	g.callers[caller] = append(recent, now)
	return nil
}

// evictDrainedLocked drops aged-out calls from every caller window and deletes
// callers whose window is empty, so idle identities do not accumulate. Caller
// must hold g.mu. Windows are append-only in time order.
func (g *QuotaGuard) evictDrainedLocked(cutoff time.Time) {
	for caller, stamps := range g.callers {
		idx := 0
		for idx < len(stamps) && !stamps[idx].After(cutoff) {
			idx++
		}
		if idx == len(stamps) {
			delete(g.callers, caller)
			continue
		}
		if idx > 0 {
			g.callers[caller] = stamps[idx:]
		}
	}
}

// Reset drops all recorded caller windows.
func (g *QuotaGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callers = make(map[string][]time.Time)
}
