// Package presence tracks, per remote party, whether they are currently
// composing a message. State is ephemeral: a composing marker expires on
// its own after a short TTL, so a transport that never sends a "paused"
// event still converges to idle.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tracker answers "is this party typing right now" and "has this party
// been quiet long enough" queries.
type Tracker struct {
	// ttl is how long a composing marker stays live without renewal.
	ttl time.Duration

	// pollInterval is how often AwaitQuiet re-checks the state.
	pollInterval time.Duration

	mu     sync.Mutex
	states map[string]*state

	logger *slog.Logger
}

// state is the per-party composing record.
type state struct {
	// composingUntil is when the live marker expires (zero = not composing).
	composingUntil time.Time

	// lastActive is the last moment the party was observed composing or
	// explicitly paused.
	lastActive time.Time
}

// New creates a Tracker with the given marker TTL. A zero ttl defaults to
// 10 seconds.
func New(ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ttl:          ttl,
		pollInterval: time.Second,
		states:       make(map[string]*state),
		logger:       logger.With("component", "presence"),
	}
}

// MarkComposing sets or refreshes the party's composing marker.
func (t *Tracker) MarkComposing(party string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[party]
	if st == nil {
		st = &state{}
		t.states[party] = st
	}
	st.composingUntil = now.Add(t.ttl)
	st.lastActive = now
}

// MarkIdle clears the composing marker immediately (an explicit "paused"
// signal from the transport). The quiet-period clock restarts from now.
func (t *Tracker) MarkIdle(party string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[party]
	if st == nil {
		return
	}
	st.composingUntil = time.Time{}
	st.lastActive = now
}

// IsComposing reports whether the party has a live composing marker.
func (t *Tracker) IsComposing(party string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[party]
	return st != nil && time.Now().Before(st.composingUntil)
}

// quietFor returns how long the party has been continuously non-composing.
// A party never observed composing counts as quiet forever. Quiet starts
// when the marker ends: at the explicit paused signal, or at marker expiry
// for transports that never send one.
func (t *Tracker) quietFor(party string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[party]
	if st == nil || st.lastActive.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	if time.Now().Before(st.composingUntil) {
		return 0
	}
	quietSince := st.lastActive
	if st.composingUntil.After(quietSince) {
		quietSince = st.composingUntil
	}
	return time.Since(quietSince)
}

// AwaitQuiet blocks until the party has been continuously non-composing
// for at least quietPeriod (returns true) or maxWait elapses (returns
// false — a soft timeout, the caller proceeds anyway). Re-composing during
// the wait resets the quiet clock.
func (t *Tracker) AwaitQuiet(ctx context.Context, party string, quietPeriod, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		if t.quietFor(party) >= quietPeriod {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(t.pollInterval):
		}
	}
}

// Prune drops parties whose marker expired more than keep ago. Called by
// the maintenance job to bound the map.
func (t *Tracker) Prune(keep time.Duration) int {
	cutoff := time.Now().Add(-keep)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for party, st := range t.states {
		if st.lastActive.Before(cutoff) {
			delete(t.states, party)
			removed++
		}
	}
	return removed
}
