package zone

import (
	"sync"
	"time"
)

// Throttler admits or defers requests identified by an arbitrary key at a
// configured rate (spec.md §4.9 "Throttling"). Its last-seen map is capped
// and periodically reaped, the same "weak map for throttling identity"
// shape as the teacher's internal/limits/limiters.BucketSet, simplified
// here to a bare last-send timestamp since Throttler has no need for the
// teacher's generic rate-limiter interface.
type Throttler struct {
	minInterval time.Duration
	maxKeys     int

	mu      sync.Mutex
	lastUse map[string]time.Time
}

// NewThrottler returns a Throttler admitting at most n events per period for
// any single identity key, e.g. NewThrottler(100, time.Minute) for "100 per
// m". maxKeys bounds the last-seen map; once exceeded, stale entries older
// than 2*minInterval are reaped on the next Admit call.
func NewThrottler(n int, period time.Duration, maxKeys int) *Throttler {
	var minInterval time.Duration
	if n > 0 {
		minInterval = period / time.Duration(n)
	}
	return &Throttler{
		minInterval: minInterval,
		maxKeys:     maxKeys,
		lastUse:     make(map[string]time.Time),
	}
}

// Admit reports whether key may proceed immediately (now) or, if not, how
// long the caller must wait (spec.md §4.9: "admitted immediately if now -
// last >= minInterval, else deferred by minInterval - (now - last)").
// A Throttler with no configured rate (minInterval == 0) always admits.
func (t *Throttler) Admit(key string, now time.Time) (wait time.Duration, admitted bool) {
	if t.minInterval <= 0 {
		return 0, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reapLocked(now)

	last, ok := t.lastUse[key]
	if !ok || now.Sub(last) >= t.minInterval {
		t.lastUse[key] = now
		return 0, true
	}

	return t.minInterval - now.Sub(last), false
}

func (t *Throttler) reapLocked(now time.Time) {
	if t.maxKeys <= 0 || len(t.lastUse) <= t.maxKeys {
		return
	}
	staleBefore := now.Add(-2 * t.minInterval)
	for k, last := range t.lastUse {
		if last.Before(staleBefore) {
			delete(t.lastUse, k)
		}
	}
}
