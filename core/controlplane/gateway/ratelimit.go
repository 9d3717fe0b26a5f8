package gateway

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// rateLimiter keeps one token bucket per caller key.
type rateLimiter struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	now       func() time.Time
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

type quota struct {
	allowed           bool
	limit             int
	remaining         int
	resetSeconds      int
	retryAfterSeconds int
}

func newRateLimiter(rps float64, burst int, now func() time.Time) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     now,
		entries: make(map[string]*limiterEntry),
	}
}

// take spends one token for key.
func (l *rateLimiter) take(key string) quota {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.seen = now

	q := quota{limit: l.burst}
	res := e.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); !res.OK() || delay > 0 {
		res.CancelAt(now)
		q.retryAfterSeconds = max(1, int(math.Ceil(delay.Seconds())))
		q.resetSeconds = l.resetSeconds(e.lim.TokensAt(now))
		return q
	}
	tokens := e.lim.TokensAt(now)
	q.allowed = true
	q.remaining = max(0, int(math.Floor(tokens)))
	q.resetSeconds = l.resetSeconds(tokens)
	return q
}

// resetSeconds is how long until the bucket is full again.
func (l *rateLimiter) resetSeconds(tokens float64) int {
	missing := float64(l.burst) - tokens
	if missing <= 0 {
		return 0
	}
	return int(math.Ceil(missing / float64(l.rps)))
}

func (l *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < limiterSweepEvery {
		return
	}
	l.lastSweep = now
	for key, e := range l.entries {
		if now.Sub(e.seen) > limiterIdleTTL {
			delete(l.entries, key)
		}
	}
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
