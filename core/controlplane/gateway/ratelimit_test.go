package gateway

import (
	"testing"
	"time"
)

func TestRateLimiterSpendsAndRefills(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	l := newRateLimiter(2, 4, clock.Now)

	for i := 0; i < 4; i++ {
		q := l.take("a")
		if !q.allowed {
			t.Fatalf("take %d: expected allowed", i)
		}
		if q.remaining != 3-i {
			t.Fatalf("take %d: expected %d remaining, got %d", i, 3-i, q.remaining)
		}
	}
	q := l.take("a")
	if q.allowed || q.retryAfterSeconds != 1 || q.remaining != 0 {
		t.Fatalf("expected throttle with 1s retry, got %+v", q)
	}
	if other := l.take("b"); !other.allowed {
		t.Fatalf("keys must not share a bucket")
	}

	clock.Advance(500 * time.Millisecond)
	if q := l.take("a"); !q.allowed {
		t.Fatalf("expected one token after half a second, got %+v", q)
	}
	if q := l.take("a"); q.allowed {
		t.Fatalf("expected bucket empty again")
	}
}

func TestRateLimiterDisabledAndSweep(t *testing.T) {
	if newRateLimiter(0, 10, nil) != nil {
		t.Fatalf("zero rps disables limiting")
	}
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	l := newRateLimiter(1, 1, clock.Now)
	l.take("idle")
	clock.Advance(limiterIdleTTL + limiterSweepEvery)
	l.take("fresh")
	if n := l.size(); n != 1 {
		t.Fatalf("expected idle bucket swept, have %d", n)
	}
}
