package osuapi

import (
	"context"
	"sync"
	"time"
)

// throttle keeps requests under a sliding window rate limit and caps how
// many run at once.
type throttle struct {
	limit  int
	window time.Duration

	mu       sync.Mutex
	attempts []time.Time

	slots chan struct{}
}

func newThrottle(limit int, window time.Duration, concurrent int) *throttle {
	t := &throttle{
		limit:  max(1, limit),
		window: window,
		slots:  make(chan struct{}, max(1, concurrent)),
	}
	for range cap(t.slots) {
		t.slots <- struct{}{}
	}
	return t
}

// acquire waits for a concurrency slot and a rate slot. The returned func
// gives the concurrency slot back.
func (t *throttle) acquire(ctx context.Context) (func(), error) {
	select {
	case <-t.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { t.slots <- struct{}{} }
	for {
		wait := t.reserve(time.Now())
		if wait <= 0 {
			return release, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records an attempt at now, or says how long until one fits.
func (t *throttle) reserve(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	cut := 0
	for cut < len(t.attempts) && now.Sub(t.attempts[cut]) >= t.window {
		cut++
	}
	t.attempts = t.attempts[cut:]
	if len(t.attempts) < t.limit {
		t.attempts = append(t.attempts, now)
		return 0
	}
	return t.attempts[0].Add(t.window).Sub(now)
}
