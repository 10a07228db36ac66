package llm

import (
	"context"
	"sync"
	"time"
)

// WindowLimiter admits at most limit calls in any sliding window. Callers over
// the ceiling block until the oldest admitted call leaves the window.
type WindowLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWindowLimiter creates a limiter allowing limit calls per window.
func NewWindowLimiter(limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &WindowLimiter{
		limit:    limit,
		window:   window,
		requests: make([]time.Time, 0, limit),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Wait blocks until a call is admitted or ctx is done.
func (l *WindowLimiter) Wait(ctx context.Context) error {
	for {
		wait := l.reserve()
		if wait <= 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// reserve admits a call and returns 0, or returns how long to wait.
func (l *WindowLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)

	valid := l.requests[:0]
	for _, t := range l.requests {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	l.requests = valid

	if len(l.requests) < l.limit {
		l.requests = append(l.requests, now)
		return 0
	}
	return l.requests[0].Add(l.window).Sub(now)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
