package llm

import (
	"context"
	"testing"
	"time"
)

func TestWindowLimiterBlocksUntilWindowFrees(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 2; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait(%d) error = %v", i, err)
		}
	}
	if len(slept) != 0 {
		t.Fatalf("calls under the ceiling must not block, slept %v", slept)
	}

	now = now.Add(10 * time.Second)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(slept) != 1 || slept[0] != 50*time.Second {
		t.Fatalf("slept %v, want [50s]", slept)
	}
}

func TestWindowLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewWindowLimiter(1, time.Hour)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected cancelled context to abort the wait")
	}
}
