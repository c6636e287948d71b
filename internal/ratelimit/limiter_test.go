package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

func TestAcquireEnforcesMinimumInterval(t *testing.T) {
	interval := 50 * time.Millisecond
	l := New(map[types.ServiceID]time.Duration{types.ServiceGemini: interval}, 0)
	ctx := context.Background()

	var grants []time.Time
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, types.ServiceGemini); err != nil {
			t.Fatal(err)
		}
		grants = append(grants, time.Now())
	}

	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		// Allow a small scheduling tolerance below the nominal interval.
		if gap < interval-5*time.Millisecond {
			t.Errorf("grants %d and %d only %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestAcquireConcurrentCallersAreSpaced(t *testing.T) {
	interval := 30 * time.Millisecond
	l := New(map[types.ServiceID]time.Duration{types.ServiceBluesky: interval}, 0)
	ctx := context.Background()

	const callers = 4
	var mu sync.Mutex
	var grants []time.Time
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, types.ServiceBluesky); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(grants) != callers {
		t.Fatalf("expected %d grants, got %d", callers, len(grants))
	}
	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		if gap < interval-5*time.Millisecond {
			t.Errorf("concurrent grants %d and %d only %v apart, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestServicesDoNotBlockEachOther(t *testing.T) {
	l := New(map[types.ServiceID]time.Duration{
		types.ServiceGemini:  500 * time.Millisecond,
		types.ServiceBluesky: time.Millisecond,
	}, 0)
	ctx := context.Background()

	// Exhaust the gemini slot so the next gemini caller would block.
	if err := l.Acquire(ctx, types.ServiceGemini); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, types.ServiceBluesky); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("bluesky acquire blocked %v behind gemini limiter", elapsed)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l := New(map[types.ServiceID]time.Duration{types.ServiceGemini: time.Minute}, 0)
	ctx := context.Background()

	if err := l.Acquire(ctx, types.ServiceGemini); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(cancelled, types.ServiceGemini); err == nil {
		t.Error("expected error from cancelled acquire")
	}
}

func TestUnknownServiceUsesDefault(t *testing.T) {
	l := New(nil, 0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "unknown"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unlimited service took %v for 3 acquires", elapsed)
	}
}
