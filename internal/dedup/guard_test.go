package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

func newGuard(t *testing.T, size int) *Guard {
	t.Helper()
	g, err := New(size)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestTryAdmitOnce(t *testing.T) {
	g := newGuard(t, 100)
	id := types.EventID("at://did:plc:a/app.bsky.feed.post/1")

	if !g.TryAdmit(id) {
		t.Fatal("first admit should succeed")
	}
	if g.TryAdmit(id) {
		t.Error("second admit while in flight should fail")
	}

	g.Release(id, OutcomeReplied)
	if g.TryAdmit(id) {
		t.Error("admit after completion should fail")
	}
	if outcome, ok := g.CompletedOutcome(id); !ok || outcome != OutcomeReplied {
		t.Errorf("expected replied outcome, got %v (ok=%v)", outcome, ok)
	}
}

func TestTryAdmitConcurrent(t *testing.T) {
	g := newGuard(t, 100)
	id := types.EventID("at://did:plc:a/app.bsky.feed.post/race")

	const callers = 32
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAdmit(id) {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := admitted.Load(); n != 1 {
		t.Errorf("expected exactly 1 admission, got %d", n)
	}
	if g.InFlight() != 1 {
		t.Errorf("expected 1 in flight, got %d", g.InFlight())
	}
}

func TestReleaseUnknownIsNoOp(t *testing.T) {
	g := newGuard(t, 100)
	g.Release("at://did:plc:a/app.bsky.feed.post/never", OutcomeFailed)

	// A never-admitted id must not show up as completed.
	if _, ok := g.CompletedOutcome("at://did:plc:a/app.bsky.feed.post/never"); ok {
		t.Error("unadmitted id should not be completed")
	}
}

func TestCompletedSetIsBounded(t *testing.T) {
	g := newGuard(t, 4)

	for i := 0; i < 10; i++ {
		id := types.EventID(fmt.Sprintf("at://did:plc:a/app.bsky.feed.post/%d", i))
		if !g.TryAdmit(id) {
			t.Fatalf("admit %d failed", i)
		}
		g.Release(id, OutcomeReplied)
	}

	// The oldest completions were evicted, so the id is admittable again.
	if !g.TryAdmit("at://did:plc:a/app.bsky.feed.post/0") {
		t.Error("evicted id should be admittable again")
	}
	// Recent completions are still remembered.
	if g.TryAdmit("at://did:plc:a/app.bsky.feed.post/9") {
		t.Error("recent completion should still be refused")
	}
}

func TestForceReleaseAll(t *testing.T) {
	g := newGuard(t, 100)
	for i := 0; i < 5; i++ {
		id := types.EventID(fmt.Sprintf("at://did:plc:a/app.bsky.feed.post/f%d", i))
		if !g.TryAdmit(id) {
			t.Fatalf("admit %d failed", i)
		}
	}

	released := g.ForceReleaseAll(OutcomeFailed)
	if released != 5 {
		t.Errorf("expected 5 force releases, got %d", released)
	}
	if g.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", g.InFlight())
	}
	if outcome, ok := g.CompletedOutcome("at://did:plc:a/app.bsky.feed.post/f0"); !ok || outcome != OutcomeFailed {
		t.Errorf("expected failed outcome, got %v (ok=%v)", outcome, ok)
	}
}

func TestHeldLongerThan(t *testing.T) {
	g := newGuard(t, 100)
	id := types.EventID("at://did:plc:a/app.bsky.feed.post/old")
	if !g.TryAdmit(id) {
		t.Fatal("admit failed")
	}

	time.Sleep(10 * time.Millisecond)
	stale := g.HeldLongerThan(time.Now())
	if len(stale) != 1 || stale[0] != id {
		t.Errorf("expected [%s], got %v", id, stale)
	}

	none := g.HeldLongerThan(time.Now().Add(-time.Minute))
	if len(none) != 0 {
		t.Errorf("expected no stale locks, got %v", none)
	}
}
