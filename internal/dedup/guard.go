// Package dedup gates event processing so each event id is worked on
// at most once, across concurrent workers and across redelivery.
package dedup

import (
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

// Outcome records how processing of an admitted event ended.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

const shardCount = 16

// lock is one held admission.
type lock struct {
	owner      types.OwnerID
	acquiredAt time.Time
}

type shard struct {
	mu       sync.Mutex
	inFlight map[types.EventID]*lock
}

// Guard admits each event id at most once. In-flight ids are tracked in
// sharded maps keyed by id hash; completed ids go to a bounded LRU so
// late redelivery of an already-processed event is a no-op without the
// set growing forever. Eviction of old completed ids is safe because
// the stream does not redeliver arbitrarily old events.
type Guard struct {
	shards    [shardCount]shard
	completed *lru.Cache[types.EventID, Outcome]
}

// New creates a Guard whose completed set holds at most completedSize
// entries.
func New(completedSize int) (*Guard, error) {
	if completedSize <= 0 {
		completedSize = 500
	}
	cache, err := lru.New[types.EventID, Outcome](completedSize)
	if err != nil {
		return nil, err
	}
	g := &Guard{completed: cache}
	for i := range g.shards {
		g.shards[i].inFlight = make(map[types.EventID]*lock)
	}
	return g, nil
}

func (g *Guard) shardFor(id types.EventID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &g.shards[h.Sum32()%shardCount]
}

// TryAdmit returns true exactly once per id: the caller that gets true
// owns processing of the event. Callers racing on the same id, or
// arriving after completion, get false.
func (g *Guard) TryAdmit(id types.EventID) bool {
	if _, done := g.completed.Get(id); done {
		return false
	}
	s := g.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inFlight[id]; held {
		return false
	}
	// Re-check under the shard lock: a racing Release may have
	// completed the id between the cache check and here.
	if _, done := g.completed.Get(id); done {
		return false
	}
	s.inFlight[id] = &lock{owner: types.NewOwnerID(), acquiredAt: time.Now()}
	return true
}

// Release transitions an in-flight id to completed with the given
// outcome. Releasing an id that is not in flight is a no-op.
func (g *Guard) Release(id types.EventID, outcome Outcome) {
	s := g.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inFlight[id]; !held {
		return
	}
	delete(s.inFlight, id)
	g.completed.Add(id, outcome)
}

// CompletedOutcome reports how a completed id ended, if still cached.
func (g *Guard) CompletedOutcome(id types.EventID) (Outcome, bool) {
	return g.completed.Get(id)
}

// InFlight returns the number of ids currently admitted but not
// released.
func (g *Guard) InFlight() int {
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		n += len(s.inFlight)
		s.mu.Unlock()
	}
	return n
}

// HeldLongerThan returns the ids whose locks were acquired before the
// cutoff. Used to find work abandoned past the shutdown grace period.
func (g *Guard) HeldLongerThan(cutoff time.Time) []types.EventID {
	var ids []types.EventID
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for id, l := range s.inFlight {
			if l.acquiredAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
	}
	return ids
}

// ForceReleaseAll releases every in-flight id with the given outcome.
// Called when the shutdown grace period expires so no event stays
// permanently in flight.
func (g *Guard) ForceReleaseAll(outcome Outcome) int {
	n := 0
	for i := range g.shards {
		s := &g.shards[i]
		s.mu.Lock()
		for id := range s.inFlight {
			delete(s.inFlight, id)
			g.completed.Add(id, outcome)
			n++
		}
		s.mu.Unlock()
	}
	return n
}
