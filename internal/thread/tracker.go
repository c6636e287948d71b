// Package thread tracks conversation ancestry so the bot can stop
// replying when a thread gets too deep or turns into the bot feeding
// itself.
package thread

import (
	"sync"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

// Role marks who authored a node.
type Role string

const (
	RoleSelf  Role = "self"
	RoleOther Role = "other"
)

// RefusalReason says why an evaluation refused admission.
type RefusalReason string

const (
	RefusalNone              RefusalReason = ""
	RefusalConversationDepth RefusalReason = "conversation_depth"
	RefusalReplyBudget       RefusalReason = "reply_budget"
	RefusalLoop              RefusalReason = "loop"
)

// Node is one event in the conversation forest.
type Node struct {
	ID        types.EventID
	ParentID  types.EventID
	RootID    types.EventID
	AuthorDID string
	Text      string
	Depth     int
	Role      Role
	CreatedAt time.Time
	// Continuation marks a burst part of one split reply: a self post
	// chained under the previous part. The loop guard treats a burst
	// as a single post.
	Continuation bool
}

// Evaluation is the admission decision for one event.
type Evaluation struct {
	Admit                bool
	Depth                int
	SelfDepth            int
	ReplyBudgetRemaining int
	Reason               RefusalReason
}

// Config bounds the tracker's policy.
type Config struct {
	// MaxConversationDepth stops all replies on a lineage once any
	// event in it reaches this depth, no matter who is talking.
	MaxConversationDepth int
	// MaxReplyDepth caps how many posts the bot itself authors within
	// one lineage, even while the conversation continues.
	MaxReplyDepth int
	// LoopGuardExchanges is how many consecutive self-to-self reply
	// links in an event's ancestry are tolerated before the lineage is
	// treated as the bot feeding itself. Ordinary back-and-forth with
	// another account never trips this; the reply budget bounds those.
	LoopGuardExchanges int
	// MaxAge evicts lineages whose root was first seen this long ago.
	MaxAge time.Duration
}

type rootState struct {
	firstSeen  time.Time
	selfCount  int
	noticeSent bool
	members    []types.EventID
}

// Tracker is the in-memory conversation forest. The two depth counters
// (conversation depth and self-reply depth) are fully independent:
// third parties extending a thread consume conversation depth but not
// the bot's reply budget.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	selfDID string
	nodes   map[types.EventID]*Node
	roots   map[types.EventID]*rootState
}

// New creates a Tracker. selfDID identifies the bot's own posts.
func New(selfDID string, cfg Config) *Tracker {
	if cfg.MaxConversationDepth <= 0 {
		cfg.MaxConversationDepth = 50
	}
	if cfg.MaxReplyDepth <= 0 {
		cfg.MaxReplyDepth = 10
	}
	if cfg.LoopGuardExchanges <= 0 {
		cfg.LoopGuardExchanges = 3
	}
	return &Tracker{
		cfg:     cfg,
		selfDID: selfDID,
		nodes:   make(map[types.EventID]*Node),
		roots:   make(map[types.EventID]*rootState),
	}
}

// RecordAndEvaluate inserts the event into the forest and decides
// whether the bot may reply to it.
func (t *Tracker) RecordAndEvaluate(ev *types.Event) Evaluation {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.insert(ev.ID, ev.ParentID, ev.Root(), ev.AuthorDID, ev.Text, ev.CreatedAt)
	rs := t.rootFor(node.RootID)

	eval := Evaluation{
		Depth:                node.Depth,
		SelfDepth:            rs.selfCount,
		ReplyBudgetRemaining: t.cfg.MaxReplyDepth - rs.selfCount,
	}

	switch {
	case t.isLoop(node):
		eval.Reason = RefusalLoop
	case node.Depth >= t.cfg.MaxConversationDepth:
		eval.Reason = RefusalConversationDepth
	case rs.selfCount >= t.cfg.MaxReplyDepth:
		eval.Reason = RefusalReplyBudget
		eval.ReplyBudgetRemaining = 0
	default:
		eval.Admit = true
	}
	return eval
}

// RecordSelfReply inserts a post the bot just published so later
// events in the lineage see correct depth and reply budget.
func (t *Tracker) RecordSelfReply(parentID, id types.EventID, text string, createdAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootID := id
	if parent, ok := t.nodes[parentID]; ok {
		rootID = parent.RootID
	} else if parentID != "" {
		rootID = parentID
	}
	node := t.insert(id, parentID, rootID, t.selfDID, text, createdAt)
	if parent, ok := t.nodes[parentID]; ok && parent.Role == RoleSelf {
		node.Continuation = true
	}
	t.rootFor(node.RootID).selfCount++
}

// Ancestors returns up to limit ancestors of the event, oldest first,
// ending with the event's parent. Only ancestry the tracker has
// observed is returned.
func (t *Tracker) Ancestors(id types.EventID, limit int) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var chain []*Node
	node, ok := t.nodes[id]
	if !ok {
		return nil
	}
	for cur := t.nodes[node.ParentID]; cur != nil && len(chain) < limit; cur = t.nodes[cur.ParentID] {
		chain = append(chain, cur)
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// MarkLimitNotice returns true exactly once per lineage: the caller
// that gets true may publish the single "thread too deep" notice.
func (t *Tracker) MarkLimitNotice(rootID types.EventID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rs := t.rootFor(rootID)
	if rs.noticeSent {
		return false
	}
	rs.noticeSent = true
	return true
}

// EvictOlderThan drops every lineage whose root was first seen before
// the cutoff and returns the number of nodes removed.
func (t *Tracker) EvictOlderThan(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for rootID, rs := range t.roots {
		if !rs.firstSeen.Before(cutoff) {
			continue
		}
		for _, id := range rs.members {
			delete(t.nodes, id)
			removed++
		}
		delete(t.roots, rootID)
	}
	return removed
}

// Len returns the number of tracked nodes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// insert adds a node, creating a placeholder parent when the ancestry
// was not observed. Depth follows the parent chain where known; a
// placeholder parent sits at depth 0 when it is the root and depth 1
// otherwise, so depth is a floor until the lineage is observed in
// full. Caller holds the lock.
func (t *Tracker) insert(id, parentID, rootID types.EventID, authorDID, text string, createdAt time.Time) *Node {
	if existing, ok := t.nodes[id]; ok {
		return existing
	}

	depth := 0
	if parentID != "" {
		parent, ok := t.nodes[parentID]
		if !ok {
			parentDepth := 0
			if parentID != rootID {
				parentDepth = 1
			}
			parent = &Node{
				ID:        parentID,
				RootID:    rootID,
				AuthorDID: parentID.DID(),
				Depth:     parentDepth,
				Role:      t.roleFor(parentID.DID()),
				CreatedAt: createdAt,
			}
			if parentID != rootID {
				parent.ParentID = rootID
			}
			t.nodes[parentID] = parent
			t.rootFor(rootID).members = append(t.rootFor(rootID).members, parentID)
		}
		depth = parent.Depth + 1
	}

	node := &Node{
		ID:        id,
		ParentID:  parentID,
		RootID:    rootID,
		AuthorDID: authorDID,
		Text:      text,
		Depth:     depth,
		Role:      t.roleFor(authorDID),
		CreatedAt: createdAt,
	}
	t.nodes[id] = node
	rs := t.rootFor(rootID)
	rs.members = append(rs.members, id)
	return node
}

func (t *Tracker) roleFor(did string) Role {
	if did != "" && did == t.selfDID {
		return RoleSelf
	}
	return RoleOther
}

func (t *Tracker) rootFor(rootID types.EventID) *rootState {
	rs, ok := t.roots[rootID]
	if !ok {
		rs = &rootState{firstSeen: time.Now()}
		t.roots[rootID] = rs
	}
	return rs
}

// isLoop walks the unbroken run of self-authored ancestors directly
// above the event and counts the links where the bot replied to its
// own post. Burst parts of one split reply are marked Continuation and
// do not count; any other-authored post ends the run. A run of
// LoopGuardExchanges such links means the event would extend the bot
// talking to itself, and the bot withdraws. Caller holds the lock.
func (t *Tracker) isLoop(node *Node) bool {
	links := 0
	for cur := t.nodes[node.ParentID]; cur != nil && cur.Role == RoleSelf; cur = t.nodes[cur.ParentID] {
		parent, ok := t.nodes[cur.ParentID]
		if !ok || parent.Role != RoleSelf {
			break
		}
		if !cur.Continuation {
			links++
			if links >= t.cfg.LoopGuardExchanges {
				return true
			}
		}
	}
	return false
}
