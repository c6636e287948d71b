// internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	ctxengine "github.com/symmetricalboy/msinfo-bot/internal/context"
	"github.com/symmetricalboy/msinfo-bot/internal/dedup"
	"github.com/symmetricalboy/msinfo-bot/internal/metric"
	"github.com/symmetricalboy/msinfo-bot/internal/remote"
	"github.com/symmetricalboy/msinfo-bot/internal/thread"
	"github.com/symmetricalboy/msinfo-bot/internal/types"
	"github.com/symmetricalboy/msinfo-bot/pkg/genai"
)

// DefaultLimitNotice is the terminal reply published once per lineage
// when a conversation reaches the depth ceiling.
const DefaultLimitNotice = "This thread has gotten quite long, so I'll bow out here. Feel free to start a new thread if you have more questions!"

// RecordFetcher resolves the CID of a record the bot only knows by URI,
// needed to anchor reply refs to thread roots the bot never saw.
type RecordFetcher interface {
	GetRecord(ctx context.Context, uri types.EventID) (*types.ReplyRef, error)
}

// Config controls an Orchestrator.
type Config struct {
	MaxConcurrent   int64
	ContextDepth    int
	PostLengthLimit int
	LimitNotice     string

	// MediaWaitTimeout bounds how long a media request may run before
	// the response degrades to text-only.
	MediaWaitTimeout time.Duration
	// ImagePolicy and VideoPolicy override the generation service's
	// retry policy for media calls. Nil uses the service default.
	ImagePolicy *remote.Policy
	VideoPolicy *remote.Policy
	// MemoryCeilingMB degrades media generation to text-only when the
	// heap is already above this size.
	MemoryCeilingMB uint64

	// ThreadMaxAge and SweepInterval drive the janitor that evicts old
	// lineages and force-releases stale in-flight locks.
	ThreadMaxAge  time.Duration
	SweepInterval time.Duration

	// FailureAlertThreshold fires a sink alert every time terminal
	// failures accumulate to a multiple of this count.
	FailureAlertThreshold int
}

// Splitter breaks generated text into post-sized parts.
type Splitter func(text string, limit int) []string

// Orchestrator drives each incoming event through admission, policy,
// generation and publishing. One goroutine per event, capped by a
// weighted semaphore.
type Orchestrator struct {
	cfg       Config
	events    <-chan types.Event
	guard     *dedup.Guard
	tracker   *thread.Tracker
	caller    *remote.Caller
	engine    *ctxengine.Engine
	responder genai.Responder
	media     genai.MediaMaker
	publisher types.Publisher
	fetcher   RecordFetcher
	replies   types.ReplyStore
	sink      types.Notifier
	metrics   *metric.Set
	split     Splitter

	sem *semaphore.Weighted

	mu        sync.Mutex
	failures  int
	processed uint64
	published uint64
	skipped   uint64
	failed    uint64

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Deps bundles the collaborators an Orchestrator needs.
type Deps struct {
	Events    <-chan types.Event
	Guard     *dedup.Guard
	Tracker   *thread.Tracker
	Caller    *remote.Caller
	Engine    *ctxengine.Engine
	Responder genai.Responder
	Media     genai.MediaMaker
	Publisher types.Publisher
	Fetcher   RecordFetcher
	Replies   types.ReplyStore
	Sink      types.Notifier
	Metrics   *metric.Set
	Split     Splitter
}

// New creates an orchestrator. Deps.Media and Deps.Fetcher may be nil;
// media requests then degrade to text-only and root refs fall back to
// the parent.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ContextDepth <= 0 {
		cfg.ContextDepth = 25
	}
	if cfg.LimitNotice == "" {
		cfg.LimitNotice = DefaultLimitNotice
	}
	if cfg.MediaWaitTimeout <= 0 {
		cfg.MediaWaitTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 5
	}
	return &Orchestrator{
		cfg:       cfg,
		events:    deps.Events,
		guard:     deps.Guard,
		tracker:   deps.Tracker,
		caller:    deps.Caller,
		engine:    deps.Engine,
		responder: deps.Responder,
		media:     deps.Media,
		publisher: deps.Publisher,
		fetcher:   deps.Fetcher,
		replies:   deps.Replies,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		split:     deps.Split,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		shutdown:  make(chan struct{}),
	}
}

// Start launches the dispatch loop and the janitor. Returns
// immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(2)
	go o.dispatchLoop(ctx)
	go o.janitorLoop(ctx)
}

// Stop stops admitting new events, waits up to grace for in-flight
// work, then force-releases whatever is still locked.
func (o *Orchestrator) Stop(grace time.Duration) {
	o.shutdownOnce.Do(func() {
		close(o.shutdown)
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		released := o.guard.ForceReleaseAll(dedup.OutcomeFailed)
		slog.Warn("shutdown grace expired", "force_released", released)
	}
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.shutdown:
			return
		case ev, ok := <-o.events:
			if !ok {
				return
			}
			o.metrics.SetQueueDepth(len(o.events))
			if err := o.sem.Acquire(ctx, 1); err != nil {
				return
			}
			o.wg.Add(1)
			o.metrics.AddInFlight(1)
			go func() {
				defer o.wg.Done()
				defer o.sem.Release(1)
				defer o.metrics.AddInFlight(-1)
				o.process(ctx, &ev)
			}()
		}
	}
}

// process runs one event through the full state machine.
func (o *Orchestrator) process(ctx context.Context, ev *types.Event) {
	log := slog.With("event", ev.ID, "author", ev.AuthorDID, "kind", ev.Kind)

	// Admission: the persistent reply record wins over everything; a
	// replayed event that was already answered is dropped even after
	// the in-memory caches forgot it.
	if o.replies != nil {
		if has, err := o.replies.Has(ctx, ev.ID); err != nil {
			log.Warn("reply record lookup failed", "error", err)
		} else if has {
			log.Debug("already answered, skipping")
			o.recordSkip()
			return
		}
	}
	if !o.guard.TryAdmit(ev.ID) {
		log.Debug("duplicate delivery, skipping")
		o.recordSkip()
		return
	}

	outcome := dedup.OutcomeFailed
	defer func() { o.guard.Release(ev.ID, outcome) }()

	// Thread policy.
	eval := o.tracker.RecordAndEvaluate(ev)
	if !eval.Admit {
		log.Info("refused by thread policy",
			"reason", eval.Reason, "depth", eval.Depth, "self_depth", eval.SelfDepth)
		if eval.Reason == thread.RefusalConversationDepth {
			o.sendLimitNotice(ctx, ev)
		}
		outcome = dedup.OutcomeSkipped
		o.recordSkip()
		return
	}

	// Context + generation.
	ancestors := o.tracker.Ancestors(ev.ID, o.cfg.ContextDepth)
	posts := o.engine.Build(ancestors)
	latest := genai.Post{AuthorDID: ev.AuthorDID, Role: genai.RoleOther, Text: ev.Text}

	var raw string
	err := o.caller.Call(ctx, types.ServiceGemini, func(ctx context.Context) error {
		var genErr error
		raw, genErr = o.responder.Generate(ctx, posts, latest)
		return genErr
	})
	if err != nil {
		log.Error("generation failed", "error", err)
		o.recordFailure(fmt.Sprintf("generation failed for %s: %v", ev.ID, err))
		return
	}

	content := DecodeContent(raw)
	att := o.makeMedia(ctx, log, content)

	published, err := o.publishReply(ctx, ev, content.Text, att, eval.ReplyBudgetRemaining)
	if err != nil {
		log.Error("publish failed", "error", err)
		o.recordFailure(fmt.Sprintf("publish failed for %s: %v", ev.ID, err))
		return
	}

	if o.replies != nil {
		if err := o.replies.Record(ctx, ev.ID, published); err != nil {
			log.Warn("recording reply set failed", "error", err)
		}
	}

	outcome = dedup.OutcomeReplied
	o.mu.Lock()
	o.processed++
	o.published += uint64(len(published))
	o.failures = 0
	o.mu.Unlock()
	o.metrics.IncProcessed()
	log.Info("replied", "posts", len(published))
}

// makeMedia turns a media request into an attachment, degrading to
// text-only on timeout, memory pressure, or any generation failure.
func (o *Orchestrator) makeMedia(ctx context.Context, log *slog.Logger, content Content) *types.Attachment {
	if content.Kind == TextOnly || o.media == nil {
		return nil
	}
	if o.heapAboveCeiling() {
		log.Warn("memory ceiling reached, degrading to text-only")
		return nil
	}

	mediaCtx, cancel := context.WithTimeout(ctx, o.cfg.MediaWaitTimeout)
	defer cancel()

	var media *genai.Media
	op := func(ctx context.Context) error {
		var genErr error
		if content.Kind == WithVideo {
			media, genErr = o.media.GenerateVideo(ctx, content.MediaPrompt)
		} else {
			media, genErr = o.media.GenerateImage(ctx, content.MediaPrompt)
		}
		return genErr
	}
	policy := o.cfg.ImagePolicy
	if content.Kind == WithVideo {
		policy = o.cfg.VideoPolicy
	}
	var err error
	if policy != nil {
		err = o.caller.CallWith(mediaCtx, types.ServiceGemini, *policy, op)
	} else {
		err = o.caller.Call(mediaCtx, types.ServiceGemini, op)
	}
	if err != nil {
		log.Warn("media generation failed, continuing text-only", "error", err)
		return nil
	}
	if o.heapAboveCeiling() {
		log.Warn("memory ceiling reached after generation, dropping media")
		return nil
	}
	return &types.Attachment{
		Data:     media.Data,
		MimeType: media.MimeType,
		AltText:  content.MediaPrompt,
	}
}

func (o *Orchestrator) heapAboveCeiling() bool {
	if o.cfg.MemoryCeilingMB == 0 {
		return false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc > o.cfg.MemoryCeilingMB*1024*1024
}

// publishReply splits text into posts and publishes them as a chain
// under the event. The attachment rides on the first post only. The
// number of posts never exceeds the remaining reply budget.
func (o *Orchestrator) publishReply(ctx context.Context, ev *types.Event, text string, att *types.Attachment, budget int) ([]types.EventID, error) {
	parts := o.split(text, o.cfg.PostLengthLimit)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty generated text")
	}
	if budget > 0 && len(parts) > budget {
		parts = parts[:budget]
	}

	parent := &types.ReplyRef{URI: ev.ID, CID: ev.CID}
	root := o.resolveRoot(ctx, ev, parent)

	var published []types.EventID
	for i, part := range parts {
		partAtt := att
		if i > 0 {
			partAtt = nil
		}
		var ref *types.ReplyRef
		err := o.caller.Call(ctx, types.ServiceBluesky, func(ctx context.Context) error {
			var pubErr error
			ref, pubErr = o.publisher.Publish(ctx, parent, root, part, partAtt)
			return pubErr
		})
		if err != nil {
			if len(published) > 0 {
				// Partial thread stands; record what went out so a
				// replay does not duplicate it.
				if o.replies != nil {
					o.replies.Record(ctx, ev.ID, published)
				}
			}
			return nil, err
		}
		o.tracker.RecordSelfReply(parent.URI, ref.URI, part, time.Now())
		o.metrics.IncPublished()
		published = append(published, ref.URI)
		parent = ref
	}
	return published, nil
}

// resolveRoot finds the thread root's reply ref. Falls back to the
// event itself when resolution is unavailable or fails.
func (o *Orchestrator) resolveRoot(ctx context.Context, ev *types.Event, parent *types.ReplyRef) *types.ReplyRef {
	rootID := ev.Root()
	if rootID == ev.ID {
		return parent
	}
	if o.fetcher == nil {
		return parent
	}
	var ref *types.ReplyRef
	err := o.caller.Call(ctx, types.ServiceBluesky, func(ctx context.Context) error {
		var getErr error
		ref, getErr = o.fetcher.GetRecord(ctx, rootID)
		return getErr
	})
	if err != nil {
		slog.Warn("root resolution failed, anchoring to parent", "root", rootID, "error", err)
		return parent
	}
	return ref
}

// sendLimitNotice publishes the terminal depth notice, at most once
// per lineage.
func (o *Orchestrator) sendLimitNotice(ctx context.Context, ev *types.Event) {
	if !o.tracker.MarkLimitNotice(ev.Root()) {
		return
	}
	parent := &types.ReplyRef{URI: ev.ID, CID: ev.CID}
	root := o.resolveRoot(ctx, ev, parent)
	err := o.caller.Call(ctx, types.ServiceBluesky, func(ctx context.Context) error {
		ref, pubErr := o.publisher.Publish(ctx, parent, root, o.cfg.LimitNotice, nil)
		if pubErr == nil {
			o.tracker.RecordSelfReply(ev.ID, ref.URI, o.cfg.LimitNotice, time.Now())
		}
		return pubErr
	})
	if err != nil {
		slog.Warn("limit notice publish failed", "event", ev.ID, "error", err)
	}
}

// PostStandalone composes and publishes a post outside any thread,
// used by the scheduler for automatic posting.
func (o *Orchestrator) PostStandalone(ctx context.Context, instruction string) error {
	var raw string
	err := o.caller.Call(ctx, types.ServiceGemini, func(ctx context.Context) error {
		var genErr error
		raw, genErr = o.responder.ComposePost(ctx, instruction)
		return genErr
	})
	if err != nil {
		return fmt.Errorf("composing post: %w", err)
	}

	content := DecodeContent(raw)
	att := o.makeMedia(ctx, slog.With("op", "standalone"), content)

	parts := o.split(content.Text, o.cfg.PostLengthLimit)
	if len(parts) == 0 {
		return fmt.Errorf("empty composed text")
	}

	var parent *types.ReplyRef
	var root *types.ReplyRef
	for i, part := range parts {
		partAtt := att
		if i > 0 {
			partAtt = nil
		}
		var ref *types.ReplyRef
		err := o.caller.Call(ctx, types.ServiceBluesky, func(ctx context.Context) error {
			var pubErr error
			ref, pubErr = o.publisher.Publish(ctx, parent, root, part, partAtt)
			return pubErr
		})
		if err != nil {
			return fmt.Errorf("publishing post %d of %d: %w", i+1, len(parts), err)
		}
		o.metrics.IncPublished()
		if root == nil {
			root = ref
		}
		parent = ref
	}
	return nil
}

func (o *Orchestrator) recordSkip() {
	o.mu.Lock()
	o.skipped++
	o.mu.Unlock()
	o.metrics.IncSkipped()
}

func (o *Orchestrator) recordFailure(message string) {
	o.mu.Lock()
	o.failed++
	o.failures++
	streak := o.failures
	o.mu.Unlock()
	o.metrics.IncFailed()

	if o.sink != nil && streak%o.cfg.FailureAlertThreshold == 0 {
		o.sink.Notify(types.SeverityCritical,
			fmt.Sprintf("%d consecutive failures, latest: %s", streak, message))
	}
}

func (o *Orchestrator) janitorLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.shutdown:
			return
		case <-ticker.C:
			if o.cfg.ThreadMaxAge > 0 {
				if n := o.tracker.EvictOlderThan(time.Now().Add(-o.cfg.ThreadMaxAge)); n > 0 {
					slog.Debug("evicted stale threads", "nodes", n)
				}
			}
			// Locks held far beyond any plausible processing time are
			// leaks from crashed workers.
			cutoff := time.Now().Add(-2 * o.cfg.MediaWaitTimeout)
			for _, id := range o.guard.HeldLongerThan(cutoff) {
				slog.Warn("releasing stale in-flight lock", "event", id)
				o.guard.Release(id, dedup.OutcomeFailed)
			}
		}
	}
}

// Stats is a point-in-time snapshot for the ops surface.
type Stats struct {
	Processed      uint64 `json:"processed"`
	Published      uint64 `json:"published"`
	Skipped        uint64 `json:"skipped"`
	Failed         uint64 `json:"failed"`
	InFlight       int    `json:"in_flight"`
	TrackedThreads int    `json:"tracked_threads"`
	QueueDepth     int    `json:"queue_depth"`
}

// Snapshot returns current counters.
func (o *Orchestrator) Snapshot() Stats {
	o.mu.Lock()
	s := Stats{
		Processed: o.processed,
		Published: o.published,
		Skipped:   o.skipped,
		Failed:    o.failed,
	}
	o.mu.Unlock()
	s.InFlight = o.guard.InFlight()
	s.TrackedThreads = o.tracker.Len()
	s.QueueDepth = len(o.events)
	return s
}
