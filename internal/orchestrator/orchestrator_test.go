package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/bsky"
	ctxengine "github.com/symmetricalboy/msinfo-bot/internal/context"
	"github.com/symmetricalboy/msinfo-bot/internal/dedup"
	"github.com/symmetricalboy/msinfo-bot/internal/ratelimit"
	"github.com/symmetricalboy/msinfo-bot/internal/remote"
	"github.com/symmetricalboy/msinfo-bot/internal/state"
	"github.com/symmetricalboy/msinfo-bot/internal/thread"
	"github.com/symmetricalboy/msinfo-bot/internal/types"
	"github.com/symmetricalboy/msinfo-bot/pkg/genai"
)

const (
	botDID   = "did:plc:bot"
	aliceDID = "did:plc:alice"
)

type fakeResponder struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	response string
	err      error
}

func (f *fakeResponder) Generate(_ context.Context, _ []genai.Post, _ genai.Post) (string, error) {
	return f.respond()
}

func (f *fakeResponder) ComposePost(_ context.Context, _ string) (string, error) {
	return f.respond()
}

func (f *fakeResponder) respond() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.calls <= f.failures {
		return "", remote.Transient(errors.New("backend overloaded"))
	}
	if f.response == "" {
		return "a generated reply", nil
	}
	return f.response, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type publishedPost struct {
	parent, root *types.ReplyRef
	text         string
	att          *types.Attachment
}

type fakePublisher struct {
	mu    sync.Mutex
	posts []publishedPost
	next  int
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, parent, root *types.ReplyRef, text string, att *types.Attachment) (*types.ReplyRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.posts = append(f.posts, publishedPost{parent: parent, root: root, text: text, att: att})
	f.next++
	return &types.ReplyRef{
		URI: types.EventID(fmt.Sprintf("at://%s/app.bsky.feed.post/reply%d", botDID, f.next)),
		CID: fmt.Sprintf("cid%d", f.next),
	}, nil
}

func (f *fakePublisher) SendDirectMessage(_ context.Context, _, _ string) error {
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakePublisher) post(i int) publishedPost {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[i]
}

type fakeMedia struct {
	mu       sync.Mutex
	attempts int
	images   int
	videos   int
	err      error
}

func (f *fakeMedia) GenerateImage(_ context.Context, _ string) (*genai.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return nil, f.err
	}
	f.images++
	return &genai.Media{Data: []byte{1}, MimeType: "image/png"}, nil
}

func (f *fakeMedia) GenerateVideo(_ context.Context, _ string) (*genai.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return nil, f.err
	}
	f.videos++
	return &genai.Media{Data: []byte{2}, MimeType: "video/mp4"}, nil
}

func (f *fakeMedia) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []string
}

func (f *fakeSink) Notify(_ types.Severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, message)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type harness struct {
	orch      *Orchestrator
	responder *fakeResponder
	publisher *fakePublisher
	media     *fakeMedia
	sink      *fakeSink
	replies   types.ReplyStore
	tracker   *thread.Tracker
	events    chan types.Event
}

func newHarness(t *testing.T, retries int, trackerCfg thread.Config) *harness {
	t.Helper()

	guard, err := dedup.New(100)
	if err != nil {
		t.Fatal(err)
	}
	engine, err := ctxengine.New(25, 8192)
	if err != nil {
		t.Fatal(err)
	}
	tracker := thread.New(botDID, trackerCfg)
	sink := &fakeSink{}
	limiter := ratelimit.New(nil, 0)
	policy := remote.Policy{
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
	caller := remote.New(limiter, sink, nil, map[types.ServiceID]remote.Policy{
		types.ServiceGemini:  policy,
		types.ServiceBluesky: policy,
	})

	responder := &fakeResponder{}
	publisher := &fakePublisher{}
	media := &fakeMedia{}
	replies := state.NewReplyRecordStore(t.TempDir(), 100)
	events := make(chan types.Event, 16)

	orch := New(Config{
		MaxConcurrent:         4,
		ContextDepth:          25,
		PostLengthLimit:       300,
		MediaWaitTimeout:      time.Second,
		FailureAlertThreshold: 1,
	}, Deps{
		Events:    events,
		Guard:     guard,
		Tracker:   tracker,
		Caller:    caller,
		Engine:    engine,
		Responder: responder,
		Media:     media,
		Publisher: publisher,
		Replies:   replies,
		Sink:      sink,
		Split:     bsky.SplitPost,
	})
	return &harness{
		orch:      orch,
		responder: responder,
		publisher: publisher,
		media:     media,
		sink:      sink,
		replies:   replies,
		tracker:   tracker,
		events:    events,
	}
}

func mention(n int) *types.Event {
	return &types.Event{
		ID:        types.EventID(fmt.Sprintf("at://%s/app.bsky.feed.post/m%d", aliceDID, n)),
		CID:       fmt.Sprintf("mcid%d", n),
		AuthorDID: aliceDID,
		Text:      "hello bot",
		Kind:      types.KindMention,
		CreatedAt: time.Now(),
	}
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	ev := mention(1)

	h.orch.process(context.Background(), ev)

	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1", h.publisher.count())
	}
	post := h.publisher.post(0)
	if post.text != "a generated reply" {
		t.Errorf("text = %q", post.text)
	}
	if post.parent.URI != ev.ID {
		t.Errorf("parent = %q, want the event", post.parent.URI)
	}

	has, err := h.replies.Has(context.Background(), ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("reply set should be recorded")
	}
}

func TestProcessConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	ev := mention(2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evCopy := *ev
			h.orch.process(context.Background(), &evCopy)
		}()
	}
	wg.Wait()

	if h.publisher.count() != 1 {
		t.Errorf("published = %d, want exactly 1 despite 8 deliveries", h.publisher.count())
	}
	if h.responder.callCount() != 1 {
		t.Errorf("responder calls = %d, want 1", h.responder.callCount())
	}
}

func TestProcessReplayAfterCacheEviction(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	ev := mention(3)

	h.orch.process(context.Background(), ev)
	// Redelivery much later: in-flight lock long gone, reply record
	// still refuses.
	h.orch.process(context.Background(), ev)

	if h.publisher.count() != 1 {
		t.Errorf("published = %d, want 1 across replays", h.publisher.count())
	}
}

func TestProcessTransientRetriesThenSuccess(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	h.responder.failures = 3
	ev := mention(4)

	h.orch.process(context.Background(), ev)

	if h.responder.callCount() != 4 {
		t.Errorf("responder calls = %d, want 4 (3 failures + success)", h.responder.callCount())
	}
	if h.publisher.count() != 1 {
		t.Errorf("published = %d, want 1", h.publisher.count())
	}
}

func TestProcessRetriesExhausted(t *testing.T) {
	h := newHarness(t, 2, thread.Config{})
	h.responder.failures = 100
	ev := mention(5)

	h.orch.process(context.Background(), ev)

	if h.responder.callCount() != 3 {
		t.Errorf("responder calls = %d, want 3 (1 + 2 retries)", h.responder.callCount())
	}
	if h.publisher.count() != 0 {
		t.Errorf("published = %d, want 0", h.publisher.count())
	}
	// One alert from the caller's exhaustion, one from the terminal
	// failure streak.
	if h.sink.count() < 1 {
		t.Error("expected at least one sink alert")
	}
}

func TestProcessPolicyRefusalNoCollaboratorCalls(t *testing.T) {
	h := newHarness(t, 3, thread.Config{MaxConversationDepth: 3, MaxReplyDepth: 10})

	// Build a lineage of depth 3.
	root := mention(10)
	h.tracker.RecordAndEvaluate(root)
	prev := root
	for i := 11; i < 13; i++ {
		ev := mention(i)
		ev.ParentID = prev.ID
		ev.RootID = root.ID
		h.tracker.RecordAndEvaluate(ev)
		prev = ev
	}

	deep := mention(13)
	deep.ParentID = prev.ID
	deep.RootID = root.ID
	h.orch.process(context.Background(), deep)

	if h.responder.callCount() != 0 {
		t.Errorf("responder calls = %d, want 0 for policy refusal", h.responder.callCount())
	}
	// The only publish allowed is the one-time limit notice.
	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1 (limit notice)", h.publisher.count())
	}
	if !strings.Contains(h.publisher.post(0).text, "thread") {
		t.Errorf("notice text = %q", h.publisher.post(0).text)
	}

	// A sibling refusal in the same lineage publishes nothing more.
	deep2 := mention(14)
	deep2.ParentID = prev.ID
	deep2.RootID = root.ID
	h.orch.process(context.Background(), deep2)
	if h.publisher.count() != 1 {
		t.Errorf("published = %d, notice must go out once per lineage", h.publisher.count())
	}
}

func TestProcessSplitsLongReply(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	h.responder.response = strings.Repeat("All work and no play makes the bot a dull bot. ", 20)
	ev := mention(20)

	h.orch.process(context.Background(), ev)

	if h.publisher.count() < 2 {
		t.Fatalf("published = %d, want a split thread", h.publisher.count())
	}
	// Chain: each part replies to the previous one.
	second := h.publisher.post(1)
	if second.parent.URI == ev.ID {
		t.Error("second part should reply to the first part, not the event")
	}
	for i := 0; i < h.publisher.count(); i++ {
		if len(h.publisher.post(i).text) > 300 {
			t.Errorf("part %d exceeds limit", i)
		}
	}
}

func TestProcessSplitCappedByReplyBudget(t *testing.T) {
	h := newHarness(t, 3, thread.Config{MaxReplyDepth: 2})
	h.responder.response = strings.Repeat("A very long answer that needs many posts to deliver. ", 30)
	ev := mention(21)

	h.orch.process(context.Background(), ev)

	if h.publisher.count() != 2 {
		t.Errorf("published = %d, want 2 (reply budget)", h.publisher.count())
	}
}

func TestProcessImageAttachment(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	h.responder.response = "Here you go!\nIMAGE_PROMPT: a lighthouse"
	ev := mention(22)

	h.orch.process(context.Background(), ev)

	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1", h.publisher.count())
	}
	post := h.publisher.post(0)
	if post.att == nil {
		t.Fatal("attachment missing")
	}
	if post.att.MimeType != "image/png" {
		t.Errorf("attachment mime = %q", post.att.MimeType)
	}
	if post.att.AltText != "a lighthouse" {
		t.Errorf("alt text = %q, want the prompt", post.att.AltText)
	}
	if strings.Contains(post.text, "IMAGE_PROMPT") {
		t.Error("marker leaked into published text")
	}
}

func TestProcessMediaFailureDegradesToText(t *testing.T) {
	h := newHarness(t, 0, thread.Config{})
	h.responder.response = "Sorry, no picture.\nIMAGE_PROMPT: something"
	h.media.err = remote.Permanent(errors.New("content policy"))
	ev := mention(23)

	h.orch.process(context.Background(), ev)

	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1 (text-only fallback)", h.publisher.count())
	}
	if h.publisher.post(0).att != nil {
		t.Error("attachment should be dropped on media failure")
	}
}

func TestMediaRetriesUseVideoPolicy(t *testing.T) {
	// The generation service allows 3 retries, but video carries its
	// own budget of 1: a persistently failing video call makes exactly
	// 2 attempts and the reply degrades to text.
	h := newHarness(t, 3, thread.Config{})
	h.orch.cfg.VideoPolicy = &remote.Policy{
		MaxRetries:   1,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
	h.responder.response = "A moving picture.\nVIDEO_PROMPT: waves"
	h.media.err = remote.Transient(errors.New("render backlog"))
	ev := mention(24)

	h.orch.process(context.Background(), ev)

	if got := h.media.attemptCount(); got != 2 {
		t.Errorf("media attempts = %d, want 2", got)
	}
	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1 (text-only fallback)", h.publisher.count())
	}
	if h.publisher.post(0).att != nil {
		t.Error("attachment should be dropped after video retries exhaust")
	}
}

func TestMediaMemoryCeilingDegradesToText(t *testing.T) {
	// A 1 MB ceiling is always exceeded by a running test process, so
	// media generation is never attempted and the reply goes out as
	// text.
	h := newHarness(t, 3, thread.Config{})
	h.orch.cfg.MemoryCeilingMB = 1
	h.responder.response = "Look at this.\nIMAGE_PROMPT: a lighthouse"
	ev := mention(25)

	h.orch.process(context.Background(), ev)

	if got := h.media.attemptCount(); got != 0 {
		t.Errorf("media attempts = %d, want 0", got)
	}
	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1 (text-only fallback)", h.publisher.count())
	}
	if h.publisher.post(0).att != nil {
		t.Error("attachment should be dropped under memory pressure")
	}
}

func TestPostStandalone(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})
	h.responder.response = "A scheduled thought about lighthouses."

	if err := h.orch.PostStandalone(context.Background(), "post something interesting"); err != nil {
		t.Fatal(err)
	}
	if h.publisher.count() != 1 {
		t.Fatalf("published = %d, want 1", h.publisher.count())
	}
	if h.publisher.post(0).parent != nil {
		t.Error("standalone post should have no parent")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t, 3, thread.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.Start(ctx)

	h.events <- *mention(30)
	h.events <- *mention(31)

	deadline := time.After(5 * time.Second)
	for h.publisher.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out, published = %d", h.publisher.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	h.orch.Stop(time.Second)

	if got := h.orch.Snapshot().Processed; got != 2 {
		t.Errorf("processed = %d, want 2", got)
	}
}
