// internal/stream/consumer.go
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/symmetricalboy/msinfo-bot/internal/metric"
	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

const (
	collectionPost   = "app.bsky.feed.post"
	handshakeTimeout = 45 * time.Second
	readDeadline     = 60 * time.Second
	// How often the in-memory cursor is written to disk.
	cursorSaveInterval = 30 * time.Second
)

// Config controls a Consumer.
type Config struct {
	// Endpoint is the Jetstream websocket URL, without query parameters.
	Endpoint string
	// BotDID identifies the bot's own repo; its posts are never emitted.
	BotDID string
	// BotHandle is matched as "@handle" in post text as a mention
	// fallback when no facet carries the DID.
	BotHandle string

	QueueSize             int
	ReconnectBase         time.Duration
	ReconnectMax          time.Duration
	FailureAlertThreshold int
}

// Consumer maintains a persistent Jetstream subscription and emits the
// subset of firehose posts addressed to the bot: mentions and direct
// replies to the bot's own posts. Events flow out on a bounded channel;
// a full channel blocks the read loop rather than dropping.
type Consumer struct {
	cfg     Config
	cursors types.CursorStore
	sink    types.Notifier
	metrics *metric.Set

	events chan types.Event
	dialer *websocket.Dialer

	lastTimeUS atomic.Int64
	failures   int

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// jetstreamMessage is the envelope Jetstream sends for each repo event.
type jetstreamMessage struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

type jetstreamCommit struct {
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// postRecord is the subset of app.bsky.feed.post the consumer needs.
type postRecord struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Reply     *struct {
		Root   types.ReplyRef `json:"root"`
		Parent types.ReplyRef `json:"parent"`
	} `json:"reply,omitempty"`
	Facets []struct {
		Features []struct {
			Type string `json:"$type"`
			DID  string `json:"did,omitempty"`
		} `json:"features"`
	} `json:"facets,omitempty"`
}

// NewConsumer creates a consumer. Events are not read until Start.
func NewConsumer(cfg Config, cursors types.CursorStore, sink types.Notifier, metrics *metric.Set) *Consumer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 5 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 5 * time.Minute
	}
	if cfg.FailureAlertThreshold <= 0 {
		cfg.FailureAlertThreshold = 5
	}
	return &Consumer{
		cfg:      cfg,
		cursors:  cursors,
		sink:     sink,
		metrics:  metrics,
		events:   make(chan types.Event, cfg.QueueSize),
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		shutdown: make(chan struct{}),
	}
}

// Events returns the channel of filtered events. Closed after Stop
// returns.
func (c *Consumer) Events() <-chan types.Event {
	return c.events
}

// Start connects and begins emitting events. Returns immediately; the
// connection loop runs until Stop or context cancellation.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cursors != nil {
		cursor, err := c.cursors.Load(ctx)
		if err != nil {
			slog.Warn("load stream cursor failed, starting from now", "error", err)
		} else {
			c.lastTimeUS.Store(cursor)
		}
	}

	c.wg.Add(2)
	go c.connectLoop(ctx)
	go c.cursorLoop(ctx)
	return nil
}

// Stop closes the connection, persists the cursor and closes Events.
func (c *Consumer) Stop() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})
	c.wg.Wait()
	c.persistCursor(context.Background())
	close(c.events)
}

func (c *Consumer) connectLoop(ctx context.Context) {
	defer c.wg.Done()

	delay := c.cfg.ReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		conn, _, err := c.dialer.DialContext(ctx, c.subscribeURL(), nil)
		if err != nil {
			c.failures++
			slog.Warn("jetstream connect failed",
				"endpoint", c.cfg.Endpoint, "attempt", c.failures, "error", err)
			c.metrics.IncReconnects()
			if c.failures == c.cfg.FailureAlertThreshold && c.sink != nil {
				c.sink.Notify(types.SeverityCritical,
					fmt.Sprintf("firehose unreachable after %d attempts: %v", c.failures, err))
			}
			if !c.sleep(ctx, withJitter(delay)) {
				return
			}
			delay = min(delay*2, c.cfg.ReconnectMax)
			continue
		}

		slog.Info("jetstream connected", "endpoint", c.cfg.Endpoint, "cursor", c.lastTimeUS.Load())
		c.failures = 0
		delay = c.cfg.ReconnectBase

		c.readLoop(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
			c.metrics.IncReconnects()
			if !c.sleep(ctx, withJitter(delay)) {
				return
			}
			delay = min(delay*2, c.cfg.ReconnectMax)
		}
	}
}

func (c *Consumer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("jetstream read failed", "error", err)
			return
		}

		var msg jetstreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("skipping undecodable jetstream message", "error", err)
			continue
		}
		if msg.TimeUS > 0 {
			c.lastTimeUS.Store(msg.TimeUS)
		}

		ev, ok := c.classify(&msg)
		if !ok {
			continue
		}
		c.metrics.IncReceived()

		// Blocking send: a full queue applies backpressure to the
		// socket instead of dropping events.
		select {
		case c.events <- ev:
			c.metrics.SetQueueDepth(len(c.events))
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		}
	}
}

// classify decides whether a firehose message is addressed to the bot
// and converts it to a types.Event if so.
func (c *Consumer) classify(msg *jetstreamMessage) (types.Event, bool) {
	if msg.Kind != "commit" || msg.Commit == nil {
		return types.Event{}, false
	}
	commit := msg.Commit
	if commit.Operation != "create" || commit.Collection != collectionPost {
		return types.Event{}, false
	}
	if msg.DID == c.cfg.BotDID {
		return types.Event{}, false
	}

	var rec postRecord
	if err := json.Unmarshal(commit.Record, &rec); err != nil {
		return types.Event{}, false
	}

	kind, ok := c.eventKind(&rec)
	if !ok {
		return types.Event{}, false
	}

	ev := types.Event{
		ID:        types.MakeEventID(msg.DID, collectionPost, commit.RKey),
		CID:       commit.CID,
		AuthorDID: msg.DID,
		Text:      rec.Text,
		Kind:      kind,
		CreatedAt: rec.CreatedAt,
		TimeUS:    msg.TimeUS,
	}
	if rec.Reply != nil {
		ev.ParentID = rec.Reply.Parent.URI
		ev.RootID = rec.Reply.Root.URI
	}
	return ev, true
}

// eventKind reports whether the post is addressed to the bot: a direct
// reply to a bot post, or a mention by facet or @handle text.
func (c *Consumer) eventKind(rec *postRecord) (types.EventKind, bool) {
	if rec.Reply != nil && rec.Reply.Parent.URI.DID() == c.cfg.BotDID {
		return types.KindReply, true
	}
	for _, facet := range rec.Facets {
		for _, feat := range facet.Features {
			if feat.Type == "app.bsky.richtext.facet#mention" && feat.DID == c.cfg.BotDID {
				return types.KindMention, true
			}
		}
	}
	if c.cfg.BotHandle != "" && strings.Contains(rec.Text, "@"+c.cfg.BotHandle) {
		return types.KindMention, true
	}
	return "", false
}

func (c *Consumer) subscribeURL() string {
	q := url.Values{}
	q.Set("wantedCollections", collectionPost)
	if cursor := c.lastTimeUS.Load(); cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	return c.cfg.Endpoint + "?" + q.Encode()
}

func (c *Consumer) cursorLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(cursorSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.persistCursor(ctx)
		}
	}
}

func (c *Consumer) persistCursor(ctx context.Context) {
	if c.cursors == nil {
		return
	}
	cursor := c.lastTimeUS.Load()
	if cursor == 0 {
		return
	}
	if err := c.cursors.Save(ctx, cursor); err != nil {
		slog.Warn("persist stream cursor failed", "error", err)
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	}
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
