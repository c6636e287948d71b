// internal/notify/sink.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/symmetricalboy/msinfo-bot/internal/types"
)

const maxMessageLen = 1000

// Sink delivers operational alerts to the developer. Delivery is
// best-effort: a private DM first, a public mention as fallback for
// critical alerts, and a log record when everything else fails.
// Notify never blocks its caller and never propagates failures.
type Sink struct {
	publisher        types.Publisher
	developerDID     string
	developerHandle  string
	allowPublic      bool
	deliveryTimeout  time.Duration
	suppressInterval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time

	wg sync.WaitGroup
}

// Options configures a Sink.
type Options struct {
	DeveloperDID    string
	DeveloperHandle string
	// AllowPublicFallback permits a public mention of the developer when
	// the DM fails. Only critical alerts ever fall back publicly.
	AllowPublicFallback bool
	DeliveryTimeout     time.Duration
	SuppressInterval    time.Duration
}

// NewSink creates a sink delivering through the given publisher.
func NewSink(publisher types.Publisher, opts Options) *Sink {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	if opts.SuppressInterval <= 0 {
		opts.SuppressInterval = 10 * time.Minute
	}
	return &Sink{
		publisher:        publisher,
		developerDID:     opts.DeveloperDID,
		developerHandle:  opts.DeveloperHandle,
		allowPublic:      opts.AllowPublicFallback,
		deliveryTimeout:  opts.DeliveryTimeout,
		suppressInterval: opts.SuppressInterval,
		lastSent:         make(map[string]time.Time),
	}
}

// Notify sends an alert. Returns immediately; delivery happens in the
// background. Identical messages within the suppression window are
// dropped after the first.
func (s *Sink) Notify(severity types.Severity, message string) {
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen-3] + "..."
	}
	if s.suppressed(severity, message) {
		return
	}
	if s.developerDID == "" || s.publisher == nil {
		slog.Warn("alert has no delivery channel, logging only",
			"severity", severity, "message", message)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(severity, message)
	}()
}

// NotifyStartup announces that the bot came online.
func (s *Sink) NotifyStartup(version string) {
	msg := "bot started"
	if version != "" {
		msg = fmt.Sprintf("bot started (version %s)", version)
	}
	s.Notify(types.SeverityInfo, msg)
}

// Flush waits for in-flight deliveries to finish. Used during shutdown
// and in tests.
func (s *Sink) Flush() {
	s.wg.Wait()
}

func (s *Sink) suppressed(severity types.Severity, message string) bool {
	key := fmt.Sprintf("%s|%s", severity, message)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.suppressInterval {
		return true
	}
	s.lastSent[key] = now
	// Drop stale suppression entries so the map stays bounded.
	for k, t := range s.lastSent {
		if now.Sub(t) >= s.suppressInterval {
			delete(s.lastSent, k)
		}
	}
	return false
}

func (s *Sink) deliver(severity types.Severity, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deliveryTimeout)
	defer cancel()

	text := fmt.Sprintf("[%s] %s", severity, message)
	dmErr := s.publisher.SendDirectMessage(ctx, s.developerDID, text)
	if dmErr == nil {
		return
	}
	slog.Warn("alert DM failed", "severity", severity, "error", dmErr)

	if severity != types.SeverityCritical || !s.allowPublic || s.developerHandle == "" {
		slog.Error("alert undeliverable, logged only",
			"severity", severity, "message", message)
		return
	}

	public := fmt.Sprintf("@%s %s", s.developerHandle, text)
	if _, err := s.publisher.Publish(ctx, nil, nil, public, nil); err != nil {
		slog.Error("alert public fallback failed",
			"severity", severity, "message", message, "error", err)
	}
}
