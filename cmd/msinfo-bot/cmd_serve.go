package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/symmetricalboy/msinfo-bot/internal/bsky"
	ctxengine "github.com/symmetricalboy/msinfo-bot/internal/context"
	"github.com/symmetricalboy/msinfo-bot/internal/dedup"
	"github.com/symmetricalboy/msinfo-bot/internal/metric"
	"github.com/symmetricalboy/msinfo-bot/internal/notify"
	"github.com/symmetricalboy/msinfo-bot/internal/ops"
	"github.com/symmetricalboy/msinfo-bot/internal/orchestrator"
	"github.com/symmetricalboy/msinfo-bot/internal/ratelimit"
	"github.com/symmetricalboy/msinfo-bot/internal/remote"
	"github.com/symmetricalboy/msinfo-bot/internal/scheduler"
	"github.com/symmetricalboy/msinfo-bot/internal/state"
	"github.com/symmetricalboy/msinfo-bot/internal/stream"
	"github.com/symmetricalboy/msinfo-bot/internal/thread"
	"github.com/symmetricalboy/msinfo-bot/internal/types"
	"github.com/symmetricalboy/msinfo-bot/pkg/genai"
	"github.com/symmetricalboy/msinfo-bot/pkg/genai/gemini"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bot daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "msinfo-bot.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if missing := cfg.Validate(); len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := metric.New()

	// Bluesky client; resolving the DID also verifies the credentials.
	client := bsky.NewClient(bsky.Config{
		Handle:   cfg.Bluesky.Handle,
		Password: cfg.Bluesky.Password,
		PDSHost:  cfg.Bluesky.PDSHost,
	})
	botDID := cfg.Bluesky.DID
	if botDID == "" {
		botDID, err = client.DID(ctx)
		if err != nil {
			return fmt.Errorf("resolve bot DID: %w", err)
		}
	}

	sink := notify.NewSink(client, notify.Options{
		DeveloperDID:        cfg.Bluesky.DeveloperDID,
		DeveloperHandle:     cfg.Bluesky.DeveloperHandle,
		AllowPublicFallback: cfg.Bluesky.DeveloperHandle != "",
		DeliveryTimeout:     time.Duration(cfg.Bluesky.DMTimeoutSeconds) * time.Second,
	})

	limiter := ratelimit.New(map[types.ServiceID]time.Duration{
		types.ServiceGemini:  time.Duration(cfg.Gemini.MinIntervalMS) * time.Millisecond,
		types.ServiceBluesky: time.Duration(cfg.Bluesky.MinIntervalMS) * time.Millisecond,
	}, 500*time.Millisecond)

	geminiPolicy := remote.Policy{
		MaxRetries:   cfg.Gemini.TextRetries,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Jitter:       true,
	}
	caller := remote.New(limiter, sink, metrics, map[types.ServiceID]remote.Policy{
		types.ServiceGemini: geminiPolicy,
		types.ServiceBluesky: {
			MaxRetries:   cfg.Bluesky.PublishRetries,
			InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
			Jitter:       true,
		},
	})

	// Image and video share the Gemini pacer but carry their own retry
	// budgets.
	imagePolicy := geminiPolicy
	imagePolicy.MaxRetries = cfg.Gemini.ImageRetries
	videoPolicy := geminiPolicy
	videoPolicy.MaxRetries = cfg.Gemini.VideoRetries

	// Stores
	replies := state.NewReplyRecordStore(cfg.DataDir, cfg.Limits.CompletedCacheSize)
	cursors := state.NewCursorFile(cfg.DataDir)

	tracker := thread.New(botDID, thread.Config{
		MaxConversationDepth: cfg.Limits.MaxConversationDepth,
		MaxReplyDepth:        cfg.Limits.MaxReplyDepth,
		LoopGuardExchanges:   cfg.Limits.LoopGuardExchanges,
		MaxAge:               time.Duration(cfg.Limits.ThreadMaxAgeHours) * time.Hour,
	})

	guard, err := dedup.New(cfg.Limits.CompletedCacheSize)
	if err != nil {
		return fmt.Errorf("create dedup guard: %w", err)
	}

	engine, err := ctxengine.New(cfg.Limits.ContextDepth, cfg.Limits.MaxContextTokens)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	model := gemini.New(&genai.Config{
		BaseURL:           cfg.Gemini.BaseURL,
		APIKey:            cfg.Gemini.APIKey,
		TextModel:         cfg.Gemini.TextModel,
		ImageModel:        cfg.Gemini.ImageModel,
		VideoModel:        cfg.Gemini.VideoModel,
		SystemInstruction: ctxengine.DefaultPersona,
	})

	consumer := stream.NewConsumer(stream.Config{
		Endpoint:              cfg.Stream.Endpoint,
		BotDID:                botDID,
		BotHandle:             cfg.Bluesky.Handle,
		QueueSize:             cfg.Stream.QueueSize,
		ReconnectBase:         time.Duration(cfg.Stream.ReconnectBaseSeconds) * time.Second,
		ReconnectMax:          time.Duration(cfg.Stream.ReconnectMaxSeconds) * time.Second,
		FailureAlertThreshold: cfg.Stream.FailureAlertThreshold,
	}, cursors, sink, metrics)

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:         int64(cfg.Limits.MaxConcurrent),
		ContextDepth:          cfg.Limits.ContextDepth,
		PostLengthLimit:       cfg.Bluesky.PostLengthLimit,
		MediaWaitTimeout:      time.Duration(cfg.Media.WaitTimeoutMinutes) * time.Minute,
		ImagePolicy:           &imagePolicy,
		VideoPolicy:           &videoPolicy,
		MemoryCeilingMB:       uint64(cfg.Limits.MemoryCeilingMB),
		ThreadMaxAge:          time.Duration(cfg.Limits.ThreadMaxAgeHours) * time.Hour,
		FailureAlertThreshold: cfg.Stream.FailureAlertThreshold,
	}, orchestrator.Deps{
		Events:    consumer.Events(),
		Guard:     guard,
		Tracker:   tracker,
		Caller:    caller,
		Engine:    engine,
		Responder: model,
		Media:     model,
		Publisher: client,
		Fetcher:   client,
		Replies:   replies,
		Sink:      sink,
		Metrics:   metrics,
		Split:     bsky.SplitPost,
	})

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start stream consumer: %w", err)
	}
	orch.Start(ctx)

	// Scheduler for automatic standalone posts
	if cfg.AutoPost.Enabled {
		sched := scheduler.New(func(instruction string) {
			if err := orch.PostStandalone(ctx, instruction); err != nil {
				slog.Error("scheduled post failed", "error", err)
			}
		})
		if err := sched.Add("auto_post", cfg.AutoPost.Schedule, cfg.AutoPost.Instruction); err != nil {
			return fmt.Errorf("register auto-post schedule: %w", err)
		}
		sched.Start()
		defer sched.Stop()
		slog.Info("auto-post scheduler started", "schedule", cfg.AutoPost.Schedule)
	}

	// Ops HTTP server
	if cfg.Ops.Enabled {
		opsSrv := &http.Server{
			Addr:    cfg.Ops.Listen,
			Handler: ops.NewServer(orch, metrics),
		}
		go func() {
			slog.Info("ops server started", "listen", cfg.Ops.Listen)
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ops server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			opsSrv.Close()
		}()
	}

	slog.Info("msinfo-bot started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"bot_did", botDID,
		"stream_endpoint", cfg.Stream.Endpoint,
		"text_model", cfg.Gemini.TextModel,
		"max_concurrent", cfg.Limits.MaxConcurrent,
		"pid_file", pidPath,
	)
	sink.NotifyStartup(version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM: stop intake first so the orchestrator can
		// drain, then flush pending alerts.
		slog.Info("shutting down", "signal", sig)
		consumer.Stop()
		orch.Stop(30 * time.Second)
		sink.Flush()
		return nil
	}
}
