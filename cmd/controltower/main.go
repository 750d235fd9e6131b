package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/theteta/controltower/internal/api"
	"github.com/theteta/controltower/internal/auth"
	"github.com/theteta/controltower/internal/config"
	"github.com/theteta/controltower/internal/engine"
	"github.com/theteta/controltower/internal/events"
	"github.com/theteta/controltower/internal/history"
	"github.com/theteta/controltower/internal/ingest"
	"github.com/theteta/controltower/internal/insights"
	"github.com/theteta/controltower/internal/seed"
	"github.com/theteta/controltower/internal/store"
	"github.com/theteta/controltower/internal/wasender"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("controltower starting", "port", cfg.Port, "env", cfg.AppEnv)

	if err := cfg.ValidateProduction(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database ready")

	thresholds := engine.Thresholds{
		FirstReplySLA:   cfg.SLAFirstReplyMinutes,
		OverdueNew:      cfg.SLAOverdueNewMinutes,
		OverdueFollowUp: cfg.SLAOverdueFollowUpMinutes,
	}

	// NATS (optional; without it the pipeline just skips event publishing)
	var bus *events.Bus
	if cfg.NatsURL != "" {
		bus, err = events.Connect(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, events disabled")
	}

	// WhatsApp provider (optional; without it webhook intake still works,
	// but outbound send and history sync are disabled)
	var wa *wasender.Client
	if cfg.WasenderAPIKey != "" {
		wa = wasender.NewClient(cfg.WasenderBaseURL, cfg.WasenderAPIKey, cfg.WasenderSessionID,
			time.Duration(cfg.WasenderTimeoutSecs)*time.Second)
		slog.Info("wasender client ready", "base_url", cfg.WasenderBaseURL)
	} else {
		slog.Warn("wasender not configured, outbound send and history sync disabled")
	}

	// Insights (DeepSeek when keyed, deterministic fallback otherwise)
	var llm insights.Completer
	if cfg.DeepseekAPIKey != "" {
		llm = insights.NewDeepseekClient(cfg.DeepseekBaseURL, cfg.DeepseekAPIKey)
		slog.Info("deepseek client ready")
	} else {
		slog.Info("deepseek not configured, using fallback analyzer")
	}
	analyzer := insights.NewAnalyzer(llm, slog.Default())

	ingestor := ingest.New(db, bus, thresholds, slog.Default())

	var syncer *history.Syncer
	if wa != nil && cfg.WasenderSyncEnabled {
		syncer = history.New(db, wa, ingestor, history.Config{
			PageSize:   cfg.WasenderSyncPageSize,
			MaxPages:   cfg.WasenderSyncMaxPages,
			Thresholds: thresholds,
		}, slog.Default())
	}

	authenticator := auth.New(cfg.AuthUsername, cfg.AuthPassword, cfg.AuthPasswordHash,
		cfg.TokenSecret, time.Duration(cfg.TokenExpireMinutes)*time.Minute)

	seeder := seed.New(db, analyzer, thresholds, slog.Default())
	if cfg.AutoSeedOnStartup && cfg.AllowDemoRoutes {
		autoSeed(ctx, db, seeder)
	}

	srv := api.NewServer(cfg, api.Deps{
		Store:    db,
		Ingestor: ingestor,
		Syncer:   syncer,
		Wasender: wa,
		Analyzer: analyzer,
		Seeder:   seeder,
		Auth:     authenticator,
	}, thresholds, slog.Default())

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("controltower ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("controltower stopped")
}

// autoSeed fills an empty database with demo data so a fresh environment
// has something to show. A non-empty database is left alone.
func autoSeed(ctx context.Context, db *store.Store, seeder *seed.Seeder) {
	conversations, err := db.ListConversations(ctx)
	if err != nil {
		slog.Warn("auto-seed check failed", "error", err)
		return
	}
	if len(conversations) > 0 {
		return
	}
	stats, err := seeder.Run(ctx, seed.DefaultRequest())
	if err != nil {
		slog.Warn("auto-seed failed", "error", err)
		return
	}
	slog.Info("auto-seed complete",
		"conversations", stats.Conversations, "messages", stats.Messages, "at_risk", stats.AtRisk)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
