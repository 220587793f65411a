// Command voicescribe is the main entry point for the voicescribe Discord
// transcription bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicescribe/internal/app"
	"github.com/MrWong99/voicescribe/internal/config"
	discordbot "github.com/MrWong99/voicescribe/internal/discord"
	"github.com/MrWong99/voicescribe/internal/health"
	"github.com/MrWong99/voicescribe/internal/observe"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicescribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicescribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicescribe starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Capture.Mode,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg, metrics)

	providers, closers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(discordbot.Config{
		Token:     cfg.Discord.Token,
		GuildIDs:  cfg.Discord.GuildIDs,
		QueueSize: cfg.Discord.QueueSize,
		OnDrop: func(guildID, userID string) {
			metrics.RecordQueueDropped(context.Background(), "transport", 1)
			slog.Debug("transport frame dropped", "guild_id", guildID, "user_id", userID)
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	providers.Platform = bot.Platform()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithMetrics(metrics), app.WithLogger(logger)}
	for _, c := range closers {
		opts = append(opts, app.WithCloser(c))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	presence := discordbot.NewPresence(application.Registry(),
		discordbot.WithGuilds(cfg.Discord.GuildIDs...),
		discordbot.WithPresenceLogger(logger),
	)
	discordbot.RegisterStatus(bot.Router(), application.Registry(), presence)
	if err := bot.Open(ctx, presence); err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}

	// ── HTTP: health + metrics ────────────────────────────────────────────────
	checkers := []health.Checker{
		health.Connected("gateway", bot.Connected),
		health.DirWritable("transcripts", cfg.Transcripts.Dir),
	}
	if cfg.Capture.Mode == "batch" {
		checkers = append(checkers, health.DirWritable("recordings", cfg.Segment.Dir))
	}
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			stop()
		}
	}()

	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
		}
	}()

	printStartupSummary(cfg)
	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	// Sessions flush and voice connections close before the gateway goes away.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicescribe: startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  %-12s    : %-19s ║\n", "Mode", cfg.Capture.Mode)
	if cfg.Capture.Mode == "live" {
		printProvider("Recognizer", cfg.Recognizer.Name, cfg.Recognizer.Model)
	} else {
		printProvider("Engine", cfg.Transcode.Engine, cfg.Transcode.Codec)
		if cfg.Offline.Enabled {
			printProvider("Transcriber", cfg.Offline.Transcriber.Name, "")
		}
	}
	if cfg.Summary.Enabled {
		printProvider("Summary LLM", cfg.Summary.LLM.Name, cfg.Summary.LLM.Model)
	}
	printProvider("Transcripts", cfg.Transcripts.Dir, "")
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
