// Command jamroom is the main entry point for the jamroom session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tonefield/jamroom/internal/app"
	"github.com/tonefield/jamroom/internal/config"
	"github.com/tonefield/jamroom/internal/observe"
)

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
			fmt.Fprintf(os.Stderr, "jamroom: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "jamroom: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("jamroom starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// Must run before app.New so the metric instruments bind to the real
	// provider rather than the no-op default.
	telShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "jamroom"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, application.LocalParticipant())

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, local string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       jamroom — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Local musician", local)
	printEntry("Listen addr", listenAddr(cfg))
	printEntry("Prefs store", prefsBackend(cfg))
	printEntry("SoundFont", soundFontSummary(cfg))
	printEntry("MIDI input", midiSummary(cfg))
	printEntry("Catalogs", catalogSummary(cfg))
	if cfg.Session.WarmStart {
		printEntry("Warm start", "on")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s: %-19s ║\n", label, value)
}

func listenAddr(cfg *config.Config) string {
	if cfg.Server.ListenAddr == "" {
		return ":8080"
	}
	return cfg.Server.ListenAddr
}

func prefsBackend(cfg *config.Config) string {
	if cfg.Prefs.PostgresDSN != "" {
		return "postgres"
	}
	return "in-memory"
}

func soundFontSummary(cfg *config.Config) string {
	if cfg.Audio.SoundFont == "" {
		return "(none)"
	}
	return filepath.Base(cfg.Audio.SoundFont)
}

func midiSummary(cfg *config.Config) string {
	if !cfg.MIDI.Enabled {
		return "(disabled)"
	}
	if cfg.MIDI.Port != "" {
		return cfg.MIDI.Port
	}
	return "first available"
}

func catalogSummary(cfg *config.Config) string {
	if len(cfg.Catalogs) == 0 {
		return "built-in defaults"
	}
	return fmt.Sprintf("%d overridden", len(cfg.Catalogs))
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
