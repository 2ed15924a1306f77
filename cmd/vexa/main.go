// Command vexa is the realtime speech-to-text gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jasonkneen/vexa/internal/app"
	"github.com/jasonkneen/vexa/internal/config"
	"github.com/jasonkneen/vexa/internal/health"
	"github.com/jasonkneen/vexa/internal/observe"
	"github.com/jasonkneen/vexa/pkg/provider/stt"
	"github.com/jasonkneen/vexa/pkg/provider/stt/whispercgo"
	"github.com/jasonkneen/vexa/pkg/provider/stt/whisperhttp"
	"github.com/jasonkneen/vexa/pkg/provider/vad"
	"github.com/jasonkneen/vexa/pkg/provider/vad/energy"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (omit to run on defaults)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "vexa: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "vexa: %v\n", err)
			}
			return 1
		}
		cfg = loaded
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("vexa starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", string(cfg.Server.Backend),
		"log_level", string(cfg.Server.LogLevel),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup()
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	deps, closeProviders, err := buildDeps(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}
	defer closeProviders()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, deps)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exitCode := 0
	switch err := application.Run(ctx); {
	case errors.Is(err, health.ErrUnhealthy):
		slog.Error("self-monitor gave up, exiting", "error", err)
		exitCode = 1
	case err != nil && !errors.Is(err, context.Canceled):
		slog.Error("run error", "error", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return 1
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the transcriber and detector factories that
// ship with vexa into reg. External builds may register more before calling
// buildDeps.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTranscriber(config.ProviderWhisperHTTP, func(tc config.TranscriberConfig) (stt.Transcriber, error) {
		var opts []whisperhttp.Option
		if tc.Model != "" {
			opts = append(opts, whisperhttp.WithModel(tc.Model))
		}
		return whisperhttp.New(tc.ServerURL, opts...)
	})

	reg.RegisterTranscriber(config.ProviderWhisperCGo, func(tc config.TranscriberConfig) (stt.Transcriber, error) {
		var opts []whispercgo.Option
		if tc.Language != "" {
			opts = append(opts, whispercgo.WithLanguage(tc.Language))
		}
		return whispercgo.New(tc.ModelPath, opts...)
	})

	reg.RegisterDetector(config.ProviderEnergyVAD, func(vc config.VADConfig) (vad.Detector, error) {
		return energy.New(vc.Threshold), nil
	})
}

// buildDeps instantiates the transcriber and the optional voice activity
// detector named in cfg. The returned closer releases provider resources and
// is safe to call after the app has stopped.
func buildDeps(cfg *config.Config, reg *config.Registry) (app.Deps, func(), error) {
	var deps app.Deps

	transcriber, err := reg.CreateTranscriber(cfg.Transcriber)
	if err != nil {
		return deps, nil, fmt.Errorf("create transcriber %q: %w", cfg.Transcriber.Provider, err)
	}
	deps.Transcriber = transcriber
	slog.Info("transcriber created", "provider", cfg.Transcriber.Provider)

	if cfg.VAD.IsEnabled() {
		detector, err := reg.CreateDetector(cfg.VAD)
		if err != nil {
			return deps, nil, fmt.Errorf("create vad %q: %w", cfg.VAD.Provider, err)
		}
		deps.Detector = detector
		slog.Info("voice activity detector created", "provider", cfg.VAD.Provider)
	}

	closer := func() {
		// The whisper-cgo transcriber holds a loaded model; release it.
		if c, ok := deps.Transcriber.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn("transcriber close error", "error", err)
			}
		}
	}
	return deps, closer, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Printf("║  %-37s ║\n", "vexa startup summary")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Backend", string(cfg.Server.Backend))
	transcriber := cfg.Transcriber.Provider
	if cfg.Transcriber.Model != "" {
		transcriber += " / " + cfg.Transcriber.Model
	} else if cfg.Transcriber.ModelPath != "" {
		transcriber += " / " + cfg.Transcriber.ModelPath
	}
	printRow("Transcriber", transcriber)
	if cfg.VAD.IsEnabled() {
		printRow("VAD", cfg.VAD.Provider)
	} else {
		printRow("VAD", "(disabled)")
	}
	printRow("Event log", cfg.EventLog.StreamKey)
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Health addr", cfg.Health.ListenAddr)
	if cfg.Observability.MetricsAddr != "" {
		printRow("Metrics addr", cfg.Observability.MetricsAddr)
	} else {
		printRow("Metrics addr", "(disabled)")
	}
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
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
