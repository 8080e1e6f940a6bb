// Command sttgateway runs the real-time speech transcription gateway: it
// loads a whisper.cpp model once, accepts WebSocket connections carrying PCM
// audio, and streams back incremental transcripts per spec.md.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arcbeam/sttgateway/internal/config"
	"github.com/arcbeam/sttgateway/internal/ledger"
	"github.com/arcbeam/sttgateway/internal/observe"
	"github.com/arcbeam/sttgateway/internal/recognizer/whisper"
	"github.com/arcbeam/sttgateway/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Defaults()

	// First pass: bind flags against the built-in defaults purely to
	// discover --config, without committing to its values yet.
	fs := flag.NewFlagSet("sttgateway", flag.ContinueOnError)
	configPath := config.BindFlags(fs, &cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "sttgateway: %v\n", err)
		return 2
	}

	if *configPath != "" {
		// Second pass: reload defaults, overlay the YAML file onto them,
		// then re-bind and re-parse the same flags so explicit
		// command-line flags still win over the file.
		overlaid, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sttgateway: %v\n", err)
			return 1
		}
		cfg = *overlaid

		fs = flag.NewFlagSet("sttgateway", flag.ContinueOnError)
		config.BindFlags(fs, &cfg)
		if err := fs.Parse(os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "sttgateway: %v\n", err)
			return 2
		}
	}

	if err := config.Validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sttgateway: invalid configuration: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sttgateway starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model", cfg.Model.Path,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer shutdownTelemetry(context.Background())

	// InitProvider already installed the global meter provider; build the
	// gateway's instrument set against it.
	metrics := observe.DefaultMetrics()

	engine, err := whisper.New(cfg.Model.Path, whisper.WithMaxConcurrentInferences(cfg.Model.MaxConcurrentInferences))
	if err != nil {
		slog.Error("failed to load recognition model", "path", cfg.Model.Path, "err", err)
		return 1
	}
	defer engine.Close()

	led, err := ledger.Open(ctx, cfg.Ledger.PostgresDSN)
	if err != nil {
		slog.Error("failed to open session ledger", "err", err)
		return 1
	}

	// --host is informational only (spec.md §6); the listener always binds
	// every interface on the configured port, matching the reference
	// server's socket setup.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := server.New(addr, cfg.Server.SampleRate, cfg.Session, engine, metrics, logger,
		server.WithLedger(led),
		server.WithCloser(func(context.Context) error {
			led.Close()
			return nil
		}),
	)

	slog.Info("server ready — press Ctrl+C to shut down")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

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
