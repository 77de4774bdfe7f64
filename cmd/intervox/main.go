// Command intervox streams captured interview audio to a realtime
// transcription endpoint.
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/intervox/internal/app"
	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/stream"
	"github.com/MrWong99/intervox/pkg/audio"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	inputPath := flag.String("input", "", `audio to stream: a .wav file, raw s16le 24 kHz mono PCM, or "-" for stdin`)
	envPath := flag.String("env", ".env", "optional dotenv file holding "+config.APIKeyEnv)
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "intervox: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "intervox: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "intervox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.LogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("intervox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "intervox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Capture source ────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(levelVar),
		app.WithMetrics(observe.DefaultMetrics()),
	}
	if *inputPath != "" {
		src, closeSrc, err := openSource(*inputPath, cfg.Capture.ChunkDuration)
		if err != nil {
			slog.Error("failed to open input", "input", *inputPath, "err", err)
			return 1
		}
		defer closeSrc()
		opts = append(opts, app.WithSource(src))
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(os.Stdout, cfg, *inputPath)

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	printStatsSummary(os.Stdout, application.Service().Statistics())

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Input ─────────────────────────────────────────────────────────────────────

// openSource opens path as a capture source. "-" reads raw PCM from stdin;
// files ending in .wav are parsed as RIFF/WAVE; anything else is raw s16le
// in the stream format.
func openSource(path string, frameDuration time.Duration) (*audio.Source, func(), error) {
	if path == "-" {
		src, err := audio.NewRawSource(os.Stdin, audio.StreamFormat, frameDuration)
		return src, func() {}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = f.Close() }

	var src *audio.Source
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		src, err = audio.NewWAVSource(f, frameDuration)
	} else {
		src, err = audio.NewRawSource(f, audio.StreamFormat, frameDuration)
	}
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return src, closeFn, nil
}

// ── Summaries ─────────────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config, input string) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       intervox - startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	primary := "(none)"
	if len(cfg.Realtime.Endpoints) > 0 {
		primary = cfg.Realtime.Endpoints[0].Name
	}
	printRow(w, "Endpoint", primary)
	printRow(w, "Fallbacks", max(len(cfg.Realtime.Endpoints)-1, 0))
	printRow(w, "Model", cfg.Realtime.Model)
	printRow(w, "Buffer", cfg.Stream.BufferCapacity)
	printRow(w, "Max ops/s", cfg.Stream.MaxOpsPerSecond)
	storage := "memory"
	if cfg.Storage.PostgresDSN != "" {
		storage = "postgres"
	}
	printRow(w, "Snapshots", storage)
	if input == "" {
		input = "(none)"
	}
	printRow(w, "Input", input)
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printStatsSummary(w io.Writer, st stream.Statistics) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║       intervox - session summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Queued", st.ChunksQueued)
	printRow(w, "Sent", st.ChunksSent)
	printRow(w, "Bytes sent", st.TotalBytesSent)
	printRow(w, "Send errors", st.SendErrors)
	printRow(w, "Backpressure", st.BackpressureEvents)
	printRow(w, "Avg latency", st.AverageLatency.Round(time.Microsecond))
	printRow(w, "Success rate", fmt.Sprintf("%.1f%%", st.SuccessRate()*100))
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label string, value any) {
	s := fmt.Sprint(value)
	if len([]rune(s)) > 19 {
		s = string([]rune(s)[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s : %-19s ║\n", label, s)
}
