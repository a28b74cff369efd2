// Command voicewire is the main entry point for the voicewire duplex audio
// client.
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

	"github.com/voicewire/voicewire/internal/app"
	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/audio/mock"
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
			fmt.Fprintf(os.Stderr, "voicewire: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level var is shared with the app so hot reloads can retune verbosity.
	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voicewire starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicewire",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Device registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, reg, observe.DefaultMetrics(),
		app.WithLogLevelVar(levelVar),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)
	slog.Info("ready — press Ctrl+C to shut down")

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

// registerBuiltinDevices wires the device backends that ship with voicewire
// into reg. Platform backends (ALSA, CoreAudio) register here once they
// exist; the mock backend keeps the pipeline runnable everywhere.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterCapture("mock", func() (audio.CaptureDevice, error) {
		return mock.NewCaptureDevice(), nil
	})
	reg.RegisterPlayback("mock", func() (audio.PlaybackDevice, error) {
		return mock.NewPlaybackDevice(), nil
	})

	slog.Debug("registered device backends", "capture", "mock", "playback", "mock")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicewire — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Input device", cfg.Audio.InputDevice)
	printRow("Capture rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("VAD", onOff(cfg.Audio.VADEnabledOrDefault()))
	printRow("Auto gain", onOff(cfg.Audio.AutoGain))
	printRow("Output device", cfg.Playback.OutputDevice)
	printRow("Playback rate", fmt.Sprintf("%d Hz", cfg.Playback.SampleRate))
	printRow("Codec", string(cfg.Transport.Codec))
	printRow("Transport", cfg.Transport.URL)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
