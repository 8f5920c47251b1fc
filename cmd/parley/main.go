// Command parley runs the full-duplex voice I/O daemon: it opens a sound
// device, streams encoded capture to a WebSocket peer and plays what the peer
// sends back.
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

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/device/portaudio"
	"github.com/MrWong99/parley/pkg/audio/device/wavfile"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the PortAudio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Device backend ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg, logger)

	backend, err := reg.Create(cfg.Audio)
	if err != nil {
		slog.Error("failed to create device backend", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, backend,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig,
		config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup forces a config reload on each SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if changed, err := w.Reload(); err != nil {
				slog.Warn("SIGHUP reload failed", "err", err)
			} else if !changed {
				slog.Info("SIGHUP reload: configuration unchanged")
			}
		}
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the device backends that ship with Parley
// into reg. Per-direction device names override the shared one.
func registerBuiltinBackends(reg *config.Registry, logger *slog.Logger) {
	reg.Register(portaudio.Name, func(cfg config.AudioConfig) (device.Backend, error) {
		return portaudio.New(
			portaudio.WithInputDevice(cfg.CaptureDevice()),
			portaudio.WithOutputDevice(cfg.PlaybackDevice()),
			portaudio.WithHighLatency(cfg.HighLatency),
			portaudio.WithLogger(logger),
		), nil
	})

	reg.Register(wavfile.Name, func(cfg config.AudioConfig) (device.Backend, error) {
		// The shared device name is a file path only when set explicitly;
		// the backend falls back to it per direction.
		if cfg.InputDevice == "" && cfg.OutputDevice == "" && cfg.Device == device.DefaultDevice {
			return nil, errors.New("wav backend needs audio.input_device, audio.output_device or audio.device")
		}
		return wavfile.New(
			wavfile.WithInput(cfg.InputDevice),
			wavfile.WithOutput(cfg.OutputDevice),
			wavfile.WithLoop(cfg.WAV.Loop),
			wavfile.WithRealtime(cfg.WAV.RealtimeEnabled()),
			wavfile.WithLogger(logger),
		), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered device backend", "name", name)
	}
}

// printDevices lists the PortAudio devices for -list-devices.
func printDevices() int {
	devices, err := portaudio.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	for i, d := range devices {
		fmt.Printf("%2d  %-40s  in:%d out:%d  %6.0f Hz  %s\n",
			i, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.HostAPI)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	au := cfg.Audio
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Parley startup summary         ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", au.Backend)
	printRow("Capture", orDefault(au.CaptureDevice()))
	printRow("Playback", orDefault(au.PlaybackDevice()))
	printRow("Format", au.Format().String())
	printRow("Opus", fmt.Sprintf("%d bps / %s", au.Opus.Bitrate, au.Opus.FrameDuration))
	if cfg.Bridge.IsEnabled() {
		printRow("Bridge", fmt.Sprintf("%s (%s)", cfg.Bridge.Path, cfg.Bridge.Mode))
	} else {
		printRow("Bridge", "(disabled)")
	}
	if cfg.Recovery.ReopenAfter > 0 {
		printRow("Reopen after", fmt.Sprintf("%d failures", cfg.Recovery.ReopenAfter))
	} else {
		printRow("Reopen after", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(name string) string {
	if name == "" {
		return "(default)"
	}
	return name
}
