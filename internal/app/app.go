// Package app wires the Parley subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New opens the audio device and
// builds the HTTP surface, Run starts both audio directions and serves HTTP
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, pass a mock [device.Backend] to New and inject the remaining
// collaborators via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/bridge"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// httpShutdownTimeout bounds how long Run waits for in-flight requests once
// its context is cancelled.
const httpShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	backend device.Backend
	logger  *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	// metricsHandler is mounted at /metrics when set.
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	pipe    *pipeline.Orchestrator
	bridge  *bridge.Bridge
	health  *health.Handler
	handler http.Handler
	server  *http.Server

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger handed to every subsystem. The default is
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level live.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the instruments. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App on backend. It initialises the pipeline, so the device
// is open when New returns; call Shutdown to release it.
func New(ctx context.Context, cfg *config.Config, backend device.Backend, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		backend: backend,
		ready:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Pipeline ──────────────────────────────────────────────────────
	a.pipe = pipeline.New(backend, PipelineConfig(cfg),
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
	)
	if err := a.pipe.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 2. Bridge ────────────────────────────────────────────────────────
	if cfg.Bridge.IsEnabled() {
		a.bridge = bridge.New(
			bridge.WithMode(bridge.Mode(cfg.Bridge.Mode)),
			bridge.WithQueueSize(cfg.Bridge.QueueSize),
			bridge.WithOriginPatterns(cfg.Bridge.OriginPatterns...),
			bridge.WithLogger(a.logger),
			bridge.WithMetrics(a.metrics),
		)
		a.bridge.Attach(a.pipe)
	}

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(health.For("pipeline", a.pipe))
	if a.bridge != nil {
		a.health.Add(health.Optional("bridge", a.bridge))
	}

	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	if a.bridge != nil {
		mux.Handle(cfg.Bridge.Path, a.bridge)
	}
	a.handler = observe.Middleware(a.metrics, a.logger)(mux)
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// PipelineConfig maps the audio and recovery sections of cfg onto a
// [pipeline.Config].
func PipelineConfig(cfg *config.Config) pipeline.Config {
	au := cfg.Audio
	return pipeline.Config{
		Format:         au.Format(),
		DeviceName:     au.Device,
		Bitrate:        au.Opus.Bitrate,
		FrameDuration:  au.Opus.FrameDuration,
		DisableVBR:     !au.Opus.VBREnabled(),
		DisableDTX:     !au.Opus.DTXEnabled(),
		PeriodFrames:   au.PeriodFrames,
		ReopenAfter:    max(cfg.Recovery.ReopenAfter, 0),
		ReopenCooldown: cfg.Recovery.ReopenCooldown,
	}
}

// Pipeline returns the audio pipeline.
func (a *App) Pipeline() *pipeline.Orchestrator { return a.pipe }

// Bridge returns the WebSocket bridge, or nil when it is disabled.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr blocks until Run is listening and returns the bound address, or
// returns nil when ctx is done first.
func (a *App) Addr(ctx context.Context) net.Addr {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil
	}
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts recording and playback, serves HTTP on the configured listen
// address, and blocks until ctx is cancelled or the server fails. When ctx
// is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	if err := a.pipe.StartRecording(); err != nil {
		ln.Close()
		return fmt.Errorf("app: start recording: %w", err)
	}
	if err := a.pipe.StartPlayback(); err != nil {
		ln.Close()
		return fmt.Errorf("app: start playback: %w", err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr()
	a.addrMu.Unlock()
	close(a.ready)

	a.logger.Info("app running",
		"addr", ln.Addr().String(),
		"state", a.pipe.State().String(),
		"bridge", a.bridge != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable part of a config change and logs
// what needs a restart. It is meant as a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config change requires a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, disconnects the bridge peer, and closes the
// pipeline. It respects the context deadline for the HTTP server.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down")

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if a.bridge != nil {
			if err := a.bridge.Close(); err != nil {
				errs = append(errs, fmt.Errorf("app: close bridge: %w", err))
			}
		}
		if err := a.pipe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("app: close pipeline: %w", err))
		}

		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
