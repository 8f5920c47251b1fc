// Package pipeline runs full-duplex audio: it owns the device I/O layer and
// the Opus codecs, drives one capture and one playback goroutine, and moves
// audio between them and the registered callbacks.
//
// Capture and playback are independent. Starting, stopping or failing one
// direction never touches the other. Callbacks run on the goroutine of their
// direction and must not block for longer than an audio period; they must not
// call the Orchestrator's Start, Stop or Close methods.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

var (
	// ErrNotInitialized is returned by operations that need Initialize to
	// have succeeded.
	ErrNotInitialized = errors.New("pipeline: not initialized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline: closed")

	// ErrDeviceFailing is reported by Healthy while a direction's reopen
	// breaker is open.
	ErrDeviceFailing = errors.New("pipeline: device failing")
)

// Callback shapes. PCM frames handed to a CaptureFunc belong to the callee.
type (
	// CaptureFunc receives every captured PCM block.
	CaptureFunc func(audio.PCMFrame)

	// PacketFunc receives every non-empty packet encoded from captured PCM.
	PacketFunc func(audio.EncodedPacket)

	// SupplyFunc fills frame with the next PCM to play. Leaving it empty
	// means there is nothing to play right now. frame.Format is preset to
	// the negotiated playback format.
	SupplyFunc func(frame *audio.PCMFrame)

	// PacketSupplyFunc returns the next packet to play, or an empty packet
	// when there is nothing.
	PacketSupplyFunc func() audio.EncodedPacket
)

// Config tunes an [Orchestrator]. Zero fields take the defaults of
// [DefaultConfig].
type Config struct {
	// Format is requested from the device for both directions.
	Format audio.Format

	// DeviceName selects the device; empty means the backend default.
	DeviceName string

	// Bitrate of the Opus encoder in bits per second.
	Bitrate int

	// FrameDuration is the audio span of one Opus packet.
	FrameDuration time.Duration

	// DisableVBR and DisableDTX turn off the encoder's defaults.
	DisableVBR bool
	DisableDTX bool

	// PeriodFrames is the number of frames per capture read.
	PeriodFrames int

	// IdleDelay is how long playback waits when there is nothing to play.
	IdleDelay time.Duration

	// BackoffDelay is how long a loop waits after a failed read or write.
	BackoffDelay time.Duration

	// ReopenAfter is the number of consecutive failed cycles after which a
	// direction's device is reopened. Zero disables reopening.
	ReopenAfter int

	// ReopenCooldown spaces reopen attempts. Zero means one second.
	ReopenCooldown time.Duration
}

// DefaultConfig returns 16 kHz mono at 32 kbit/s with 10 ms packets and
// 320-frame capture reads. Reopening is disabled.
func DefaultConfig() Config {
	return Config{
		Format:        audio.Format{SampleRate: 16000, Channels: 1},
		Bitrate:       opus.DefaultBitrate,
		FrameDuration: opus.DefaultFrameDuration,
		PeriodFrames:  320,
		IdleDelay:     10 * time.Millisecond,
		BackoffDelay:  10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Format == (audio.Format{}) {
		c.Format = d.Format
	}
	if c.Bitrate <= 0 {
		c.Bitrate = d.Bitrate
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = d.FrameDuration
	}
	if c.PeriodFrames <= 0 {
		c.PeriodFrames = d.PeriodFrames
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = d.IdleDelay
	}
	if c.BackoffDelay <= 0 {
		c.BackoffDelay = d.BackoffDelay
	}
	return c
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer used for lifecycle spans. Default: observe.Tracer().
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// components are created by Initialize and never change afterwards.
type components struct {
	io  *device.IO
	enc *opus.Encoder
	dec *opus.Decoder
}

// loop is the per-direction run state.
type loop struct {
	dir     device.Direction
	running atomic.Bool
	done    chan struct{}
	breaker *resilience.Breaker

	// failures counts the current run of failed cycles. Only the loop
	// goroutine touches it.
	failures int
}

// Orchestrator owns the device I/O layer, the encoder and the decoder, and
// runs the capture and playback goroutines.
type Orchestrator struct {
	backend device.Backend
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
	tracer  trace.Tracer

	// lifeMu serialises Initialize, Start*, Stop* and Close.
	lifeMu      sync.Mutex
	comp        atomic.Pointer[components]
	initialized atomic.Bool
	stopped     atomic.Bool
	capture     loop
	playback    loop

	cbMu             sync.Mutex
	onCapture        CaptureFunc
	onCapturePacket  PacketFunc
	onPlayback       SupplyFunc
	onPlaybackPacket PacketSupplyFunc
}

// New creates an Orchestrator that opens its device through backend.
// Nothing is opened until [Orchestrator.Initialize].
func New(backend device.Backend, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		tracer:  observe.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.capture.dir = device.Capture
	o.playback.dir = device.Playback
	if o.cfg.ReopenAfter > 0 {
		for _, l := range []*loop{&o.capture, &o.playback} {
			l.breaker = resilience.NewBreaker(resilience.BreakerConfig{
				Name:      l.dir.String(),
				Threshold: o.cfg.ReopenAfter,
				Cooldown:  o.cfg.ReopenCooldown,
				Logger:    o.logger,
			})
		}
	}
	return o
}

// Initialize opens the device and creates the encoder for the negotiated
// capture format and the decoder for the negotiated playback format, in that
// order. On failure everything opened so far is released.
// Calling it again after success is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.Initialize", trace.WithAttributes(
		attribute.String("backend", o.backend.Name()),
		attribute.String("device", o.cfg.DeviceName),
		attribute.String("format", o.cfg.Format.String()),
	))
	err := o.initialize(ctx)
	observe.EndSpan(span, err)
	return err
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.stopped.Load() {
		return ErrClosed
	}
	if o.initialized.Load() {
		return nil
	}
	log := observe.Logger(ctx, o.logger)

	dev := device.New(o.backend,
		device.WithLogger(o.logger),
		device.WithXrunHook(func(dir device.Direction, _ error, recovered bool) {
			o.metrics.RecordXrun(context.Background(), dir.String(), recovered)
		}),
	)
	if err := dev.Open(o.cfg.Format, o.cfg.DeviceName); err != nil {
		return fmt.Errorf("pipeline: initialize: %w", err)
	}

	enc, err := opus.NewEncoder(dev.CaptureFormat(), o.cfg.Bitrate,
		opus.WithFrameDuration(o.cfg.FrameDuration),
		opus.WithVBR(!o.cfg.DisableVBR),
		opus.WithDTX(!o.cfg.DisableDTX),
		opus.WithEncoderLogger(o.logger),
	)
	if err != nil {
		o.release(log, dev)
		return fmt.Errorf("pipeline: initialize encoder: %w", err)
	}
	dec, err := opus.NewDecoder(dev.PlaybackFormat(), opus.WithDecoderLogger(o.logger))
	if err != nil {
		o.release(log, dev)
		return fmt.Errorf("pipeline: initialize decoder: %w", err)
	}

	o.comp.Store(&components{io: dev, enc: enc, dec: dec})
	o.initialized.Store(true)
	log.Info("pipeline initialized",
		"capture", dev.CaptureFormat(),
		"playback", dev.PlaybackFormat(),
		"bitrate", o.cfg.Bitrate,
		"period_frames", o.cfg.PeriodFrames,
	)
	return nil
}

func (o *Orchestrator) release(log *slog.Logger, dev *device.IO) {
	if err := dev.Close(); err != nil {
		log.Warn("releasing device after failed initialize", "err", err)
	}
}

// Close stops both directions, waits for their goroutines and releases the
// device. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.lifeMu.Lock()
	defer o.lifeMu.Unlock()

	if o.stopped.Load() {
		return nil
	}
	o.stopLoop(&o.capture)
	o.stopLoop(&o.playback)

	var err error
	if c := o.comp.Load(); c != nil {
		err = c.io.Close()
	}
	o.initialized.Store(false)
	o.stopped.Store(true)
	o.logger.Info("pipeline closed")
	return err
}

// State returns the current lifecycle flags.
func (o *Orchestrator) State() State {
	var s State
	if o.initialized.Load() {
		s |= StateInitialized
	}
	if o.capture.running.Load() {
		s |= StateCaptureRunning
	}
	if o.playback.running.Load() {
		s |= StatePlaybackRunning
	}
	if o.stopped.Load() {
		s |= StateStopped
	}
	return s
}

// Formats returns the negotiated capture and playback formats. Both are zero
// before Initialize.
func (o *Orchestrator) Formats() (capture, playback audio.Format) {
	c := o.comp.Load()
	if c == nil {
		return audio.Format{}, audio.Format{}
	}
	return c.io.CaptureFormat(), c.io.PlaybackFormat()
}

// Encoder returns the capture encoder, or nil before Initialize.
func (o *Orchestrator) Encoder() *opus.Encoder {
	if c := o.comp.Load(); c != nil {
		return c.enc
	}
	return nil
}

// Decoder returns the playback decoder, or nil before Initialize.
func (o *Orchestrator) Decoder() *opus.Decoder {
	if c := o.comp.Load(); c != nil {
		return c.dec
	}
	return nil
}

// Healthy reports whether the pipeline can move audio: it must be
// initialized, not closed, and neither direction's reopen breaker may be
// open.
func (o *Orchestrator) Healthy(_ context.Context) error {
	if o.stopped.Load() {
		return ErrClosed
	}
	if !o.initialized.Load() {
		return ErrNotInitialized
	}
	var errs []error
	for _, l := range []*loop{&o.capture, &o.playback} {
		if l.breaker != nil && l.breaker.State() == resilience.StateOpen {
			errs = append(errs, fmt.Errorf("%w: %s after %d failed cycles", ErrDeviceFailing, l.dir, l.breaker.ConsecutiveFailures()))
		}
	}
	return errors.Join(errs...)
}

// ─── Callback registration ───────────────────────────────────────────────────

// OnCapture registers the PCM capture callback, replacing any previous one.
// nil unregisters it.
func (o *Orchestrator) OnCapture(fn CaptureFunc) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onCapture = fn
}

// OnCapturePacket registers the encoded capture callback.
func (o *Orchestrator) OnCapturePacket(fn PacketFunc) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onCapturePacket = fn
}

// OnPlayback registers the PCM playback supplier. It is asked before the
// packet supplier on every cycle.
func (o *Orchestrator) OnPlayback(fn SupplyFunc) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onPlayback = fn
}

// OnPlaybackPacket registers the encoded playback supplier.
func (o *Orchestrator) OnPlaybackPacket(fn PacketSupplyFunc) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	o.onPlaybackPacket = fn
}

func (o *Orchestrator) captureCallbacks() (CaptureFunc, PacketFunc) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	return o.onCapture, o.onCapturePacket
}

func (o *Orchestrator) playbackCallbacks() (SupplyFunc, PacketSupplyFunc) {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()
	return o.onPlayback, o.onPlaybackPacket
}
