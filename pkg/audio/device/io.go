package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/audio"
)

// XrunHook is called after every overrun or underrun with the cause and
// whether the stream was recovered.
type XrunHook func(dir Direction, cause error, recovered bool)

// Option configures an [IO].
type Option func(*IO)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *IO) { d.logger = l }
}

// WithXrunHook registers a callback for overruns and underruns. It runs on
// the goroutine doing the I/O and must not block.
func WithXrunHook(h XrunHook) Option {
	return func(d *IO) { d.onXrun = h }
}

// IO is the device I/O layer: one capture and one playback stream on a
// named device, with blocking frame-exact reads and writes.
//
// Open, Close and Reopen may be called from any goroutine. Read must only be
// called from one goroutine at a time, and likewise Write; neither may run
// concurrently with Close or with a Reopen of its own direction.
type IO struct {
	backend Backend
	logger  *slog.Logger
	id      uuid.UUID
	onXrun  XrunHook

	mu      sync.Mutex
	streams [2]Stream
	formats [2]audio.Format
	request audio.Format
	device  string
}

// New returns an IO that opens its streams through backend.
func New(backend Backend, opts ...Option) *IO {
	d := &IO{
		backend: backend,
		logger:  slog.Default(),
		id:      uuid.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("device_id", d.id, "backend", backend.Name())
	return d
}

// ID returns the identifier attached to this IO's log records.
func (d *IO) ID() uuid.UUID { return d.id }

// Open opens capture and then playback on deviceName (empty means
// [DefaultDevice]), requesting format for both. If playback fails, the
// already opened capture stream is closed again and the error returned.
// Streams that are already open are closed first.
//
// The backend may settle on a different sample rate than requested; use
// [IO.CaptureFormat] and [IO.PlaybackFormat] for all framing after Open.
func (d *IO) Open(format audio.Format, deviceName string) error {
	if err := format.Validate(); err != nil {
		return fmt.Errorf("device: open: %w", err)
	}
	if deviceName == "" {
		deviceName = DefaultDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.closeLocked(); err != nil {
		d.logger.Warn("closing previous streams failed", "err", err)
	}

	capture, err := d.openStream(Capture, format, deviceName)
	if err != nil {
		return err
	}
	playback, err := d.openStream(Playback, format, deviceName)
	if err != nil {
		if cerr := capture.Close(); cerr != nil {
			d.logger.Warn("closing capture after failed playback open", "err", cerr)
		}
		return err
	}

	d.streams[Capture], d.formats[Capture] = capture, capture.Format()
	d.streams[Playback], d.formats[Playback] = playback, playback.Format()
	d.request = format
	d.device = deviceName

	d.logger.Info("audio device opened",
		"device", deviceName,
		"capture", d.formats[Capture],
		"playback", d.formats[Playback],
	)
	return nil
}

func (d *IO) openStream(dir Direction, format audio.Format, name string) (Stream, error) {
	period := format.PeriodFrames()
	s, err := d.backend.Open(dir, StreamConfig{
		Device:         name,
		Format:         format,
		PeriodFrames:   period,
		StartThreshold: period,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open %s on %q: %w", dir, name, err)
	}
	got := s.Format()
	if got.Channels != format.Channels || got.SampleRate <= 0 {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s on %q negotiated %v, requested %v", ErrFormat, dir, name, got, format)
	}
	if got.SampleRate != format.SampleRate {
		d.logger.Warn("device chose a different sample rate",
			"direction", dir,
			"requested", format.SampleRate,
			"rate", got.SampleRate,
		)
	}
	return s, nil
}

// Reopen closes one direction and opens it again with the format and device
// name of the last successful [IO.Open]. The new stream is not started.
func (d *IO) Reopen(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == "" {
		return fmt.Errorf("device: reopen %s: %w", dir, ErrNotOpen)
	}
	if old := d.streams[dir]; old != nil {
		_ = old.Stop()
		if err := old.Close(); err != nil {
			d.logger.Warn("closing stream for reopen failed", "direction", dir, "err", err)
		}
		d.streams[dir] = nil
	}

	s, err := d.openStream(dir, d.request, d.device)
	if err != nil {
		return err
	}
	d.streams[dir], d.formats[dir] = s, s.Format()
	d.logger.Info("audio stream reopened", "direction", dir, "format", d.formats[dir])
	return nil
}

// Close drains playback, stops capture and closes both streams. It is safe
// to call any number of times, including when nothing is open.
func (d *IO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *IO) closeLocked() error {
	var errs []error
	if s := d.streams[Playback]; s != nil {
		if err := s.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("device: drain playback: %w", err))
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device: close playback: %w", err))
		}
	}
	if s := d.streams[Capture]; s != nil {
		if err := s.Stop(); err != nil {
			d.logger.Debug("stopping capture before close", "err", err)
		}
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device: close capture: %w", err))
		}
	}
	if d.device != "" {
		d.logger.Info("audio device closed", "device", d.device)
	}
	d.streams = [2]Stream{}
	d.formats = [2]audio.Format{}
	d.device = ""
	return errors.Join(errs...)
}

// IsOpen reports whether both directions are open.
func (d *IO) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[Capture] != nil && d.streams[Playback] != nil
}

// CaptureFormat returns the negotiated capture format, or the zero Format
// when capture is not open.
func (d *IO) CaptureFormat() audio.Format {
	_, f := d.stream(Capture)
	return f
}

// PlaybackFormat returns the negotiated playback format, or the zero Format
// when playback is not open.
func (d *IO) PlaybackFormat() audio.Format {
	_, f := d.stream(Playback)
	return f
}

func (d *IO) stream(dir Direction) (Stream, audio.Format) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[dir], d.formats[dir]
}

// StartCapture starts the capture data flow.
func (d *IO) StartCapture() error { return d.start(Capture) }

// StopCapture halts capture and drops pending frames. The stream stays open.
func (d *IO) StopCapture() error { return d.stop(Capture) }

// StartPlayback starts the playback data flow.
func (d *IO) StartPlayback() error { return d.start(Playback) }

// StopPlayback halts playback and drops queued frames. The stream stays open.
func (d *IO) StopPlayback() error { return d.stop(Playback) }

func (d *IO) start(dir Direction) error {
	s, _ := d.stream(dir)
	if s == nil {
		return fmt.Errorf("device: start %s: %w", dir, ErrNotOpen)
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("device: start %s: %w", dir, err)
	}
	return nil
}

func (d *IO) stop(dir Direction) error {
	s, _ := d.stream(dir)
	if s == nil {
		return fmt.Errorf("device: stop %s: %w", dir, ErrNotOpen)
	}
	if err := s.Stop(); err != nil {
		return fmt.Errorf("device: stop %s: %w", dir, err)
	}
	return nil
}

// Read blocks until up to frames frames have been captured and returns them.
// The result holds exactly as many frames as the device delivered, never more
// than frames. After an overrun the stream is recovered and the read retried
// once; a second failure is returned.
func (d *IO) Read(frames int) (audio.PCMFrame, error) {
	s, f := d.stream(Capture)
	if s == nil {
		return audio.PCMFrame{}, fmt.Errorf("device: read: %w", ErrNotOpen)
	}
	if frames <= 0 {
		return audio.PCMFrame{Format: f}, nil
	}

	buf := make([]int16, frames*f.Channels)
	n, err := s.Read(buf)
	if errors.Is(err, ErrXrun) {
		if rerr := d.recover(Capture, s, err); rerr != nil {
			return audio.PCMFrame{Format: f}, rerr
		}
		n, err = s.Read(buf)
	}
	if err != nil {
		return audio.PCMFrame{Format: f}, fmt.Errorf("device: read: %w", err)
	}

	n = min(max(n, 0), frames)
	return audio.PCMFrame{Samples: buf[:n*f.Channels], Format: f}, nil
}

// Write blocks until every frame of frame has been queued for playback. The
// stream may take the data in several pieces; after an underrun it is
// recovered and the write resumes at the current offset. An underrun that
// follows a recovery with no frames written in between fails the call.
//
// frame must carry the negotiated playback format; no conversion is done.
func (d *IO) Write(frame audio.PCMFrame) error {
	s, f := d.stream(Playback)
	if s == nil {
		return fmt.Errorf("device: write: %w", ErrNotOpen)
	}
	if frame.Empty() {
		return nil
	}
	if frame.Format != f {
		return fmt.Errorf("%w: frame is %v, playback is %v", ErrFormat, frame.Format, f)
	}
	if !frame.Aligned() {
		return fmt.Errorf("%w: %d samples is not a whole number of %d-channel frames", ErrFormat, len(frame.Samples), f.Channels)
	}

	total := frame.Frames()
	ch := f.Channels
	recovered := false
	for off := 0; off < total; {
		n, err := s.Write(frame.Samples[off*ch:])
		if n > 0 {
			off += min(n, total-off)
		}
		if err == nil {
			if n <= 0 {
				return fmt.Errorf("%w: %d of %d frames written", ErrStalled, off, total)
			}
			recovered = false
			continue
		}
		if !errors.Is(err, ErrXrun) || recovered {
			return fmt.Errorf("device: write: %d of %d frames written: %w", off, total, err)
		}
		if rerr := d.recover(Playback, s, err); rerr != nil {
			return rerr
		}
		recovered = true
	}
	return nil
}

func (d *IO) recover(dir Direction, s Stream, cause error) error {
	d.logger.Warn("audio xrun, recovering", "direction", dir, "err", cause)
	if err := s.Recover(cause); err != nil {
		d.notifyXrun(dir, cause, false)
		return fmt.Errorf("device: recover %s: %w", dir, err)
	}
	d.notifyXrun(dir, cause, true)
	return nil
}

func (d *IO) notifyXrun(dir Direction, cause error, recovered bool) {
	if d.onXrun != nil {
		d.onXrun(dir, cause, recovered)
	}
}
