// Package wavfile is a virtual [device.Backend] backed by WAV files. Capture
// reads 16-bit PCM from an input file and playback appends to an output file,
// optionally paced at the real-time rate so that loops built for hardware
// behave the same way.
//
// The capture side behaves like a microphone that never runs dry: once the
// input is exhausted it either loops or yields silence.
package wavfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// Name is the backend name used in configuration.
const Name = "wav"

// ErrNoFile is returned when a direction has no file configured.
var ErrNoFile = errors.New("wavfile: no file configured")

// Option configures a [Backend].
type Option func(*Backend)

// WithInput sets the WAV file capture reads from.
func WithInput(path string) Option {
	return func(b *Backend) { b.input = path }
}

// WithOutput sets the WAV file playback writes to. It is created or
// truncated on open.
func WithOutput(path string) Option {
	return func(b *Backend) { b.output = path }
}

// WithLoop makes capture restart at the beginning of the input file instead
// of producing silence at its end.
func WithLoop(loop bool) Option {
	return func(b *Backend) { b.loop = loop }
}

// WithRealtime paces reads and writes at the stream's sample rate.
func WithRealtime(realtime bool) Option {
	return func(b *Backend) { b.realtime = realtime }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Backend opens WAV-file streams. When no input or output path is set, the
// device name passed to Open is used as the path, unless it is
// [device.DefaultDevice].
type Backend struct {
	input    string
	output   string
	loop     bool
	realtime bool
	logger   *slog.Logger
}

var _ device.Backend = (*Backend)(nil)

// New returns a WAV-file backend.
func New(opts ...Option) *Backend {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements [device.Backend].
func (b *Backend) Name() string { return Name }

// Open implements [device.Backend].
func (b *Backend) Open(dir device.Direction, cfg device.StreamConfig) (device.Stream, error) {
	path := b.input
	if dir == device.Playback {
		path = b.output
	}
	if path == "" && cfg.Device != device.DefaultDevice {
		path = cfg.Device
	}
	if path == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoFile, dir)
	}

	logger := b.logger.With("direction", dir, "file", path)
	switch dir {
	case device.Capture:
		return openReader(path, cfg, b.loop, b.realtime, logger)
	case device.Playback:
		return openWriter(path, cfg, b.realtime, logger)
	default:
		return nil, fmt.Errorf("wavfile: unknown direction %d", dir)
	}
}

// ─── Capture ──────────────────────────────────────────────────────────────────

type reader struct {
	mu      sync.Mutex
	f       *os.File
	dec     *wav.Decoder
	format  audio.Format
	loop    bool
	pace    pacer
	scratch *goaudio.IntBuffer
	eof     bool
	logger  *slog.Logger
}

func openReader(path string, cfg device.StreamConfig, loop, realtime bool, logger *slog.Logger) (*reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: %s is not a valid WAV file", path)
	}
	if dec.BitDepth != 16 {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: %s has %d-bit samples, want 16", path, dec.BitDepth)
	}
	if int(dec.NumChans) != cfg.Format.Channels {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: %s has %d channels, want %d", path, dec.NumChans, cfg.Format.Channels)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	logger.Debug("wav input opened", "rate", format.SampleRate, "channels", format.Channels, "loop", loop)
	return &reader{
		f:      f,
		dec:    dec,
		format: format,
		loop:   loop,
		pace:   pacer{enabled: realtime},
		scratch: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			SourceBitDepth: 16,
		},
		logger: logger,
	}, nil
}

func (r *reader) Format() audio.Format { return r.format }

func (r *reader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pace.reset()
	return nil
}

func (r *reader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pace.reset()
	return nil
}

func (r *reader) Drain() error { return r.Stop() }

func (r *reader) Recover(error) error { return r.Start() }

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Read fills buf completely: from the file while it lasts, then from the
// start again (loop) or with silence.
func (r *reader) Read(buf []int16) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}

	frames := len(buf) / r.format.Channels
	buf = buf[:frames*r.format.Channels]
	filled := 0
	for filled < len(buf) && !r.eof {
		n, err := r.fill(buf[filled:])
		if err != nil {
			return 0, fmt.Errorf("wavfile: read: %w", err)
		}
		filled += n
		if n > 0 {
			continue
		}
		if !r.loop {
			r.eof = true
			r.logger.Debug("wav input exhausted, capturing silence")
			break
		}
		if err := r.dec.Rewind(); err != nil {
			return 0, fmt.Errorf("wavfile: rewind: %w", err)
		}
		if n, err = r.fill(buf[filled:]); err != nil {
			return 0, fmt.Errorf("wavfile: read: %w", err)
		}
		if n == 0 {
			// Empty file: nothing to loop over.
			r.eof = true
		}
		filled += n
	}
	clear(buf[filled:])

	r.pace.wait(r.format.Duration(frames))
	return frames, nil
}

func (r *reader) fill(dst []int16) (int, error) {
	if cap(r.scratch.Data) < len(dst) {
		r.scratch.Data = make([]int, len(dst))
	}
	r.scratch.Data = r.scratch.Data[:len(dst)]
	n, err := r.dec.PCMBuffer(r.scratch)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	// Only whole frames.
	n -= n % r.format.Channels
	for i := range n {
		dst[i] = int16(r.scratch.Data[i])
	}
	return n, nil
}

func (r *reader) Write([]int16) (int, error) {
	return 0, errors.New("wavfile: write on capture stream")
}

// ─── Playback ─────────────────────────────────────────────────────────────────

type writer struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	format audio.Format
	pace   pacer
	frames int
	logger *slog.Logger
}

func openWriter(path string, cfg device.StreamConfig, realtime bool, logger *slog.Logger) (*writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: %w", err)
	}
	format := cfg.Format
	enc := wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1)
	logger.Debug("wav output opened", "rate", format.SampleRate, "channels", format.Channels)
	return &writer{
		f:      f,
		enc:    enc,
		format: format,
		pace:   pacer{enabled: realtime},
		logger: logger,
	}, nil
}

func (w *writer) Format() audio.Format { return w.format }

func (w *writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pace.reset()
	return nil
}

func (w *writer) Stop() error { return w.Start() }

// Drain is a no-op: every Write reaches the encoder before it returns.
func (w *writer) Drain() error { return nil }

func (w *writer) Recover(error) error { return w.Start() }

// Close finalises the WAV header and closes the file.
func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.enc.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	w.logger.Debug("wav output closed", "frames", w.frames)
	return err
}

func (w *writer) Write(buf []int16) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}

	frames := len(buf) / w.format.Channels
	data := make([]int, frames*w.format.Channels)
	for i := range data {
		data[i] = int(buf[i])
	}
	err := w.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.format.Channels, SampleRate: w.format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return 0, fmt.Errorf("wavfile: write: %w", err)
	}
	w.frames += frames
	w.pace.wait(w.format.Duration(frames))
	return frames, nil
}

func (w *writer) Read([]int16) (int, error) {
	return 0, errors.New("wavfile: read on playback stream")
}

// ─── Pacing ───────────────────────────────────────────────────────────────────

// maxLag is how far behind schedule a pacer may fall before it gives up
// catching up and restarts its clock.
const maxLag = 200 * time.Millisecond

type pacer struct {
	enabled bool
	next    time.Time
}

func (p *pacer) reset() { p.next = time.Time{} }

// wait sleeps until d after the end of the previous block.
func (p *pacer) wait(d time.Duration) {
	if !p.enabled {
		return
	}
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > maxLag {
		p.next = now
	}
	p.next = p.next.Add(d)
	time.Sleep(time.Until(p.next))
}
