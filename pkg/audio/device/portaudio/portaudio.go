// Package portaudio is the hardware [device.Backend], built on the PortAudio
// cgo bindings from github.com/gordonklaus/portaudio. The PortAudio library
// and headers must be available at build time (libportaudio2 and
// portaudio19-dev on Debian).
//
// Streams use PortAudio's blocking read/write API with one 10 ms host
// buffer. Input overflow and output underflow are reported as
// [device.ErrXrun] so the device layer can recover them.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// Name is the backend name used in configuration.
const Name = "portaudio"

// ErrDeviceNotFound is returned when no device matches the requested name.
var ErrDeviceNotFound = errors.New("portaudio: device not found")

// Option configures a [Backend].
type Option func(*Backend)

// WithInputDevice overrides the device name used for capture.
func WithInputDevice(name string) Option {
	return func(b *Backend) { b.input = name }
}

// WithOutputDevice overrides the device name used for playback.
func WithOutputDevice(name string) Option {
	return func(b *Backend) { b.output = name }
}

// WithHighLatency selects PortAudio's high-latency defaults instead of the
// low-latency ones. Useful on hosts that xrun constantly.
func WithHighLatency(high bool) Option {
	return func(b *Backend) { b.highLatency = high }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Backend opens PortAudio streams. Each open stream holds one reference on
// the PortAudio library, released when the stream is closed.
type Backend struct {
	input       string
	output      string
	highLatency bool
	logger      *slog.Logger
}

var _ device.Backend = (*Backend)(nil)

// New returns a PortAudio backend.
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
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	s, err := b.open(dir, cfg)
	if err != nil {
		_ = pa.Terminate()
		return nil, err
	}
	return s, nil
}

func (b *Backend) open(dir device.Direction, cfg device.StreamConfig) (*stream, error) {
	name := cfg.Device
	if dir == device.Capture && b.input != "" {
		name = b.input
	}
	if dir == device.Playback && b.output != "" {
		name = b.output
	}

	dev, err := findDevice(name, dir)
	if err != nil {
		return nil, err
	}

	ch := cfg.Format.Channels
	var params pa.StreamParameters
	switch {
	case dir == device.Capture && b.highLatency:
		params = pa.HighLatencyParameters(dev, nil)
	case dir == device.Capture:
		params = pa.LowLatencyParameters(dev, nil)
	case b.highLatency:
		params = pa.HighLatencyParameters(nil, dev)
	default:
		params = pa.LowLatencyParameters(nil, dev)
	}
	if dir == device.Capture {
		params.Input.Channels = ch
	} else {
		params.Output.Channels = ch
	}

	rate, err := negotiateRate(params, cfg.Format.SampleRate, dev.DefaultSampleRate, ch)
	if err != nil {
		return nil, fmt.Errorf("portaudio: %s on %q: %w", dir, dev.Name, err)
	}
	params.SampleRate = float64(rate)
	format := audio.Format{SampleRate: rate, Channels: ch}
	period := format.PeriodFrames()
	params.FramesPerBuffer = period

	buf := make([]int16, period*ch)
	st, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open %s on %q: %w", dir, dev.Name, err)
	}
	if info := st.Info(); info != nil && int(info.SampleRate) > 0 {
		format.SampleRate = int(info.SampleRate)
	}

	logger := b.logger.With("direction", dir, "device", dev.Name)
	logger.Debug("portaudio stream opened",
		"rate", format.SampleRate,
		"channels", ch,
		"period", period,
		"start_threshold", cfg.StartThreshold,
	)
	return &stream{
		dir:    dir,
		st:     st,
		buf:    buf,
		format: format,
		logger: logger,
	}, nil
}

// findDevice resolves name to a device that has channels in dir. An empty
// name or [device.DefaultDevice] selects the host default. Otherwise an exact
// name match wins over a case-insensitive substring match.
func findDevice(name string, dir device.Direction) (*pa.DeviceInfo, error) {
	if name == "" || name == device.DefaultDevice {
		var dev *pa.DeviceInfo
		var err error
		if dir == device.Capture {
			dev, err = pa.DefaultInputDevice()
		} else {
			dev, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("portaudio: default %s device: %w", dir, err)
		}
		return dev, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	candidates := make([]candidate, 0, len(devices))
	for _, d := range devices {
		candidates = append(candidates, candidate{name: d.Name, channels: channelsFor(d, dir)})
	}
	i := matchDevice(candidates, name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q (%s)", ErrDeviceNotFound, name, dir)
	}
	return devices[i], nil
}

func channelsFor(d *pa.DeviceInfo, dir device.Direction) int {
	if dir == device.Capture {
		return d.MaxInputChannels
	}
	return d.MaxOutputChannels
}

// negotiateRate returns the first rate from rateCandidates that the device
// accepts for params.
func negotiateRate(params pa.StreamParameters, requested int, deviceDefault float64, channels int) (int, error) {
	probe := make([]int16, channels)
	var lastErr error
	for _, rate := range rateCandidates(requested, deviceDefault) {
		params.SampleRate = float64(rate)
		if err := pa.IsFormatSupported(params, probe); err != nil {
			lastErr = err
			continue
		}
		return rate, nil
	}
	return 0, fmt.Errorf("no supported sample rate near %d: %w", requested, lastErr)
}

// DeviceInfo summarises one PortAudio device.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Devices lists the devices PortAudio can see.
func Devices() ([]DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// ─── Stream ───────────────────────────────────────────────────────────────────

type stream struct {
	dir     device.Direction
	st      *pa.Stream
	buf     []int16 // host buffer bound to st
	carry   []int16 // captured samples not yet returned
	format  audio.Format
	running bool
	closed  bool
	logger  *slog.Logger
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Start() error {
	if s.running {
		return nil
	}
	if err := s.st.Start(); err != nil {
		return fmt.Errorf("portaudio: start: %w", err)
	}
	s.running = true
	return nil
}

// Stop aborts the stream, discarding queued data.
func (s *stream) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false
	s.carry = s.carry[:0]
	if err := s.st.Abort(); err != nil {
		return fmt.Errorf("portaudio: abort: %w", err)
	}
	return nil
}

// Drain stops the stream after queued playback has been played.
func (s *stream) Drain() error {
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.st.Stop(); err != nil {
		return fmt.Errorf("portaudio: stop: %w", err)
	}
	return nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.running {
		_ = s.st.Abort()
		s.running = false
	}
	err := s.st.Close()
	if terr := pa.Terminate(); err == nil {
		err = terr
	}
	if err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}

// Recover restarts a capture stream, which discards whatever overran. An
// output underflow is only a warning from PortAudio and the block that
// reported it is already queued, so a running playback stream is left alone.
func (s *stream) Recover(cause error) error {
	if s.dir == device.Playback && s.running {
		s.logger.Debug("output underflow, stream still running", "cause", cause)
		return nil
	}
	s.logger.Debug("restarting stream", "cause", cause)
	if err := s.Stop(); err != nil {
		s.logger.Debug("abort during recovery", "err", err)
	}
	return s.Start()
}

func (s *stream) Read(buf []int16) (int, error) {
	if s.dir != device.Capture {
		return 0, errors.New("portaudio: read on playback stream")
	}
	if err := s.Start(); err != nil {
		return 0, err
	}
	ch := s.format.Channels
	buf = buf[:len(buf)-len(buf)%ch]

	filled := copy(buf, s.carry)
	s.carry = s.carry[filled:]
	for filled < len(buf) {
		if err := s.st.Read(); err != nil {
			if errors.Is(err, pa.InputOverflowed) {
				s.carry = s.carry[:0]
				return 0, fmt.Errorf("%w: %v", device.ErrXrun, err)
			}
			return 0, fmt.Errorf("portaudio: read: %w", err)
		}
		n := copy(buf[filled:], s.buf)
		filled += n
		if n < len(s.buf) {
			s.carry = append(s.carry[:0], s.buf[n:]...)
		}
	}
	return filled / ch, nil
}

// Write sends at most one host buffer of frames. A short final block is
// padded with silence.
func (s *stream) Write(buf []int16) (int, error) {
	if s.dir != device.Playback {
		return 0, errors.New("portaudio: write on capture stream")
	}
	if err := s.Start(); err != nil {
		return 0, err
	}
	ch := s.format.Channels
	n := copy(s.buf, buf[:len(buf)-len(buf)%ch])
	clear(s.buf[n:])

	if err := s.st.Write(); err != nil {
		if errors.Is(err, pa.OutputUnderflowed) {
			// The block was queued; only the preceding gap was lost.
			return n / ch, fmt.Errorf("%w: %v", device.ErrXrun, err)
		}
		return 0, fmt.Errorf("portaudio: write: %w", err)
	}
	return n / ch, nil
}
