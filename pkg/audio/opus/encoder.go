// Package opus compresses PCM frames into Opus packets and back, using the
// libopus bindings from layeh.com/gopus.
//
// An [Encoder] accepts frames of exactly one codec frame duration (10 ms by
// default) and produces one [audio.EncodedPacket] per frame. A [Decoder]
// accepts packets of any legal Opus duration. Both report failures as errors
// alongside an empty result, so callers that only care about data can treat
// an empty result as "nothing this cycle".
package opus

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// DefaultFrameDuration is the analysis window used when no other
	// duration is configured.
	DefaultFrameDuration = 10 * time.Millisecond

	// DefaultBitrate is the target bitrate in bits per second.
	DefaultBitrate = 32000

	// maxPacketBytes bounds a single encoded packet. 4000 bytes is the
	// libopus recommendation and holds any frame at any legal bitrate.
	maxPacketBytes = 4000

	// Silence gate used to emulate DTX. Frames with an RMS below
	// dtxThreshold are silent. The first dtxHangover silent frames are
	// encoded normally, after which only every dtxKeepalive-th silent frame
	// is.
	dtxThreshold = 30.0
	dtxHangover  = 20
	dtxKeepalive = 40
)

var (
	// ErrFrameSize is returned when a PCM frame does not contain exactly one
	// codec frame of samples.
	ErrFrameSize = errors.New("opus: frame size mismatch")

	// ErrFormat is returned when a frame's format differs from the codec's.
	ErrFormat = errors.New("opus: format mismatch")

	legalFrameDurations = []time.Duration{
		2500 * time.Microsecond,
		5 * time.Millisecond,
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		60 * time.Millisecond,
	}

	opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}
)

// EncoderOption configures an [Encoder].
type EncoderOption func(*Encoder)

// WithFrameDuration sets the codec frame duration. Opus accepts 2.5, 5, 10,
// 20, 40 and 60 ms; anything else makes [NewEncoder] fail.
func WithFrameDuration(d time.Duration) EncoderOption {
	return func(e *Encoder) { e.frameDuration = d }
}

// WithVBR enables or disables variable bitrate. Enabled by default.
func WithVBR(on bool) EncoderOption {
	return func(e *Encoder) { e.params.VBR = on }
}

// WithDTX enables or disables discontinuous transmission. Enabled by default.
func WithDTX(on bool) EncoderOption {
	return func(e *Encoder) { e.params.DTX = on }
}

// WithEncoderLogger sets the logger. Defaults to slog.Default().
func WithEncoderLogger(l *slog.Logger) EncoderOption {
	return func(e *Encoder) { e.logger = l }
}

// Encoder compresses fixed-duration PCM frames into Opus packets. It is
// configured for general audio with VBR and DTX enabled unless told
// otherwise.
//
// Encoder is safe for concurrent use, though packets only make sense when
// frames arrive in order from a single stream.
type Encoder struct {
	mu            sync.Mutex
	enc           *gopus.Encoder
	format        audio.Format
	params        audio.CodecParams
	frameDuration time.Duration
	frameSize     int
	logger        *slog.Logger

	// silentRun counts consecutive silent frames for the DTX gate.
	silentRun int
}

// NewEncoder creates an encoder for format at the given bitrate.
func NewEncoder(format audio.Format, bitrate int, opts ...EncoderOption) (*Encoder, error) {
	e := &Encoder{
		params:        audio.CodecParams{VBR: true, DTX: true},
		frameDuration: DefaultFrameDuration,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !slices.Contains(legalFrameDurations, e.frameDuration) {
		return nil, fmt.Errorf("opus: illegal frame duration %v", e.frameDuration)
	}
	if err := e.init(format, bitrate); err != nil {
		return nil, err
	}
	return e, nil
}

// Reset reinitialises the encoder for a new format and bitrate. Any state
// from previous frames is discarded. On failure the previous configuration
// is kept.
func (e *Encoder) Reset(format audio.Format, bitrate int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.init(format, bitrate)
}

// init must be called with e.mu held (or before e is shared).
func (e *Encoder) init(format audio.Format, bitrate int) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Audio)
	if err != nil {
		return fmt.Errorf("opus: create encoder: %w", err)
	}
	enc.SetBitrate(bitrate)
	enc.SetVbr(e.params.VBR)

	e.enc = enc
	e.format = format
	e.params.Bitrate = bitrate
	e.frameSize = format.FramesIn(e.frameDuration)
	e.silentRun = 0

	e.logger.Debug("opus encoder initialised",
		"rate", format.SampleRate,
		"channels", format.Channels,
		"bitrate", bitrate,
		"frame", e.frameDuration,
		"vbr", e.params.VBR,
		"dtx", e.params.DTX,
	)
	return nil
}

// Format returns the PCM format the encoder expects.
func (e *Encoder) Format() audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// FrameSize returns the number of samples per channel in one codec frame.
func (e *Encoder) FrameSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameSize
}

// Params returns the codec parameters stamped on every packet.
func (e *Encoder) Params() audio.CodecParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Encode compresses one frame. An empty frame yields an empty packet and a
// nil error. A frame that is not exactly one codec frame long, or whose
// format differs from the encoder's, yields an empty packet and an error.
//
// With DTX enabled, sustained silence also yields empty packets with a nil
// error, apart from a periodic keepalive packet.
func (e *Encoder) Encode(frame audio.PCMFrame) (audio.EncodedPacket, error) {
	if frame.Empty() {
		return audio.EncodedPacket{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if frame.Format != e.format {
		return audio.EncodedPacket{}, fmt.Errorf("%w: got %v, encoder is %v", ErrFormat, frame.Format, e.format)
	}
	if want := e.frameSize * e.format.Channels; len(frame.Samples) != want {
		return audio.EncodedPacket{}, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, len(frame.Samples), want)
	}

	if e.params.DTX && e.suppress(frame.Samples) {
		return audio.EncodedPacket{}, nil
	}

	data, err := e.enc.Encode(frame.Samples, e.frameSize, maxPacketBytes)
	if err != nil {
		return audio.EncodedPacket{}, fmt.Errorf("opus: encode: %w", err)
	}
	return audio.EncodedPacket{
		Data:     data,
		Duration: e.frameDuration,
		Params:   e.params,
	}, nil
}

// suppress advances the silence gate and reports whether the frame should be
// dropped.
func (e *Encoder) suppress(samples []int16) bool {
	if audio.RMS(samples) >= dtxThreshold {
		e.silentRun = 0
		return false
	}
	e.silentRun++
	if e.silentRun <= dtxHangover {
		return false
	}
	return (e.silentRun-dtxHangover)%dtxKeepalive != 0
}

func checkFormat(f audio.Format) error {
	if !slices.Contains(opusSampleRates, f.SampleRate) {
		return fmt.Errorf("%w: opus does not support %d Hz", ErrFormat, f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: opus does not support %d channels", ErrFormat, f.Channels)
	}
	return nil
}
