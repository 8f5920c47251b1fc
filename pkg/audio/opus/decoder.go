package opus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// maxPacketDuration is the longest audio a single Opus packet can carry.
const maxPacketDuration = 120 * time.Millisecond

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithDecoderLogger sets the logger. Defaults to slog.Default().
func WithDecoderLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.logger = l }
}

// Decoder turns Opus packets back into PCM frames. Its output buffer holds
// the longest legal packet, so packets of any frame duration decode in full
// and the result is trimmed to what the codec produced.
//
// Decoder is safe for concurrent use.
type Decoder struct {
	mu       sync.Mutex
	dec      *gopus.Decoder
	format   audio.Format
	maxFrame int
	logger   *slog.Logger
}

// NewDecoder creates a decoder for format.
func NewDecoder(format audio.Format, opts ...DecoderOption) (*Decoder, error) {
	d := &Decoder{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.init(format); err != nil {
		return nil, err
	}
	return d, nil
}

// Reset reinitialises the decoder for format, discarding prior state.
func (d *Decoder) Reset(format audio.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.init(format)
}

func (d *Decoder) init(format audio.Format) error {
	if err := checkFormat(format); err != nil {
		return err
	}
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return fmt.Errorf("opus: create decoder: %w", err)
	}
	d.dec = dec
	d.format = format
	d.maxFrame = format.FramesIn(maxPacketDuration)
	d.logger.Debug("opus decoder initialised", "rate", format.SampleRate, "channels", format.Channels)
	return nil
}

// Format returns the PCM format the decoder produces.
func (d *Decoder) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}

// Decode decompresses one packet. An empty packet yields an empty frame and a
// nil error; a malformed packet yields an empty frame and an error.
func (d *Decoder) Decode(p audio.EncodedPacket) (audio.PCMFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.Empty() {
		return audio.PCMFrame{Format: d.format}, nil
	}
	pcm, err := d.dec.Decode(p.Data, d.maxFrame, false)
	if err != nil {
		return audio.PCMFrame{Format: d.format}, fmt.Errorf("opus: decode: %w", err)
	}
	// gopus already slices to the decoded length; keep the bound explicit.
	if n := d.maxFrame * d.format.Channels; len(pcm) > n {
		pcm = pcm[:n]
	}
	return audio.PCMFrame{Samples: pcm, Format: d.format}, nil
}
