package audio

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// SupportedSampleRates lists the sample rates accepted by the capture and
// playback pipeline. All of them are also legal Opus rates.
var SupportedSampleRates = []int{8000, 16000, 24000, 48000}

// ErrUnsupportedFormat is returned by [Format.Validate] for sample rates or
// channel counts outside the supported set.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Format describes the sample rate and channel count of an audio stream.
// Samples are always signed 16-bit, interleaved by channel.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f is one of the supported rate/channel pairs.
func (f Format) Validate() error {
	if !slices.Contains(SupportedSampleRates, f.SampleRate) {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	return nil
}

// PeriodFrames returns the number of frames in 10 ms of audio at f's rate.
// Device periods, start thresholds and the default codec frame all use it.
func (f Format) PeriodFrames() int {
	return f.SampleRate / 100
}

// FramesIn returns how many frames span d at f's rate.
func (f Format) FramesIn(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Duration returns the playing time of frames frames at f's rate.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// PCMFrame is a block of interleaved signed 16-bit samples. The block holds
// Frames() frames, each with one sample per channel.
//
// A frame is owned by whichever loop produced it until it is handed to a
// callback or written to a device.
type PCMFrame struct {
	// Samples holds len(Samples) = Frames() * Format.Channels values.
	Samples []int16

	Format Format
}

// Frames returns the number of frames (samples per channel) in p.
func (p PCMFrame) Frames() int {
	if p.Format.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Format.Channels
}

// Empty reports whether p carries no samples.
func (p PCMFrame) Empty() bool { return len(p.Samples) == 0 }

// Duration returns the playing time of p.
func (p PCMFrame) Duration() time.Duration {
	return p.Format.Duration(p.Frames())
}

// Aligned reports whether the sample count is a whole number of frames.
func (p PCMFrame) Aligned() bool {
	return p.Format.Channels > 0 && len(p.Samples)%p.Format.Channels == 0
}

// CodecParams records the encoder settings a packet was produced with.
type CodecParams struct {
	Bitrate int
	VBR     bool
	DTX     bool
}

// EncodedPacket is one compressed audio frame. Its bytes are opaque; it can
// only be decoded by a decoder configured with the same Format as the encoder
// that produced it.
type EncodedPacket struct {
	Data []byte

	// Duration of the PCM frame the packet was encoded from.
	Duration time.Duration

	Params CodecParams
}

// Len returns the packet size in bytes.
func (p EncodedPacket) Len() int { return len(p.Data) }

// Empty reports whether p carries no bytes. DTX and encoder failures both
// produce empty packets.
func (p EncodedPacket) Empty() bool { return len(p.Data) == 0 }
