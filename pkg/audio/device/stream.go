// Package device owns the capture and playback streams of one sound device
// and performs frame-exact blocking reads and writes on them.
//
// The actual audio hardware sits behind a [Backend], which opens one
// [Stream] per [Direction]. The [IO] type layers the recovery policy on top:
// every read or write that hits an overrun or underrun gets exactly one
// recover-and-retry before the call fails.
//
// Each stream is meant to be driven by a single goroutine: the capture
// stream by whoever calls [IO.Read], the playback stream by whoever calls
// [IO.Write]. Opening, closing and reopening are synchronised internally.
package device

import (
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultDevice is the device name used when none is given.
const DefaultDevice = "default"

var (
	// ErrXrun marks an overrun (capture) or underrun (playback). Backends
	// wrap it so that [IO] can tell recoverable conditions from fatal ones.
	ErrXrun = errors.New("device: xrun")

	// ErrNotOpen is returned when an operation needs a stream that is not
	// open.
	ErrNotOpen = errors.New("device: stream not open")

	// ErrFormat is returned for PCM that does not match the negotiated
	// stream format.
	ErrFormat = errors.New("device: format mismatch")

	// ErrStalled is returned when a playback stream accepts no frames and
	// reports no error.
	ErrStalled = errors.New("device: write made no progress")
)

// Direction selects the capture or the playback side of a device.
type Direction int

const (
	// Capture is the microphone side.
	Capture Direction = iota
	// Playback is the speaker side.
	Playback
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Playback:
		return "playback"
	default:
		return "unknown"
	}
}

// StreamConfig is what [IO] asks a [Backend] for when opening a stream.
type StreamConfig struct {
	// Device names the device to open. Never empty; [IO] substitutes
	// [DefaultDevice].
	Device string

	// Format is the requested rate and channel count. The backend may
	// settle on a different rate; it must report it via [Stream.Format].
	Format audio.Format

	// PeriodFrames is the number of frames per hardware transfer
	// (10 ms at the requested rate).
	PeriodFrames int

	// StartThreshold is the number of frames that must be queued before a
	// playback stream starts running.
	StartThreshold int
}

// Stream is one open direction of a device carrying interleaved signed
// 16-bit PCM. Implementations need not be safe for concurrent use.
type Stream interface {
	// Format returns the negotiated format.
	Format() audio.Format

	// Start prepares the stream and starts the data flow.
	Start() error

	// Stop halts the data flow and drops anything pending, without
	// closing the stream.
	Stop() error

	// Drain blocks until queued playback data has been played. Capture
	// streams may treat it as Stop.
	Drain() error

	// Close releases the stream.
	Close() error

	// Read blocks until it has filled buf with whole frames, or fewer on
	// a short read, and returns the number of frames read. An error
	// wrapping [ErrXrun] means the stream overran and must be recovered.
	Read(buf []int16) (frames int, err error)

	// Write queues whole frames from buf and returns how many it accepted,
	// which may be fewer than len(buf)/channels. An error wrapping
	// [ErrXrun] means the stream underran; frames reports what was
	// accepted before it did.
	Write(buf []int16) (frames int, err error)

	// Recover returns the stream to a running state after err, which
	// wraps [ErrXrun].
	Recover(err error) error
}

// Backend opens streams on some family of devices: real hardware, files,
// or test doubles.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string

	// Open opens and configures one direction of a device.
	Open(dir Direction, cfg StreamConfig) (Stream, error)
}
