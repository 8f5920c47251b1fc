// Package mock provides scripted implementations of [device.Backend] and
// [device.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. Set the exported fields to control
// behaviour before the stream is used; inspect the CallCount* and recorded
// fields afterwards.
//
// Typical usage:
//
//	b := &mock.Backend{
//	    Configure: func(dir device.Direction, s *mock.Stream) {
//	        if dir == device.Capture {
//	            s.ReadErrors = []error{device.ErrXrun}
//	        }
//	    },
//	}
//	io := device.New(b)
//	_ = io.Open(audio.Format{SampleRate: 16000, Channels: 1}, "")
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	Dir    device.Direction
	Config device.StreamConfig
}

// Backend is a mock implementation of [device.Backend].
type Backend struct {
	mu sync.Mutex

	// NameResult is returned by [Backend.Name]. Defaults to "mock".
	NameResult string

	// CaptureOpenError and PlaybackOpenError make Open fail for that
	// direction.
	CaptureOpenError  error
	PlaybackOpenError error

	// NegotiatedRate, when positive, replaces the requested sample rate in
	// the format of every opened stream.
	NegotiatedRate int

	// Configure, if set, is called on every new stream before Open returns
	// it, so tests can script reads and writes.
	Configure func(dir device.Direction, s *Stream)

	// OpenCalls records every Open call, including failed ones.
	OpenCalls []OpenCall

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream
}

var _ device.Backend = (*Backend)(nil)

// Name implements [device.Backend].
func (b *Backend) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NameResult == "" {
		return "mock"
	}
	return b.NameResult
}

// Open implements [device.Backend].
func (b *Backend) Open(dir device.Direction, cfg device.StreamConfig) (device.Stream, error) {
	b.mu.Lock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Dir: dir, Config: cfg})
	var err error
	switch dir {
	case device.Capture:
		err = b.CaptureOpenError
	case device.Playback:
		err = b.PlaybackOpenError
	}
	configure := b.Configure
	rate := b.NegotiatedRate
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}

	format := cfg.Format
	if rate > 0 {
		format.SampleRate = rate
	}
	s := &Stream{Dir: dir, Config: cfg, FormatResult: format}
	if configure != nil {
		configure(dir, s)
	}

	b.mu.Lock()
	b.Streams = append(b.Streams, s)
	b.mu.Unlock()
	return s, nil
}

// Last returns the most recently opened stream for dir, or nil.
func (b *Backend) Last(dir device.Direction) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.Streams) - 1; i >= 0; i-- {
		if b.Streams[i].Dir == dir {
			return b.Streams[i]
		}
	}
	return nil
}

// OpenStreams returns how many opened streams have not been closed.
func (b *Backend) OpenStreams() int {
	b.mu.Lock()
	streams := append([]*Stream(nil), b.Streams...)
	b.mu.Unlock()
	n := 0
	for _, s := range streams {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [device.Stream].
type Stream struct {
	mu sync.Mutex

	// Dir and Config record how the stream was opened.
	Dir    device.Direction
	Config device.StreamConfig

	// FormatResult is returned by [Stream.Format].
	FormatResult audio.Format

	// ReadErrors is consumed one entry per Read call. A nil entry, or an
	// exhausted slice, means the read succeeds.
	ReadErrors []error

	// ReadFailure, if non-nil, fails every Read once ReadErrors is
	// exhausted.
	ReadFailure error

	// ReadFrames, when positive, caps the frames returned by one Read.
	ReadFrames int

	// Source fills capture buffers. Defaults to a continuous 440 Hz tone.
	Source func(buf []int16)

	// ReadGate, if non-nil, makes every Read block until it receives a
	// value or the channel is closed.
	ReadGate chan struct{}

	// WriteErrors is consumed one entry per Write call, like ReadErrors.
	WriteErrors []error

	// WriteFailure, if non-nil, fails every Write once WriteErrors is
	// exhausted.
	WriteFailure error

	// WriteFrames, when positive, caps the frames accepted by one Write.
	WriteFrames int

	// WriteGate, if non-nil, makes every Write block like ReadGate.
	WriteGate chan struct{}

	StartError   error
	StopError    error
	DrainError   error
	CloseError   error
	RecoverError error

	// Written holds every sample accepted by Write, in order.
	Written []int16

	// Running is true between Start and Stop.
	Running bool

	CallCountRead    int
	CallCountWrite   int
	CallCountRecover int
	CallCountStart   int
	CallCountStop    int
	CallCountDrain   int
	CallCountClose   int

	// RecoverCauses records the error passed to each Recover call.
	RecoverCauses []error

	phase int
}

var _ device.Stream = (*Stream)(nil)

// Format implements [device.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Start implements [device.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.Running = true
	return nil
}

// Stop implements [device.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.Running = false
	return s.StopError
}

// Drain implements [device.Stream].
func (s *Stream) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountDrain++
	s.Running = false
	return s.DrainError
}

// Close implements [device.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// IsClosed reports whether Close has been called at least once.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// Read implements [device.Stream].
func (s *Stream) Read(buf []int16) (int, error) {
	s.mu.Lock()
	s.CallCountRead++
	gate := s.ReadGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pop(&s.ReadErrors); err != nil {
		return 0, err
	}
	if s.ReadFailure != nil {
		return 0, s.ReadFailure
	}
	ch := max(s.FormatResult.Channels, 1)
	frames := len(buf) / ch
	if s.ReadFrames > 0 {
		frames = min(frames, s.ReadFrames)
	}
	out := buf[:frames*ch]
	if s.Source != nil {
		s.Source(out)
	} else {
		tone := audio.Sine(s.FormatResult, frames, 440, 8000, s.phase)
		copy(out, tone.Samples)
		s.phase += frames
	}
	return frames, nil
}

// Write implements [device.Stream].
func (s *Stream) Write(buf []int16) (int, error) {
	s.mu.Lock()
	s.CallCountWrite++
	gate := s.WriteGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := pop(&s.WriteErrors); err != nil {
		return 0, err
	}
	if s.WriteFailure != nil {
		return 0, s.WriteFailure
	}
	ch := max(s.FormatResult.Channels, 1)
	frames := len(buf) / ch
	if s.WriteFrames > 0 {
		frames = min(frames, s.WriteFrames)
	}
	s.Written = append(s.Written, buf[:frames*ch]...)
	return frames, nil
}

// Recover implements [device.Stream].
func (s *Stream) Recover(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRecover++
	s.RecoverCauses = append(s.RecoverCauses, err)
	return s.RecoverError
}

// Counts returns a snapshot of the read, write and recover call counts.
func (s *Stream) Counts() (reads, writes, recovers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountRead, s.CallCountWrite, s.CallCountRecover
}

// WrittenSamples returns a copy of everything written so far.
func (s *Stream) WrittenSamples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int16(nil), s.Written...)
}

// SetReadErrors replaces the scripted read errors.
func (s *Stream) SetReadErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadErrors = errs
}

// SetReadFailure sets or clears the persistent read failure.
func (s *Stream) SetReadFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReadFailure = err
}

// SetWriteFailure sets or clears the persistent write failure.
func (s *Stream) SetWriteFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteFailure = err
}

// SetWriteErrors replaces the scripted write errors.
func (s *Stream) SetWriteErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteErrors = errs
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}
