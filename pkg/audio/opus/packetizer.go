package opus

import (
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// Packetizer splits PCM of arbitrary length into codec-sized frames and
// encodes each one. Samples that do not fill a whole frame are carried over
// to the next call.
//
// A Packetizer belongs to one stream and is not safe for concurrent use.
type Packetizer struct {
	enc     *Encoder
	pending []int16
}

// NewPacketizer returns a Packetizer that encodes with enc.
func NewPacketizer(enc *Encoder) *Packetizer {
	return &Packetizer{enc: enc}
}

// Push appends frame to the pending samples and calls emit for every
// non-empty packet produced. It returns the first encode error; samples of a
// failed frame are discarded.
//
// If frame's format differs from the encoder's (e.g. after the encoder was
// reset), pending samples are dropped first.
func (p *Packetizer) Push(frame audio.PCMFrame, emit func(audio.EncodedPacket)) error {
	format := p.enc.Format()
	if frame.Format != format {
		p.pending = p.pending[:0]
		if frame.Empty() {
			return nil
		}
		return fmt.Errorf("%w: got %v, encoder is %v", ErrFormat, frame.Format, format)
	}

	p.pending = append(p.pending, frame.Samples...)
	step := p.enc.FrameSize() * format.Channels

	var firstErr error
	off := 0
	for ; off+step <= len(p.pending); off += step {
		chunk := audio.PCMFrame{Samples: p.pending[off : off+step], Format: format}
		pkt, err := p.enc.Encode(chunk)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !pkt.Empty() {
			emit(pkt)
		}
	}
	p.pending = append(p.pending[:0], p.pending[off:]...)
	return firstErr
}

// Pending returns the number of buffered samples not yet encoded.
func (p *Packetizer) Pending() int { return len(p.pending) }

// Reset drops any buffered samples.
func (p *Packetizer) Reset() { p.pending = p.pending[:0] }
