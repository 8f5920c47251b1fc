package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Int16sToBytes serialises PCM samples as little-endian int16 bytes.
func Int16sToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// BytesToInt16s parses little-endian int16 PCM. A trailing odd byte is
// ignored.
func BytesToInt16s(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// RMS returns the root mean square amplitude of samples, in the int16 range.
// It returns 0 for an empty slice.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Silence returns a zeroed frame of the given length.
func Silence(f Format, frames int) PCMFrame {
	return PCMFrame{Samples: make([]int16, frames*f.Channels), Format: f}
}

// Sine returns frames frames of a sine tone at freq Hz with the given peak
// amplitude, starting at sample offset. The same value is written to every
// channel. Pass the running offset back in to get a continuous tone.
func Sine(f Format, frames int, freq float64, amplitude int16, offset int) PCMFrame {
	out := Silence(f, frames)
	for i := range frames {
		v := int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(offset+i)/float64(f.SampleRate)))
		for c := range f.Channels {
			out.Samples[i*f.Channels+c] = v
		}
	}
	return out
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels != 1 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz/%s", rate, ch)
}
