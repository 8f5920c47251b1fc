package portaudio

import (
	"os"
	"slices"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

func TestMatchDevice(t *testing.T) {
	t.Parallel()

	cands := []candidate{
		{"HDA Intel PCH: ALC3246 Analog (hw:0,0)", 2},
		{"HDMI 0", 0},
		{"USB Audio Device: - (hw:1,0)", 1},
		{"pulse", 32},
		{"default", 32},
	}
	tests := []struct {
		name string
		want int
	}{
		{"pulse", 3},
		{"usb audio", 2},
		{"hw:0,0", 0},
		{"HDMI", -1}, // no channels in this direction
		{"nope", -1},
	}
	for _, tt := range tests {
		if got := matchDevice(cands, tt.name); got != tt.want {
			t.Errorf("matchDevice(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRateCandidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		requested int
		def       float64
		want      []int
	}{
		// A 44.1 kHz default is never offered; nearest codec rates follow.
		{16000, 44100, []int{16000, 24000, 8000, 48000}},
		{16000, 48000, []int{16000, 48000, 24000, 8000}},
		{48000, 48000, []int{48000, 24000, 16000, 8000}},
		// An unsupported request still falls back to codec rates.
		{44100, 44100, []int{48000, 24000, 16000, 8000}},
		{0, 0, []int{8000, 16000, 24000, 48000}},
	}
	for _, tt := range tests {
		if got := rateCandidates(tt.requested, tt.def); !slices.Equal(got, tt.want) {
			t.Errorf("rateCandidates(%d, %v) = %v, want %v", tt.requested, tt.def, got, tt.want)
		}
	}
}

// TestHardwareOpenClose needs a real sound card; set PARLEY_PORTAUDIO_TEST=1
// to run it.
func TestHardwareOpenClose(t *testing.T) {
	if os.Getenv("PARLEY_PORTAUDIO_TEST") == "" {
		t.Skip("PARLEY_PORTAUDIO_TEST not set; skipping hardware test")
	}

	d := device.New(New())
	for i := range 3 {
		if err := d.Open(audio.Format{SampleRate: 16000, Channels: 1}, ""); err != nil {
			t.Fatalf("cycle %d: Open: %v", i, err)
		}
		frame, err := d.Read(320)
		if err != nil {
			t.Fatalf("cycle %d: Read: %v", i, err)
		}
		if len(frame.Samples) > 320 {
			t.Errorf("cycle %d: Read returned %d samples", i, len(frame.Samples))
		}
		if err := d.Close(); err != nil {
			t.Fatalf("cycle %d: Close: %v", i, err)
		}
	}
}
