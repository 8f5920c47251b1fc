package pipeline

import "strings"

// State is a bit set describing the lifecycle of an [Orchestrator].
type State uint8

// StateUninitialized is the zero State: nothing has been opened yet.
const StateUninitialized State = 0

const (
	// StateInitialized is set once devices and codecs are ready.
	StateInitialized State = 1 << iota
	// StateCaptureRunning is set while the capture goroutine runs.
	StateCaptureRunning
	// StatePlaybackRunning is set while the playback goroutine runs.
	StatePlaybackRunning
	// StateStopped is set by Close and never cleared.
	StateStopped
)

var stateNames = []struct {
	bit  State
	name string
}{
	{StateInitialized, "initialized"},
	{StateCaptureRunning, "capture"},
	{StatePlaybackRunning, "playback"},
	{StateStopped, "stopped"},
}

// Has reports whether every bit of flag is set in s.
func (s State) Has(flag State) bool { return s&flag == flag }

// String returns the set flags joined by "|", or "uninitialized".
func (s State) String() string {
	if s == StateUninitialized {
		return "uninitialized"
	}
	var parts []string
	for _, n := range stateNames {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
