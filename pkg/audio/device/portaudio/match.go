package portaudio

import (
	"slices"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
)

type candidate struct {
	name     string
	channels int
}

// matchDevice returns the index of the candidate best matching name, or -1.
// Candidates without channels are skipped. An exact match beats a
// case-insensitive substring match; ties go to the first candidate.
func matchDevice(candidates []candidate, name string) int {
	sub := -1
	lower := strings.ToLower(name)
	for i, c := range candidates {
		if c.channels <= 0 {
			continue
		}
		if c.name == name {
			return i
		}
		if sub < 0 && strings.Contains(strings.ToLower(c.name), lower) {
			sub = i
		}
	}
	return sub
}

// rateCandidates lists the sample rates to try for a stream: the requested
// one, then the device default, then the remaining codec rates nearest to
// the requested one (ties go to the higher rate). Only rates in
// [audio.SupportedSampleRates] are returned, so a device whose default is
// 44.1 kHz still lands on a rate the encoder accepts.
func rateCandidates(requested int, deviceDefault float64) []int {
	out := make([]int, 0, len(audio.SupportedSampleRates))
	add := func(r int) {
		if slices.Contains(audio.SupportedSampleRates, r) && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	add(requested)
	add(int(deviceDefault))

	rest := slices.Clone(audio.SupportedSampleRates)
	slices.SortStableFunc(rest, func(a, b int) int {
		if da, db := distance(a, requested), distance(b, requested); da != db {
			return da - db
		}
		return b - a
	})
	for _, r := range rest {
		add(r)
	}
	return out
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
