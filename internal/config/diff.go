package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied live.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the changed sections that only take effect
	// after a restart, e.g. "audio", "bridge".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !audioEqual(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Recovery != new.Recovery {
		d.RestartRequired = append(d.RestartRequired, "recovery")
	}
	if !bridgeEqual(old.Bridge, new.Bridge) {
		d.RestartRequired = append(d.RestartRequired, "bridge")
	}

	return d
}

// audioEqual compares two audio sections, treating unset booleans as their
// defaults.
func audioEqual(a, b AudioConfig) bool {
	if a.Backend != b.Backend ||
		a.CaptureDevice() != b.CaptureDevice() ||
		a.PlaybackDevice() != b.PlaybackDevice() ||
		a.Format() != b.Format() ||
		a.PeriodFrames != b.PeriodFrames ||
		a.HighLatency != b.HighLatency {
		return false
	}
	if a.Opus.Bitrate != b.Opus.Bitrate ||
		a.Opus.FrameDuration != b.Opus.FrameDuration ||
		a.Opus.VBREnabled() != b.Opus.VBREnabled() ||
		a.Opus.DTXEnabled() != b.Opus.DTXEnabled() {
		return false
	}
	return a.WAV.Loop == b.WAV.Loop && a.WAV.RealtimeEnabled() == b.WAV.RealtimeEnabled()
}

func bridgeEqual(a, b BridgeConfig) bool {
	return a.IsEnabled() == b.IsEnabled() &&
		a.Path == b.Path &&
		a.Mode == b.Mode &&
		a.QueueSize == b.QueueSize &&
		slices.Equal(a.OriginPatterns, b.OriginPatterns)
}
