// Package config provides the configuration schema, loader, backend registry
// and file watcher for the Parley audio daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// LogLevel controls log verbosity for the Parley daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// BridgeMode selects what the WebSocket bridge exchanges with its peer.
type BridgeMode string

const (
	// BridgeEncoded exchanges Opus packets.
	BridgeEncoded BridgeMode = "encoded"

	// BridgePCM exchanges little-endian int16 PCM.
	BridgePCM BridgeMode = "pcm"
)

// IsValid reports whether m is a recognised bridge mode.
func (m BridgeMode) IsValid() bool {
	return m == BridgeEncoded || m == BridgePCM
}

// Config is the root configuration structure for Parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Bridge   BridgeConfig   `yaml:"bridge"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the device backend and the negotiated stream format.
type AudioConfig struct {
	// Backend names the device backend registered in the [Registry]
	// ("portaudio" or "wav").
	Backend string `yaml:"backend"`

	// Device is the device name used for both directions.
	Device string `yaml:"device"`

	// InputDevice overrides Device for capture. For the wav backend it is
	// the input file.
	InputDevice string `yaml:"input_device"`

	// OutputDevice overrides Device for playback. For the wav backend it is
	// the output file.
	OutputDevice string `yaml:"output_device"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// PeriodFrames is the number of frames moved per device read or write.
	PeriodFrames int `yaml:"period_frames"`

	// HighLatency asks the portaudio backend for the host's high-latency
	// buffer sizes. It trades delay for fewer xruns on busy hosts.
	HighLatency bool `yaml:"high_latency"`

	Opus OpusConfig `yaml:"opus"`
	WAV  WAVConfig  `yaml:"wav"`
}

// Format returns the requested stream format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
}

// CaptureDevice returns the device name for capture.
func (a AudioConfig) CaptureDevice() string {
	if a.InputDevice != "" {
		return a.InputDevice
	}
	return a.Device
}

// PlaybackDevice returns the device name for playback.
func (a AudioConfig) PlaybackDevice() string {
	if a.OutputDevice != "" {
		return a.OutputDevice
	}
	return a.Device
}

// OpusConfig holds encoder settings.
type OpusConfig struct {
	// Bitrate in bits per second, 6000..510000.
	Bitrate int `yaml:"bitrate"`

	// FrameDuration is the audio span of one packet.
	FrameDuration time.Duration `yaml:"frame_duration"`

	VBR *bool `yaml:"vbr"`
	DTX *bool `yaml:"dtx"`
}

// VBREnabled reports whether variable bitrate is on. Default: true.
func (o OpusConfig) VBREnabled() bool { return o.VBR == nil || *o.VBR }

// DTXEnabled reports whether silence suppression is on. Default: true.
func (o OpusConfig) DTXEnabled() bool { return o.DTX == nil || *o.DTX }

// WAVConfig tunes the file-backed virtual device.
type WAVConfig struct {
	// Loop rewinds the input file at EOF instead of yielding silence.
	Loop bool `yaml:"loop"`

	Realtime *bool `yaml:"realtime"`
}

// RealtimeEnabled reports whether reads and writes are paced to the wall
// clock. Default: true.
func (w WAVConfig) RealtimeEnabled() bool { return w.Realtime == nil || *w.Realtime }

// RecoveryConfig tunes the device reopen breaker.
type RecoveryConfig struct {
	// ReopenAfter is the number of consecutive failed I/O cycles after which
	// the device is reopened. Negative disables reopening.
	ReopenAfter int `yaml:"reopen_after"`

	// ReopenCooldown spaces reopen attempts while the device keeps failing.
	ReopenCooldown time.Duration `yaml:"reopen_cooldown"`
}

// BridgeConfig configures the WebSocket audio bridge.
type BridgeConfig struct {
	Enabled *bool `yaml:"enabled"`

	// Path is the HTTP path the bridge is served on.
	Path string `yaml:"path"`

	Mode BridgeMode `yaml:"mode"`

	// QueueSize bounds the playback queue; the oldest entry is dropped when
	// it is full.
	QueueSize int `yaml:"queue_size"`

	// OriginPatterns lists extra browser origins allowed to connect, as
	// glob patterns matched against the origin host (e.g. "*.example.com").
	// Same-origin peers and non-browser clients are always accepted.
	OriginPatterns []string `yaml:"origin_patterns"`
}

// IsEnabled reports whether the bridge is served. Default: true.
func (b BridgeConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }
