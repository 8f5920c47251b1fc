package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultBackend        = "portaudio"
	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultPeriodFrames   = 320
	DefaultBitrate        = 32000
	DefaultFrameDuration  = 10 * time.Millisecond
	DefaultReopenAfter    = 50
	DefaultReopenCooldown = time.Second
	DefaultBridgePath     = "/audio"
	DefaultQueueSize      = 50
)

// ValidBackends lists the device backends shipped with Parley. Other names
// are accepted when registered in a [Registry].
var ValidBackends = []string{"portaudio", "wav"}

// validFrameDurations are the packet durations the Opus encoder accepts.
var validFrameDurations = []time.Duration{
	2500 * time.Microsecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	20 * time.Millisecond,
	40 * time.Millisecond,
	60 * time.Millisecond,
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	if a.Device == "" {
		a.Device = device.DefaultDevice
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.PeriodFrames == 0 {
		a.PeriodFrames = DefaultPeriodFrames
	}
	if a.Opus.Bitrate == 0 {
		a.Opus.Bitrate = DefaultBitrate
	}
	if a.Opus.FrameDuration == 0 {
		a.Opus.FrameDuration = DefaultFrameDuration
	}

	if cfg.Recovery.ReopenAfter == 0 {
		cfg.Recovery.ReopenAfter = DefaultReopenAfter
	}
	if cfg.Recovery.ReopenCooldown == 0 {
		cfg.Recovery.ReopenCooldown = DefaultReopenCooldown
	}

	if cfg.Bridge.Path == "" {
		cfg.Bridge.Path = DefaultBridgePath
	}
	if cfg.Bridge.Mode == "" {
		cfg.Bridge.Mode = BridgeEncoded
	}
	if cfg.Bridge.QueueSize == 0 {
		cfg.Bridge.QueueSize = DefaultQueueSize
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	a := cfg.Audio
	if a.Backend == "" {
		errs = append(errs, errors.New("audio.backend is required"))
	} else if !slices.Contains(ValidBackends, a.Backend) {
		slog.Warn("unknown audio backend; it must be registered by the caller",
			"backend", a.Backend,
			"known", ValidBackends,
		)
	}
	if !slices.Contains(audio.SupportedSampleRates, a.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: %s", a.SampleRate, joinInts(audio.SupportedSampleRates)))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", a.Channels))
	}
	if a.PeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.period_frames %d must not be negative", a.PeriodFrames))
	}
	if a.Opus.Bitrate < 6000 || a.Opus.Bitrate > 510000 {
		errs = append(errs, fmt.Errorf("audio.opus.bitrate %d is out of range [6000, 510000]", a.Opus.Bitrate))
	}
	if !slices.Contains(validFrameDurations, a.Opus.FrameDuration) {
		errs = append(errs, fmt.Errorf("audio.opus.frame_duration %s is invalid; valid values: 2.5ms, 5ms, 10ms, 20ms, 40ms, 60ms", a.Opus.FrameDuration))
	}

	if cfg.Recovery.ReopenCooldown < 0 {
		errs = append(errs, fmt.Errorf("recovery.reopen_cooldown %s must not be negative", cfg.Recovery.ReopenCooldown))
	}

	b := cfg.Bridge
	if b.Mode != "" && !b.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("bridge.mode %q is invalid; valid values: encoded, pcm", b.Mode))
	}
	if b.Path != "" && !strings.HasPrefix(b.Path, "/") {
		errs = append(errs, fmt.Errorf("bridge.path %q must start with /", b.Path))
	}
	if b.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_size %d must not be negative", b.QueueSize))
	}
	if b.IsEnabled() && (b.Path == "/healthz" || b.Path == "/readyz" || b.Path == "/metrics") {
		errs = append(errs, fmt.Errorf("bridge.path %q collides with a built-in endpoint", b.Path))
	}

	return errors.Join(errs...)
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = fmt.Sprint(n)
	}
	return strings.Join(s, ", ")
}
