package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
audio:
  backend: wav
  device: default
  input_device: in.wav
  output_device: out.wav
  sample_rate: 48000
  channels: 2
  period_frames: 480
  high_latency: true
  opus:
    bitrate: 64000
    frame_duration: 20ms
    vbr: false
    dtx: false
  wav:
    loop: true
    realtime: false
recovery:
  reopen_after: 10
  reopen_cooldown: 500ms
bridge:
  enabled: false
  path: /ws
  mode: pcm
  queue_size: 8
  origin_patterns: ["*.example.com", "localhost:3000"]
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, fullYAML)

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	a := cfg.Audio
	if a.Backend != "wav" || a.SampleRate != 48000 || a.Channels != 2 || a.PeriodFrames != 480 {
		t.Errorf("audio = %+v", a)
	}
	if a.CaptureDevice() != "in.wav" || a.PlaybackDevice() != "out.wav" {
		t.Errorf("devices = %q/%q, want in.wav/out.wav", a.CaptureDevice(), a.PlaybackDevice())
	}
	if a.Opus.Bitrate != 64000 || a.Opus.FrameDuration != 20*time.Millisecond {
		t.Errorf("opus = %+v", a.Opus)
	}
	if a.Opus.VBREnabled() || a.Opus.DTXEnabled() {
		t.Error("vbr/dtx should be disabled")
	}
	if !a.WAV.Loop || a.WAV.RealtimeEnabled() {
		t.Errorf("wav = %+v", a.WAV)
	}
	if cfg.Recovery.ReopenAfter != 10 || cfg.Recovery.ReopenCooldown != 500*time.Millisecond {
		t.Errorf("recovery = %+v", cfg.Recovery)
	}
	if cfg.Bridge.IsEnabled() || cfg.Bridge.Path != "/ws" || cfg.Bridge.Mode != config.BridgePCM || cfg.Bridge.QueueSize != 8 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
	if !a.HighLatency {
		t.Error("high_latency should be set")
	}
	if got := cfg.Bridge.OriginPatterns; len(got) != 2 || got[0] != "*.example.com" || got[1] != "localhost:3000" {
		t.Errorf("origin_patterns = %v", got)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	a := cfg.Audio
	if a.Backend != "portaudio" || a.Device != "default" {
		t.Errorf("backend/device = %q/%q", a.Backend, a.Device)
	}
	if a.SampleRate != 16000 || a.Channels != 1 || a.PeriodFrames != 320 {
		t.Errorf("format = %d/%d/%d, want 16000/1/320", a.SampleRate, a.Channels, a.PeriodFrames)
	}
	if a.CaptureDevice() != "default" || a.PlaybackDevice() != "default" {
		t.Errorf("devices = %q/%q", a.CaptureDevice(), a.PlaybackDevice())
	}
	if a.Opus.Bitrate != 32000 || a.Opus.FrameDuration != 10*time.Millisecond {
		t.Errorf("opus = %+v", a.Opus)
	}
	if !a.Opus.VBREnabled() || !a.Opus.DTXEnabled() || !a.WAV.RealtimeEnabled() || a.WAV.Loop {
		t.Error("boolean defaults are wrong")
	}
	if cfg.Recovery.ReopenAfter != 50 || cfg.Recovery.ReopenCooldown != time.Second {
		t.Errorf("recovery = %+v", cfg.Recovery)
	}
	if !cfg.Bridge.IsEnabled() || cfg.Bridge.Path != "/audio" || cfg.Bridge.Mode != config.BridgeEncoded || cfg.Bridge.QueueSize != 50 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  samplerate: 16000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "samplerate") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("recovery:\n  reopen_cooldown: soon\n"))
	if err == nil {
		t.Fatal("expected error for malformed duration, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"sample rate", "audio:\n  sample_rate: 44100\n", "audio.sample_rate 44100"},
		{"channels", "audio:\n  channels: 6\n", "audio.channels 6"},
		{"period", "audio:\n  period_frames: -1\n", "audio.period_frames"},
		{"bitrate low", "audio:\n  opus:\n    bitrate: 100\n", "audio.opus.bitrate"},
		{"bitrate high", "audio:\n  opus:\n    bitrate: 600000\n", "audio.opus.bitrate"},
		{"frame duration", "audio:\n  opus:\n    frame_duration: 15ms\n", "audio.opus.frame_duration"},
		{"cooldown", "recovery:\n  reopen_cooldown: -1s\n", "recovery.reopen_cooldown"},
		{"bridge mode", "bridge:\n  mode: json\n", "bridge.mode"},
		{"bridge path", "bridge:\n  path: audio\n", "must start with /"},
		{"bridge collision", "bridge:\n  path: /metrics\n", "collides"},
		{"queue size", "bridge:\n  queue_size: -3\n", "bridge.queue_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error should contain %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
audio:
  channels: 3
bridge:
  mode: json
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "audio.channels", "bridge.mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_DisabledBridgeMayUseAnyPath(t *testing.T) {
	t.Parallel()
	mustLoad(t, "bridge:\n  enabled: false\n  path: /metrics\n")
}

func TestValidate_NegativeReopenAfterDisables(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "recovery:\n  reopen_after: -1\n")
	if cfg.Recovery.ReopenAfter != -1 {
		t.Errorf("reopen_after = %d, want -1", cfg.Recovery.ReopenAfter)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Audio.Backend != "wav" {
		t.Errorf("backend = %q, want wav", cfg.Audio.Backend)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Audio.Format().String() != "16000Hz/mono" {
		t.Errorf("format = %s, want 16000Hz/mono", cfg.Audio.Format())
	}
}
