package config_test

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/device/mock"
)

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []config.LogLevel{"", "trace", "INFO"} {
		if l.IsValid() {
			t.Errorf("%q should be invalid", l)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.SlogLevel(); got != tt.want {
			t.Errorf("%q.SlogLevel() = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBridgeMode_IsValid(t *testing.T) {
	t.Parallel()
	if !config.BridgeEncoded.IsValid() || !config.BridgePCM.IsValid() {
		t.Error("built-in modes should be valid")
	}
	if config.BridgeMode("opus").IsValid() {
		t.Error(`"opus" should be invalid`)
	}
}

func TestAudioConfig_DeviceOverrides(t *testing.T) {
	t.Parallel()
	a := config.AudioConfig{Device: "hw:1", OutputDevice: "speakers"}
	if got := a.CaptureDevice(); got != "hw:1" {
		t.Errorf("CaptureDevice = %q, want hw:1", got)
	}
	if got := a.PlaybackDevice(); got != "speakers" {
		t.Errorf("PlaybackDevice = %q, want speakers", got)
	}
}

// ─── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.AudioConfig
	reg.Register("mock", func(a config.AudioConfig) (device.Backend, error) {
		got = a
		return &mock.Backend{}, nil
	})

	b, err := reg.Create(config.AudioConfig{Backend: "mock", Device: "x"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b == nil {
		t.Fatal("Create returned nil backend")
	}
	if got.Device != "x" {
		t.Errorf("factory received device %q, want x", got.Device)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().Create(config.AudioConfig{Backend: "alsa"})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	reg := config.NewRegistry()
	reg.Register("bad", func(config.AudioConfig) (device.Backend, error) { return nil, boom })

	_, err := reg.Create(config.AudioConfig{Backend: "bad"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}

func TestRegistry_NamesSortedAndOverwrite(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	calls := 0
	reg.Register("wav", func(config.AudioConfig) (device.Backend, error) { return nil, errors.New("old") })
	reg.Register("portaudio", func(config.AudioConfig) (device.Backend, error) { return &mock.Backend{}, nil })
	reg.Register("wav", func(config.AudioConfig) (device.Backend, error) { calls++; return &mock.Backend{}, nil })

	names := reg.Names()
	if len(names) != 2 || names[0] != "portaudio" || names[1] != "wav" {
		t.Errorf("Names = %v, want [portaudio wav]", names)
	}
	if _, err := reg.Create(config.AudioConfig{Backend: "wav"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if calls != 1 {
		t.Errorf("overwriting factory called %d times, want 1", calls)
	}
}
