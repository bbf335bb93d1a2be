package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolux/lumen/routing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
	if got := cfg.Engine.TickInterval(); got != 33*time.Millisecond {
		t.Errorf("expected 33ms tick interval, got %v", got)
	}
	if got := cfg.Session.BufferWindow(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms buffer window, got %v", got)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt should be disabled by default")
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "lumen.toml", `
[engine]
tick_interval_ms = 16
route_debounce_ms = 20

[journal]
enabled = true
path = "/tmp/lumen-test.db"

[[devices]]
id = "strip-a"
kind = "linear"
length = 64

[[devices]]
id = "panel"
kind = "grid"
rows = 8
cols = 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Engine.TickInterval(); got != 16*time.Millisecond {
		t.Errorf("expected 16ms tick interval, got %v", got)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "/tmp/lumen-test.db" {
		t.Errorf("journal section not applied: %+v", cfg.Journal)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.MaxDeltasPerSecond != 20 {
		t.Errorf("expected default delta cap 20, got %d", cfg.Session.MaxDeltasPerSecond)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(cfg.Devices))
	}
	desc, err := cfg.Devices[1].Descriptor()
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	if desc.Geometry.PixelCount() != 64 {
		t.Errorf("expected 64 pixels for 8x8 grid, got %d", desc.Geometry.PixelCount())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "lumen.yaml", `
engine:
  tick_interval_ms: 25
http:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.TickIntervalMs != 25 {
		t.Errorf("expected tick 25, got %d", cfg.Engine.TickIntervalMs)
	}
	if cfg.HTTP.Enabled {
		t.Error("http should be disabled")
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "lumen.ini", "tick=1")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.TickIntervalMs != 33 {
		t.Errorf("expected default tick 33, got %d", cfg.Engine.TickIntervalMs)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.TickIntervalMs = 0
	cfg.Session.MaxDeltasPerSecond = -1
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(errs) != 3 {
		t.Fatalf("expected 3 problems, got %d: %v", len(errs), errs)
	}
	msg := err.Error()
	for _, field := range []string{"engine.tick_interval_ms", "session.max_deltas_per_second", "logging.level"} {
		if !strings.Contains(msg, field) {
			t.Errorf("error should name %s: %s", field, msg)
		}
	}
}

func TestValidateRejectsUnknownIncompatiblePolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.OnIncompatible = "panic"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "engine.on_incompatible") {
		t.Fatalf("expected incompatible policy error, got %v", err)
	}
}

func TestIncompatiblePolicyParsing(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Engine.IncompatiblePolicy(); got != routing.IncompatibleExclude {
		t.Errorf("expected exclude by default, got %v", got)
	}
	cfg.Engine.OnIncompatible = "REFUSE"
	if got := cfg.Engine.IncompatiblePolicy(); got != routing.IncompatibleRefuse {
		t.Errorf("expected refuse, got %v", got)
	}
}

func TestValidateRejectsDuplicateDevices(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = []DeviceConfig{
		{ID: "strip", Kind: "linear", Length: 8},
		{ID: "strip", Kind: "linear", Length: 16},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate device error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LUMEN_MQTT_BROKER", "tcp://broker.local:1883")
	t.Setenv("LUMEN_LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://broker.local:1883" {
		t.Errorf("broker override not applied: %s", cfg.MQTT.Broker)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override not applied: %s", cfg.Logging.Level)
	}
}

func TestDeviceDescriptorRejectsUnknownKind(t *testing.T) {
	d := DeviceConfig{ID: "ring", Kind: "circle", Length: 12}
	if _, err := d.Descriptor(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLoaderReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "lumen.toml", "[engine]\ntick_interval_ms = 33\n")

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reloaded := make(chan *Config, 1)
	l.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("[engine]\ntick_interval_ms = 16\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Engine.TickIntervalMs != 16 {
			t.Errorf("expected reloaded tick 16, got %d", cfg.Engine.TickIntervalMs)
		}
		if l.Config().Engine.TickIntervalMs != 16 {
			t.Error("Config() should return the reloaded configuration")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderKeepsOldConfigOnBrokenEdit(t *testing.T) {
	path := writeConfig(t, "lumen.toml", "[engine]\ntick_interval_ms = 33\n")

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Negative tick fails validation, so the edit must not take effect.
	if err := os.WriteFile(path, []byte("[engine]\ntick_interval_ms = -5\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case err := <-l.Errors():
		if !strings.Contains(err.Error(), "tick_interval_ms") {
			t.Errorf("expected tick validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	if l.Config().Engine.TickIntervalMs != 33 {
		t.Errorf("broken edit should keep old config, got tick %d", l.Config().Engine.TickIntervalMs)
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
