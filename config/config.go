// Package config handles configuration loading, validation, and
// hot-reloading for the lumen daemon.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/routing"
)

// Config is the root daemon configuration. Fields carry toml, json, and
// yaml tags so the same struct loads from any of the three formats.
type Config struct {
	// Engine configures routing and compositing cadence.
	Engine EngineConfig `toml:"engine" json:"engine" yaml:"engine"`

	// Session configures delta synchronization between participants.
	Session SessionConfig `toml:"session" json:"session" yaml:"session"`

	// MQTT configures the broker-backed session transport.
	MQTT MQTTConfig `toml:"mqtt" json:"mqtt" yaml:"mqtt"`

	// Journal configures durable recording of session traffic.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// HTTP configures the status and metrics listener.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	// Logging configures log output.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Devices lists virtual devices to register with the in-memory
	// driver. Ignored when a hardware driver is wired in programmatically.
	Devices []DeviceConfig `toml:"devices" json:"devices" yaml:"devices"`
}

// EngineConfig holds routing and compositing timing. Durations are
// expressed in milliseconds so every config format reads them the same way.
type EngineConfig struct {
	// RouteDebounceMs is how long registration and device churn must go
	// quiet before a routing pass runs.
	RouteDebounceMs int `toml:"route_debounce_ms" json:"route_debounce_ms" yaml:"route_debounce_ms"`

	// TickIntervalMs is the compositor cadence.
	TickIntervalMs int `toml:"tick_interval_ms" json:"tick_interval_ms" yaml:"tick_interval_ms"`

	// StallTimeoutMs is how old a producer's latest frame may grow before
	// the producer is treated as stalled. Zero keeps the engine default.
	StallTimeoutMs int `toml:"stall_timeout_ms" json:"stall_timeout_ms" yaml:"stall_timeout_ms"`

	// ConditionBuffer sets the condition stream buffer size.
	ConditionBuffer int `toml:"condition_buffer" json:"condition_buffer" yaml:"condition_buffer"`

	// OnIncompatible selects how routing treats a producer whose mode can
	// never share a contested device: "exclude" keeps looking for another
	// placement, "refuse" rejects the later producer outright.
	OnIncompatible string `toml:"on_incompatible" json:"on_incompatible" yaml:"on_incompatible"`
}

// RouteDebounce returns the debounce interval as a duration.
func (e EngineConfig) RouteDebounce() time.Duration {
	return time.Duration(e.RouteDebounceMs) * time.Millisecond
}

// TickInterval returns the compositor cadence as a duration.
func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMs) * time.Millisecond
}

// StallTimeout returns the stall cutoff as a duration.
func (e EngineConfig) StallTimeout() time.Duration {
	return time.Duration(e.StallTimeoutMs) * time.Millisecond
}

// IncompatiblePolicy returns the parsed incompatible co-location policy.
// Validate reports unknown names; here they fall back to exclude.
func (e EngineConfig) IncompatiblePolicy() routing.IncompatiblePolicy {
	p, _ := routing.ParseIncompatiblePolicy(strings.ToLower(e.OnIncompatible))
	return p
}

// SessionConfig holds delta synchronization timing.
type SessionConfig struct {
	// BufferWindowMs is how long a version gap may stand before the
	// replica requests a resync.
	BufferWindowMs int `toml:"buffer_window_ms" json:"buffer_window_ms" yaml:"buffer_window_ms"`

	// CoalesceWindowMs is how long a sender holds a delta open for
	// merging before publishing.
	CoalesceWindowMs int `toml:"coalesce_window_ms" json:"coalesce_window_ms" yaml:"coalesce_window_ms"`

	// MaxDeltasPerSecond caps publish rate per session.
	MaxDeltasPerSecond int `toml:"max_deltas_per_second" json:"max_deltas_per_second" yaml:"max_deltas_per_second"`
}

// BufferWindow returns the gap tolerance as a duration.
func (s SessionConfig) BufferWindow() time.Duration {
	return time.Duration(s.BufferWindowMs) * time.Millisecond
}

// CoalesceWindow returns the coalescing window as a duration.
func (s SessionConfig) CoalesceWindow() time.Duration {
	return time.Duration(s.CoalesceWindowMs) * time.Millisecond
}

// MQTTConfig holds broker transport settings. When Enabled is false the
// daemon runs sessions over the in-process loopback transport only.
type MQTTConfig struct {
	// Enabled turns the MQTT transport on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Broker is the broker address, e.g. "tcp://localhost:1883". A bare
	// host:port gets the tcp scheme prepended.
	Broker string `toml:"broker" json:"broker" yaml:"broker"`

	// ClientID identifies this daemon to the broker. Empty generates one.
	ClientID string `toml:"client_id" json:"client_id" yaml:"client_id"`

	// TopicPrefix roots all session topics.
	TopicPrefix string `toml:"topic_prefix" json:"topic_prefix" yaml:"topic_prefix"`

	// QoS is the MQTT quality of service level (0, 1, or 2).
	QoS int `toml:"qos" json:"qos" yaml:"qos"`

	// Username and Password authenticate against the broker. Prefer the
	// LUMEN_MQTT_USERNAME and LUMEN_MQTT_PASSWORD environment variables
	// over writing credentials into the config file.
	Username string `toml:"username" json:"username" yaml:"username"`
	Password string `toml:"password" json:"password" yaml:"password"`
}

// JournalConfig holds durable recording settings.
type JournalConfig struct {
	// Enabled turns session journaling on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file. Parent directories are created
	// on open.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// HTTPConfig holds the status listener settings.
type HTTPConfig struct {
	// Enabled turns the HTTP listener on.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the address to bind, e.g. ":8089".
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is the minimum level to emit: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format selects "text" or "json" output.
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DeviceConfig describes one virtual device for the in-memory driver.
type DeviceConfig struct {
	// ID is the device identifier.
	ID string `toml:"id" json:"id" yaml:"id"`

	// Kind is "linear" or "grid".
	Kind string `toml:"kind" json:"kind" yaml:"kind"`

	// Length is the pixel count for linear devices.
	Length int `toml:"length" json:"length" yaml:"length"`

	// Rows and Cols are the dimensions for grid devices.
	Rows int `toml:"rows" json:"rows" yaml:"rows"`
	Cols int `toml:"cols" json:"cols" yaml:"cols"`

	// Capacity caps pixels per frame. Zero means the full geometry.
	Capacity int `toml:"capacity" json:"capacity" yaml:"capacity"`
}

// Descriptor converts the config entry into a device descriptor.
func (d DeviceConfig) Descriptor() (core.DeviceDescriptor, error) {
	desc := core.DeviceDescriptor{ID: core.DeviceID(d.ID), Capacity: d.Capacity}
	switch strings.ToLower(d.Kind) {
	case "linear":
		desc.Geometry = core.Linear(d.Length)
	case "grid":
		desc.Geometry = core.Grid(d.Rows, d.Cols)
	default:
		return core.DeviceDescriptor{}, fmt.Errorf("device %q: unknown kind %q", d.ID, d.Kind)
	}
	if err := desc.Validate(); err != nil {
		return core.DeviceDescriptor{}, err
	}
	return desc, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			RouteDebounceMs: 50,
			TickIntervalMs:  33,
			ConditionBuffer: 64,
			OnIncompatible:  "exclude",
		},
		Session: SessionConfig{
			BufferWindowMs:     250,
			CoalesceWindowMs:   30,
			MaxDeltasPerSecond: 20,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "lumen/sessions",
			QoS:         1,
		},
		Journal: JournalConfig{
			Path: "lumen.db",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  ":8089",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ApplyEnvOverrides applies environment variable overrides. Variables are
// prefixed with LUMEN_ and use underscores. Credentials in particular should
// come from the environment rather than the config file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("LUMEN_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("LUMEN_MQTT_CLIENT_ID"); v != "" {
		c.MQTT.ClientID = v
	}
	if v := os.Getenv("LUMEN_MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("LUMEN_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("LUMEN_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("LUMEN_HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("LUMEN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LUMEN_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every validation failure so a bad file reports
// all of its problems at once.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Engine.RouteDebounceMs < 0 {
		errs = append(errs, ValidationError{"engine.route_debounce_ms", "must not be negative"})
	}
	if c.Engine.TickIntervalMs <= 0 {
		errs = append(errs, ValidationError{"engine.tick_interval_ms", "must be positive"})
	}
	if c.Engine.StallTimeoutMs < 0 {
		errs = append(errs, ValidationError{"engine.stall_timeout_ms", "must not be negative"})
	}
	if c.Engine.ConditionBuffer <= 0 {
		errs = append(errs, ValidationError{"engine.condition_buffer", "must be positive"})
	}
	if _, err := routing.ParseIncompatiblePolicy(strings.ToLower(c.Engine.OnIncompatible)); err != nil {
		errs = append(errs, ValidationError{"engine.on_incompatible", err.Error()})
	}

	if c.Session.BufferWindowMs <= 0 {
		errs = append(errs, ValidationError{"session.buffer_window_ms", "must be positive"})
	}
	if c.Session.CoalesceWindowMs < 0 {
		errs = append(errs, ValidationError{"session.coalesce_window_ms", "must not be negative"})
	}
	if c.Session.MaxDeltasPerSecond <= 0 {
		errs = append(errs, ValidationError{"session.max_deltas_per_second", "must be positive"})
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, ValidationError{"mqtt.broker", "required when mqtt is enabled"})
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, ValidationError{"mqtt.qos", fmt.Sprintf("must be 0, 1, or 2, got %d", c.MQTT.QoS)})
		}
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, ValidationError{"journal.path", "required when journaling is enabled"})
	}

	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		errs = append(errs, ValidationError{"http.listen", "required when http is enabled"})
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format)})
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		field := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, ValidationError{field + ".id", "required"})
			continue
		}
		if seen[d.ID] {
			errs = append(errs, ValidationError{field + ".id", fmt.Sprintf("duplicate device id %q", d.ID)})
		}
		seen[d.ID] = true
		if _, err := d.Descriptor(); err != nil {
			errs = append(errs, ValidationError{field, err.Error()})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
