// Package config loads edbridge settings from a YAML or TOML file, applies
// EDBRIDGE_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"edbridge/pkg/bridge"
	"edbridge/pkg/jobs"
	"edbridge/pkg/protocol"
	"edbridge/pkg/worker"
)

// Duration is a time.Duration written as a string ("5s", "250ms") in both
// file formats.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// BridgeConfig tunes the host orchestrator.
type BridgeConfig struct {
	QueueCeiling           int      `yaml:"queue_ceiling" toml:"queue_ceiling"`
	RequestTimeout         Duration `yaml:"request_timeout" toml:"request_timeout"`
	MaxRequestTimeout      Duration `yaml:"max_request_timeout" toml:"max_request_timeout"`
	ReadyWait              Duration `yaml:"ready_wait" toml:"ready_wait"`
	HeartbeatInterval      Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeout       Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	HeartbeatMissThreshold int      `yaml:"heartbeat_miss_threshold" toml:"heartbeat_miss_threshold"`
	WaitingGrace           Duration `yaml:"waiting_grace" toml:"waiting_grace"`
	HelloTimeout           Duration `yaml:"hello_timeout" toml:"hello_timeout"`
}

// ReconnectConfig tunes the worker's reconnect loop.
type ReconnectConfig struct {
	BackoffInitial     Duration `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMax         Duration `yaml:"backoff_max" toml:"backoff_max"`
	BackoffMultiplier  float64  `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	Jitter             float64  `yaml:"jitter" toml:"jitter"`
	PortChangeAttempts int      `yaml:"port_change_attempts" toml:"port_change_attempts"`
	PortChangeTimeout  Duration `yaml:"port_change_timeout" toml:"port_change_timeout"`
}

// JobsConfig tunes the worker's job executor.
type JobsConfig struct {
	Retention      Duration `yaml:"retention" toml:"retention"`
	MaxRetained    int      `yaml:"max_retained" toml:"max_retained"`
	DefaultTimeout Duration `yaml:"default_timeout" toml:"default_timeout"`
}

// Config is the full edbridge configuration. Host and worker read the same
// file: the host listens on Host:Port and the worker dials it.
type Config struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	Path           string `yaml:"path" toml:"path"`
	WorkerSocket   string `yaml:"worker_socket" toml:"worker_socket"`
	ControlSocket  string `yaml:"control_socket" toml:"control_socket"`
	EventDB        string `yaml:"event_db" toml:"event_db"`
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	LogDevelopment bool   `yaml:"log_development" toml:"log_development"`

	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Jobs      JobsConfig      `yaml:"jobs" toml:"jobs"`
}

// Default returns the built-in configuration.
func Default() Config {
	dir := DefaultDir()
	return Config{
		Host:          "127.0.0.1",
		Port:          7766,
		Path:          "/bridge",
		ControlSocket: filepath.Join(dir, "control.sock"),
		EventDB:       filepath.Join(dir, "events.db"),
		LogLevel:      "info",
		Bridge: BridgeConfig{
			QueueCeiling:           16,
			RequestTimeout:         Duration(30 * time.Second),
			MaxRequestTimeout:      Duration(10 * time.Minute),
			ReadyWait:              Duration(15 * time.Second),
			HeartbeatInterval:      Duration(5 * time.Second),
			HeartbeatTimeout:       Duration(5 * time.Second),
			HeartbeatMissThreshold: 1,
			WaitingGrace:           Duration(20 * time.Second),
			HelloTimeout:           Duration(10 * time.Second),
		},
		Reconnect: ReconnectConfig{
			BackoffInitial:     Duration(500 * time.Millisecond),
			BackoffMax:         Duration(10 * time.Second),
			BackoffMultiplier:  2,
			Jitter:             0.2,
			PortChangeAttempts: 3,
			PortChangeTimeout:  Duration(5 * time.Second),
		},
		Jobs: JobsConfig{
			Retention:      Duration(10 * time.Minute),
			MaxRetained:    64,
			DefaultTimeout: Duration(10 * time.Minute),
		},
	}
}

// DefaultDir returns ~/.edbridge, or .edbridge when the home directory is
// unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edbridge"
	}
	return filepath.Join(home, ".edbridge")
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is the operator's config file
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return &protocol.Error{
			Code:    protocol.CodeConfigInvalid,
			Message: fmt.Sprintf("unsupported config format %q (want .yaml, .yml or .toml)", ext),
			Details: map[string]any{"path": path},
		}
	}
	if err != nil {
		return &protocol.Error{
			Code:    protocol.CodeConfigInvalid,
			Message: fmt.Sprintf("parse %s: %v", path, err),
			Details: map[string]any{"path": path},
		}
	}
	return nil
}

// applyEnv overlays EDBRIDGE_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("EDBRIDGE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := getenv("EDBRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return protocol.Errorf(protocol.CodeConfigInvalid, "EDBRIDGE_PORT=%q is not a number", v)
		}
		cfg.Port = port
	}
	if v := getenv("EDBRIDGE_DB"); v != "" {
		cfg.EventDB = v
	}
	if v := getenv("EDBRIDGE_CONTROL_SOCKET"); v != "" {
		cfg.ControlSocket = v
	}
	if v := getenv("EDBRIDGE_WORKER_SOCKET"); v != "" {
		cfg.WorkerSocket = v
	}
	if v := getenv("EDBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate reports every invalid field at once as a config_invalid error.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port <= 65535, "port %d out of range", c.Port)
	check(c.Host != "", "host is empty")
	check(strings.HasPrefix(c.Path, "/"), "path %q must start with /", c.Path)
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q not one of debug, info, warn, error", c.LogLevel))
	}

	b := c.Bridge
	check(b.QueueCeiling >= 1, "bridge.queue_ceiling must be at least 1")
	check(b.RequestTimeout > 0, "bridge.request_timeout must be positive")
	check(b.MaxRequestTimeout >= b.RequestTimeout, "bridge.max_request_timeout must not be below request_timeout")
	check(b.ReadyWait > 0, "bridge.ready_wait must be positive")
	check(b.HeartbeatInterval > 0, "bridge.heartbeat_interval must be positive")
	check(b.HeartbeatTimeout > 0, "bridge.heartbeat_timeout must be positive")
	check(b.HeartbeatMissThreshold >= 1, "bridge.heartbeat_miss_threshold must be at least 1")
	check(b.WaitingGrace >= 0, "bridge.waiting_grace must not be negative")
	check(b.HelloTimeout > 0, "bridge.hello_timeout must be positive")

	r := c.Reconnect
	check(r.BackoffInitial > 0, "reconnect.backoff_initial must be positive")
	check(r.BackoffMax >= r.BackoffInitial, "reconnect.backoff_max must not be below backoff_initial")
	check(r.BackoffMultiplier >= 1, "reconnect.backoff_multiplier must be at least 1")
	check(r.Jitter >= 0 && r.Jitter <= 1, "reconnect.jitter must be within 0..1")
	check(r.PortChangeAttempts >= 1, "reconnect.port_change_attempts must be at least 1")
	check(r.PortChangeTimeout > 0, "reconnect.port_change_timeout must be positive")

	j := c.Jobs
	check(j.Retention > 0, "jobs.retention must be positive")
	check(j.MaxRetained >= 1, "jobs.max_retained must be at least 1")
	check(j.DefaultTimeout > 0, "jobs.default_timeout must be positive")

	if len(problems) == 0 {
		return nil
	}
	return &protocol.Error{
		Code:    protocol.CodeConfigInvalid,
		Message: strings.Join(problems, "; "),
		Details: map[string]any{"problems": problems},
	}
}

// BridgeSettings converts to the orchestrator's config.
func (c Config) BridgeSettings() bridge.Config {
	b := c.Bridge
	return bridge.Config{
		QueueCeiling:           b.QueueCeiling,
		RequestTimeout:         b.RequestTimeout.D(),
		MaxRequestTimeout:      b.MaxRequestTimeout.D(),
		ReadyWait:              b.ReadyWait.D(),
		HeartbeatInterval:      b.HeartbeatInterval.D(),
		HeartbeatTimeout:       b.HeartbeatTimeout.D(),
		HeartbeatMissThreshold: b.HeartbeatMissThreshold,
		WaitingGrace:           b.WaitingGrace.D(),
		HelloTimeout:           b.HelloTimeout.D(),
	}
}

// ServerSettings converts to the host listener config.
func (c Config) ServerSettings() bridge.ServerConfig {
	return bridge.ServerConfig{
		Addr:       c.Addr(),
		Path:       c.Path,
		SocketPath: c.WorkerSocket,
	}
}

// ManagerSettings converts to the worker reconnect loop config.
func (c Config) ManagerSettings() worker.ManagerConfig {
	r := c.Reconnect
	return worker.ManagerConfig{
		Port:               c.Port,
		BackoffInitial:     r.BackoffInitial.D(),
		BackoffMax:         r.BackoffMax.D(),
		BackoffMultiplier:  r.BackoffMultiplier,
		Jitter:             r.Jitter,
		PortChangeAttempts: r.PortChangeAttempts,
		PortChangeTimeout:  r.PortChangeTimeout.D(),
	}
}

// JobSettings converts to the job executor config.
func (c Config) JobSettings() jobs.Config {
	return jobs.Config{
		Retention:      c.Jobs.Retention.D(),
		MaxRetained:    c.Jobs.MaxRetained,
		DefaultTimeout: c.Jobs.DefaultTimeout.D(),
	}
}

// Addr is the host listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
