package config //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"edbridge/pkg/protocol"
)

func noEnv(string) string { return "" }

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		cfg, err := load(path, noEnv)
		if err != nil {
			t.Fatalf("load(%q): %v", path, err)
		}
		if cfg.Addr() != "127.0.0.1:7766" || cfg.Path != "/bridge" {
			t.Errorf("listen = %s%s", cfg.Addr(), cfg.Path)
		}
		b := cfg.BridgeSettings()
		if b.QueueCeiling != 16 || b.RequestTimeout != 30*time.Second || b.HeartbeatMissThreshold != 1 || b.WaitingGrace != 20*time.Second {
			t.Errorf("bridge defaults = %+v", b)
		}
		m := cfg.ManagerSettings()
		if m.BackoffInitial != 500*time.Millisecond || m.BackoffMax != 10*time.Second || m.Jitter != 0.2 || m.PortChangeAttempts != 3 {
			t.Errorf("reconnect defaults = %+v", m)
		}
		if j := cfg.JobSettings(); j.Retention != 10*time.Minute || j.MaxRetained != 64 {
			t.Errorf("job defaults = %+v", j)
		}
	}
}

func TestLoad_YAMLAndTOMLAgree(t *testing.T) {
	t.Parallel()

	yamlPath := writeFile(t, "edbridge.yaml", `
port: 9100
log_level: debug
bridge:
  queue_ceiling: 2
  request_timeout: 5s
  heartbeat_interval: 250ms
reconnect:
  jitter: 0.1
jobs:
  max_retained: 8
`)
	tomlPath := writeFile(t, "edbridge.toml", `
port = 9100
log_level = "debug"

[bridge]
queue_ceiling = 2
request_timeout = "5s"
heartbeat_interval = "250ms"

[reconnect]
jitter = 0.1

[jobs]
max_retained = 8
`)
	for _, path := range []string{yamlPath, tomlPath} {
		cfg, err := load(path, noEnv)
		if err != nil {
			t.Fatalf("load %s: %v", filepath.Ext(path), err)
		}
		if cfg.Port != 9100 || cfg.LogLevel != "debug" {
			t.Errorf("%s: top level = %+v", filepath.Ext(path), cfg)
		}
		b := cfg.BridgeSettings()
		if b.QueueCeiling != 2 || b.RequestTimeout != 5*time.Second || b.HeartbeatInterval != 250*time.Millisecond {
			t.Errorf("%s: bridge = %+v", filepath.Ext(path), b)
		}
		// Unset fields keep their defaults.
		if b.ReadyWait != 15*time.Second || b.HelloTimeout != 10*time.Second || cfg.Host != "127.0.0.1" {
			t.Errorf("%s: defaults lost: ready_wait %v host %q", filepath.Ext(path), b.ReadyWait, cfg.Host)
		}
		if cfg.Reconnect.Jitter != 0.1 || cfg.Jobs.MaxRetained != 8 {
			t.Errorf("%s: reconnect/jobs = %+v %+v", filepath.Ext(path), cfg.Reconnect, cfg.Jobs)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"EDBRIDGE_HOST":           "0.0.0.0",
		"EDBRIDGE_PORT":           "7001",
		"EDBRIDGE_DB":             "/tmp/events.db",
		"EDBRIDGE_CONTROL_SOCKET": "/tmp/ctl.sock",
		"EDBRIDGE_WORKER_SOCKET":  "/tmp/wk.sock",
		"EDBRIDGE_LOG_LEVEL":      "warn",
	}
	path := writeFile(t, "edbridge.yaml", "port: 9100\n")
	cfg, err := load(path, func(k string) string { return env[k] })
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "0.0.0.0:7001" || cfg.EventDB != "/tmp/events.db" || cfg.ControlSocket != "/tmp/ctl.sock" ||
		cfg.WorkerSocket != "/tmp/wk.sock" || cfg.LogLevel != "warn" {
		t.Errorf("cfg = %+v", cfg)
	}
	if s := cfg.ServerSettings(); s.SocketPath != "/tmp/wk.sock" || s.Addr != "0.0.0.0:7001" {
		t.Errorf("server settings = %+v", s)
	}

	_, err = load("", func(k string) string {
		if k == "EDBRIDGE_PORT" {
			return "seventy"
		}
		return ""
	})
	if protocol.CodeOf(err) != protocol.CodeConfigInvalid {
		t.Errorf("bad port env err = %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown extension", "edbridge.json", `{}`, "unsupported config format"},
		{"bad yaml", "edbridge.yaml", "port: [", "parse"},
		{"bad duration", "edbridge.toml", "[bridge]\nrequest_timeout = \"soon\"\n", "parse"},
		{"port range", "edbridge.yaml", "port: 70000\n", "port 70000 out of range"},
		{"log level", "edbridge.yaml", "log_level: loud\n", "log_level"},
		{"jitter", "edbridge.yaml", "reconnect:\n  jitter: 1.5\n", "jitter"},
		{"timeouts", "edbridge.yaml", "bridge:\n  request_timeout: 20m\n", "max_request_timeout"},
		{"hello timeout", "edbridge.yaml", "bridge:\n  hello_timeout: 0s\n", "hello_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := load(writeFile(t, tt.file, tt.body), noEnv)
			if protocol.CodeOf(err) != protocol.CodeConfigInvalid {
				t.Fatalf("err = %v, want config_invalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Port = 0
	cfg.Bridge.QueueCeiling = 0
	cfg.Jobs.MaxRetained = 0
	pe, ok := protocol.AsError(cfg.Validate())
	if !ok {
		t.Fatal("expected *protocol.Error")
	}
	problems, _ := pe.Details["problems"].([]string)
	if len(problems) != 3 {
		t.Errorf("problems = %v", problems)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "edbridge.yaml", "port: 7000\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c Config) { changes <- c }) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("port: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)
	select {
	case c := <-changes:
		t.Fatalf("invalid edit delivered: %+v", c)
	default:
	}

	if err := os.WriteFile(path, []byte("port: 7001\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if c.Port != 7001 {
			t.Errorf("reloaded port = %d", c.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after edit")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
