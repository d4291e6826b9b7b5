package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "procguard.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigFull(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `
[server]
listen = "0.0.0.0:9000"
base_path = "/api"

[metrics]
enabled = true
listen = ":9100"

[log]
file = "logs/procguard.log"
level = "debug"
max_size_mb = 5

[process]
name = "gui"
settings_file = "settings.xml"
restart_window = "15s"
work_dir = "/opt/gui"
env = ["MODE=x"]
log_dir = "out"
terminate_wait = "1s"
fatal_event_id = 500010001

[scenario]
file = "scenarios.xml"

[history]
sinks = ["sqlite://history.db", "opensearch://localhost:9200/procguard"]

[[events]]
id = 500010001
name = "EVENT_EXTPROCESS_FATAL"
severity = "error"
ack_required = true

  [[events.steps]]
  id = 1
  action = "show"
  next_ok = 2
  next_nok = 1

  [[events.steps]]
  id = 2
  action = "confirm"
`)

	c, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", c.Server.Listen)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.True(t, c.Metrics.Enabled)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, filepath.Join(dir, "logs/procguard.log"), c.Log.File)
	assert.Equal(t, 5, c.Log.MaxSizeMB)

	assert.Equal(t, "gui", c.Process.Name)
	assert.Equal(t, filepath.Join(dir, "settings.xml"), c.Process.SettingsFile)
	assert.Equal(t, 15*time.Second, c.Process.RestartWindow)
	assert.Equal(t, "/opt/gui", c.Process.WorkDir)
	assert.Equal(t, filepath.Join(dir, "out"), c.Process.LogDir)
	assert.Equal(t, time.Second, c.Process.TerminateWait)
	assert.Equal(t, uint32(500010001), c.Process.FatalEventID)
	assert.Equal(t, filepath.Join(dir, "scenarios.xml"), c.Scenario.File)
	assert.Len(t, c.History.Sinks, 2)

	require.Len(t, c.Events, 1)
	e := c.Events[0]
	assert.Equal(t, "EVENT_EXTPROCESS_FATAL", e.Name)
	assert.True(t, e.AckRequired)
	require.Len(t, e.Steps, 2)
	assert.Equal(t, StepConfig{ID: 1, Action: "show", NextOK: 2, NextNOK: 1}, e.Steps[0])
}

func TestLoadConfigDefaults(t *testing.T) {
	p := writeConfig(t, t.TempDir(), `
[process]
settings_file = "/etc/procguard/settings.xml"
`)
	c, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, c.Server.Listen)
	assert.Equal(t, "extprocess", c.Process.Name)
	assert.Equal(t, DefaultRestartWindow, c.Process.RestartWindow)
	assert.Equal(t, DefaultTerminateWait, c.Process.TerminateWait)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "/etc/procguard/settings.xml", c.Process.SettingsFile)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("PROCGUARD_SERVER_LISTEN", "127.0.0.1:7777")
	p := writeConfig(t, t.TempDir(), `
[server]
listen = "127.0.0.1:9000"
[process]
settings_file = "s.xml"
`)
	c, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", c.Server.Listen)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing settings file", `[process]
name = "gui"`},
		{"zero restart window", `[process]
settings_file = "s.xml"
restart_window = "0s"`},
		{"relative base path", `[server]
base_path = "api"
[process]
settings_file = "s.xml"`},
		{"event without id", `[process]
settings_file = "s.xml"
[[events]]
name = "x"`},
		{"duplicate event", `[process]
settings_file = "s.xml"
[[events]]
id = 1
[[events]]
id = 1`},
		{"dangling step", `[process]
settings_file = "s.xml"
[[events]]
id = 1
  [[events.steps]]
  id = 1
  next_ok = 9`},
		{"undeclared fatal event", `[process]
settings_file = "s.xml"
fatal_event_id = 7
[[events]]
id = 1`},
		{"tls without certificate source", `[server.tls]
enabled = true
[process]
settings_file = "s.xml"`},
		{"tls cert without key", `[server.tls]
enabled = true
cert_file = "a.crt"
[process]
settings_file = "s.xml"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, t.TempDir(), tt.body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "gui.env")
	require.NoError(t, os.WriteFile(envFile, []byte("A=1\n# comment\nB=two\n\nMODE=file\n"), 0o600))
	p := writeConfig(t, dir, `
[process]
settings_file = "s.xml"
env_files = ["gui.env"]
env = ["MODE=x", "C=3", "broken", "PATHS=${B}:${PROCGUARD_TEST_HOME}"]
`)
	c, err := LoadConfig(p)
	require.NoError(t, err)
	t.Setenv("PROCGUARD_TEST_HOME", "/home/gui")

	env, err := c.ProcessEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "MODE=x", "C=3", "PATHS=two:/home/gui"}, env)

	c.Process.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	_, err = c.ProcessEnv()
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	c := &Config{path: "/etc/procguard/procguard.toml"}
	assert.Equal(t, "", c.Resolve(""))
	assert.Equal(t, "/abs/x", c.Resolve("/abs/x"))
	assert.Equal(t, "/etc/procguard/rel/x", c.Resolve("rel/x"))
}
