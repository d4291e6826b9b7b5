package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultRestartWindow = 10 * time.Second
	DefaultTerminateWait = 3 * time.Second
	DefaultListen        = "127.0.0.1:8091"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the top-level TOML structure of the daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
	Process  ProcessConfig  `mapstructure:"process"`
	Scenario ScenarioConfig `mapstructure:"scenario"`
	History  HistoryConfig  `mapstructure:"history"`
	Events   []EventConfig  `mapstructure:"events"`

	// path of the loaded file; relative paths are resolved against its directory
	path string
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the API over HTTPS. Either CertFile/KeyFile or Dir is used; with
// AutoGenerate a self-signed pair is written to Dir when it has none.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	Color      bool   `mapstructure:"color"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ProcessConfig struct {
	Name          string        `mapstructure:"name"`
	SettingsFile  string        `mapstructure:"settings_file"`
	RestartWindow time.Duration `mapstructure:"restart_window"`
	WorkDir       string        `mapstructure:"work_dir"`
	Env           []string      `mapstructure:"env"`
	EnvFiles      []string      `mapstructure:"env_files"`
	LogDir        string        `mapstructure:"log_dir"`
	TerminateWait time.Duration `mapstructure:"terminate_wait"`
	FatalEventID  uint32        `mapstructure:"fatal_event_id"`
}

type ScenarioConfig struct {
	File string `mapstructure:"file"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// EventConfig declares an event the handler knows about.
type EventConfig struct {
	ID          uint32       `mapstructure:"id"`
	Name        string       `mapstructure:"name"`
	Severity    string       `mapstructure:"severity"`
	AckRequired bool         `mapstructure:"ack_required"`
	Steps       []StepConfig `mapstructure:"steps"`
}

type StepConfig struct {
	ID      uint32 `mapstructure:"id"`
	Action  string `mapstructure:"action"`
	NextOK  uint32 `mapstructure:"next_ok"`
	NextNOK uint32 `mapstructure:"next_nok"`
}

// LoadConfig reads the daemon configuration from a TOML file. Environment variables prefixed
// with PROCGUARD_ override file values (PROCGUARD_SERVER_LISTEN for server.listen).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("procguard")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("metrics.listen", "127.0.0.1:9091")
	v.SetDefault("log.level", "info")
	v.SetDefault("process.name", "extprocess")
	v.SetDefault("process.restart_window", DefaultRestartWindow)
	v.SetDefault("process.terminate_wait", DefaultTerminateWait)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.path = path
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths() {
	c.Process.SettingsFile = c.Resolve(c.Process.SettingsFile)
	c.Process.WorkDir = c.Resolve(c.Process.WorkDir)
	c.Process.LogDir = c.Resolve(c.Process.LogDir)
	c.Scenario.File = c.Resolve(c.Scenario.File)
	c.Log.File = c.Resolve(c.Log.File)
	c.Server.TLS.CertFile = c.Resolve(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.Resolve(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = c.Resolve(c.Server.TLS.Dir)
	for i, p := range c.Process.EnvFiles {
		c.Process.EnvFiles[i] = c.Resolve(p)
	}
}

// Resolve makes p absolute relative to the config file directory. Empty and absolute paths
// are returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Process.SettingsFile == "" {
		return fmt.Errorf("%w: process.settings_file is required", ErrInvalidConfig)
	}
	if c.Process.RestartWindow <= 0 {
		return fmt.Errorf("%w: process.restart_window must be positive", ErrInvalidConfig)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("%w: server.base_path must start with /", ErrInvalidConfig)
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("%w: server.tls needs both cert_file and key_file", ErrInvalidConfig)
	}
	if t := c.Server.TLS; t.Enabled && t.CertFile == "" && t.Dir == "" {
		return fmt.Errorf("%w: server.tls needs cert_file/key_file or dir", ErrInvalidConfig)
	}
	seen := make(map[uint32]struct{}, len(c.Events))
	for _, e := range c.Events {
		if e.ID == 0 {
			return fmt.Errorf("%w: event %q needs a non-zero id", ErrInvalidConfig, e.Name)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("%w: event %d declared twice", ErrInvalidConfig, e.ID)
		}
		seen[e.ID] = struct{}{}
		steps := make(map[uint32]struct{}, len(e.Steps))
		for _, s := range e.Steps {
			if s.ID == 0 {
				return fmt.Errorf("%w: event %d has a step with id 0", ErrInvalidConfig, e.ID)
			}
			steps[s.ID] = struct{}{}
		}
		for _, s := range e.Steps {
			for _, next := range []uint32{s.NextOK, s.NextNOK} {
				if _, ok := steps[next]; next != 0 && !ok {
					return fmt.Errorf("%w: event %d step %d points to unknown step %d", ErrInvalidConfig, e.ID, s.ID, next)
				}
			}
		}
	}
	if c.Process.FatalEventID != 0 && len(c.Events) > 0 {
		if _, ok := seen[c.Process.FatalEventID]; !ok {
			return fmt.Errorf("%w: process.fatal_event_id %d is not declared in [[events]]", ErrInvalidConfig, c.Process.FatalEventID)
		}
	}
	return nil
}

// ProcessEnv composes the child environment: env_files in order, then the env list.
// Later entries override earlier ones. ${VAR} in a value expands to an earlier entry or,
// failing that, the daemon's own environment.
func (c *Config) ProcessEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	lookup := func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return os.Getenv(k)
	}
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = os.Expand(v, lookup)
	}
	for _, p := range c.Process.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			set(kv[0], kv[1])
		}
	}
	for _, kv := range c.Process.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) ([][2]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
