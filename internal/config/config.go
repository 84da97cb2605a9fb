// Package config loads the adapter configuration: a YAML file, a secrets.env file next
// to it, and LADAPTER_* overrides bound through viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "ladapter"

type Environment struct {
	ID string `yaml:"id"`
	// Type overrides the detected environment type sent at registration.
	Type string `yaml:"type"`
}

type Orchestrator struct {
	URL                       string        `yaml:"url"`
	Token                     string        `yaml:"token"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval"`
	PollInterval              time.Duration `yaml:"poll_interval"`
	RegisterAttempts          int           `yaml:"register_attempts"`
	HeartbeatFailureThreshold int           `yaml:"heartbeat_failure_threshold"`
	ReportAttempts            int           `yaml:"report_attempts"`
	BackoffInitial            time.Duration `yaml:"backoff_initial"`
	BackoffMax                time.Duration `yaml:"backoff_max"`
	RequestTimeout            time.Duration `yaml:"request_timeout"`
}

type Execution struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	// Deny holds glob patterns matched against the concrete command line.
	Deny []string `yaml:"deny"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Agent struct {
	Listen      string `yaml:"listen"`
	Token       string `yaml:"token"`
	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`
	ClientCA    string `yaml:"client_ca"`
	RequireMTLS bool   `yaml:"require_mtls"`
}

type Artifacts struct {
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	// InsecureIgnoreHostKey disables host key checks for artifact hosts.
	InsecureIgnoreHostKey bool `yaml:"insecure_ignore_host_key"`
}

type Telemetry struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	MonitoringAddr string `yaml:"monitoring_addr"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Config is the full adapter configuration.
type Config struct {
	Environment  Environment  `yaml:"environment"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Execution    Execution    `yaml:"execution"`
	Store        Store        `yaml:"store"`
	Agent        Agent        `yaml:"agent"`
	Artifacts    Artifacts    `yaml:"artifacts"`
	Telemetry    Telemetry    `yaml:"telemetry"`
	Logging      Logging      `yaml:"logging"`

	// Path is the file the configuration was read from, empty when defaults were used.
	Path string `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Orchestrator: Orchestrator{
			HeartbeatInterval:         30 * time.Second,
			PollInterval:              5 * time.Second,
			RegisterAttempts:          3,
			HeartbeatFailureThreshold: 3,
			ReportAttempts:            5,
			BackoffInitial:            time.Second,
			BackoffMax:                30 * time.Second,
			RequestTimeout:            15 * time.Second,
		},
		Execution: Execution{
			DefaultTimeout:     300 * time.Second,
			MaxConcurrentTasks: 5,
		},
		Store: Store{Path: filepath.Join(stateDir(home), "ladapter.db")},
		Agent: Agent{Listen: "127.0.0.1:7823"},
		Artifacts: Artifacts{
			KeyPath:    filepath.Join(home, ".ssh", "id_ed25519"),
			KnownHosts: filepath.Join(home, ".ssh", "known_hosts"),
		},
		Logging: Logging{Level: "info"},
	}
}

func stateDir(home string) string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appName)
	}
	return filepath.Join(home, ".local", "state", appName)
}

// Dir returns $XDG_CONFIG_HOME/ladapter or ~/.config/ladapter.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appName)
}

// Load reads YAML configuration from path. If path is empty it resolves
// Dir()/config.yaml, and a missing default file yields Default(). An explicit path
// must exist. Secrets from secrets.env next to the file and from the environment
// are merged last.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(Dir(), "config.yaml")
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		cfg.Path = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, err := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{"LADAPTER_ORCHESTRATOR_TOKEN", "LADAPTER_AGENT_TOKEN"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if t := secrets["LADAPTER_ORCHESTRATOR_TOKEN"]; t != "" {
		cfg.Orchestrator.Token = t
	}
	if t := secrets["LADAPTER_AGENT_TOKEN"]; t != "" {
		cfg.Agent.Token = t
	}

	return cfg, cfg.Validate()
}

// ApplyOverrides copies values set in v (flags or LADAPTER_* variables) over cfg.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) && v.GetString(key) != "" {
			*dst = v.GetString(key)
		}
	}
	str("environment.id", &c.Environment.ID)
	str("orchestrator.url", &c.Orchestrator.URL)
	str("orchestrator.token", &c.Orchestrator.Token)
	str("agent.listen", &c.Agent.Listen)
	str("store.path", &c.Store.Path)
	str("telemetry.monitoring_addr", &c.Telemetry.MonitoringAddr)
	str("logging.level", &c.Logging.Level)
	if v.IsSet("orchestrator.heartbeat_interval") {
		c.Orchestrator.HeartbeatInterval = v.GetDuration("orchestrator.heartbeat_interval")
	}
	if v.IsSet("execution.max_concurrent_tasks") {
		c.Execution.MaxConcurrentTasks = v.GetInt("execution.max_concurrent_tasks")
	}
	return c.Validate()
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	o := c.Orchestrator
	switch {
	case o.HeartbeatInterval <= 0:
		return errors.New("orchestrator.heartbeat_interval must be positive")
	case o.PollInterval <= 0:
		return errors.New("orchestrator.poll_interval must be positive")
	case o.RegisterAttempts < 1:
		return errors.New("orchestrator.register_attempts must be at least 1")
	case o.HeartbeatFailureThreshold < 1:
		return errors.New("orchestrator.heartbeat_failure_threshold must be at least 1")
	case o.ReportAttempts < 1:
		return errors.New("orchestrator.report_attempts must be at least 1")
	case o.BackoffInitial <= 0 || o.BackoffMax < o.BackoffInitial:
		return errors.New("orchestrator backoff must satisfy 0 < backoff_initial <= backoff_max")
	case c.Execution.MaxConcurrentTasks < 1:
		return errors.New("execution.max_concurrent_tasks must be at least 1")
	case c.Execution.DefaultTimeout <= 0:
		return errors.New("execution.default_timeout must be positive")
	case c.Agent.RequireMTLS && c.Agent.ClientCA == "":
		return errors.New("agent.require_mtls needs agent.client_ca")
	}
	return nil
}
