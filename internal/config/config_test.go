package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("LADAPTER_ORCHESTRATOR_TOKEN", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != "" {
		t.Fatalf("expected defaults, got path %q", cfg.Path)
	}
	o := cfg.Orchestrator
	if o.HeartbeatInterval != 30*time.Second || o.RegisterAttempts != 3 || o.HeartbeatFailureThreshold != 3 {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	if cfg.Execution.DefaultTimeout != 300*time.Second || cfg.Execution.MaxConcurrentTasks != 5 {
		t.Fatalf("unexpected execution defaults: %+v", cfg.Execution)
	}
}

func TestLoadExplicitMissingFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for a missing explicit config")
	}
}

func TestLoadFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LADAPTER_ORCHESTRATOR_TOKEN", "")
	t.Setenv("LADAPTER_AGENT_TOKEN", "")
	yml := `
environment:
  id: build-box-1
orchestrator:
  url: https://orch.example.com
  token: from-yaml
  heartbeat_interval: 10s
  backoff_initial: 500ms
execution:
  deny: ["rm -rf /", "* /etc/shadow*"]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	secrets := "# tokens\nLADAPTER_ORCHESTRATOR_TOKEN=\"s3cret\"\nexport LADAPTER_AGENT_TOKEN=agent-tok\n"
	if err := os.WriteFile(filepath.Join(dir, "secrets.env"), []byte(secrets), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment.ID != "build-box-1" || cfg.Orchestrator.URL != "https://orch.example.com" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Orchestrator.HeartbeatInterval != 10*time.Second || cfg.Orchestrator.BackoffInitial != 500*time.Millisecond {
		t.Fatalf("durations not parsed: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.PollInterval != 5*time.Second {
		t.Fatalf("unset keys must keep defaults, got %s", cfg.Orchestrator.PollInterval)
	}
	if cfg.Orchestrator.Token != "s3cret" || cfg.Agent.Token != "agent-tok" {
		t.Fatalf("secrets not merged: %q %q", cfg.Orchestrator.Token, cfg.Agent.Token)
	}
	if len(cfg.Execution.Deny) != 2 {
		t.Fatalf("deny list: %v", cfg.Execution.Deny)
	}

	t.Setenv("LADAPTER_ORCHESTRATOR_TOKEN", "from-env")
	cfg, err = Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Orchestrator.Token != "from-env" {
		t.Fatalf("environment must win, got %q", cfg.Orchestrator.Token)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.BackoffMax = time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected backoff validation error")
	}
	cfg = Default()
	cfg.Agent.RequireMTLS = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected mtls validation error")
	}
}

func TestApplyOverrides(t *testing.T) {
	v := viper.New()
	v.Set("orchestrator.url", "http://127.0.0.1:9000")
	v.Set("environment.id", "override-id")
	v.Set("execution.max_concurrent_tasks", 2)

	cfg := Default()
	if err := cfg.ApplyOverrides(v); err != nil {
		t.Fatal(err)
	}
	if cfg.Orchestrator.URL != "http://127.0.0.1:9000" || cfg.Environment.ID != "override-id" || cfg.Execution.MaxConcurrentTasks != 2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Agent.Listen != "127.0.0.1:7823" {
		t.Fatalf("unset override changed agent.listen to %q", cfg.Agent.Listen)
	}
}
