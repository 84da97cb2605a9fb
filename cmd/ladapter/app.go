package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/config"
	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
)

// app is the process-wide state shared by the subcommands that run commands locally.
type app struct {
	cfg       config.Config
	collector *telemetry.Collector
	monitor   *telemetry.PerformanceMonitor
	engine    *adapter.Engine
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyOverrides(viper.GetViper()); err != nil {
		return cfg, err
	}
	if !viper.IsSet("log") || viper.GetString("log") == "" {
		setLevel(cfg.Logging.Level)
	}
	return cfg, nil
}

// newApp loads configuration, detects the host and builds the engine. An unrecognized
// platform is fatal.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	envID, err := environmentID(cfg)
	if err != nil {
		return nil, err
	}
	desc, err := platform.Detect(platform.DefaultProbe(), envID)
	if errors.Is(err, errdefs.ErrUnrecognizedPlatform) {
		log.Fatal().Err(err).Msg("Cannot run on this host")
	}
	if err != nil {
		return nil, err
	}

	collector := telemetry.InitGlobal(telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Resource: map[string]string{
			"service.name":     "ladapter",
			"service.version":  version,
			"environment.id":   desc.EnvironmentID,
			"environment.type": desc.EnvironmentType(),
		},
	})
	monitor := telemetry.NewPerformanceMonitor(collector, 30*time.Second)

	prov, err := provider.New(desc.Platform, nil, monitor)
	if err != nil {
		return nil, err
	}
	engine, err := adapter.New(desc, prov, adapter.Options{
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		Deny:           cfg.Execution.Deny,
	})
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("environment_id", desc.EnvironmentID).
		Str("platform", string(desc.Platform)).
		Str("architecture", string(desc.Architecture)).
		Str("package_manager", desc.PackageManager).
		Int("capabilities", desc.Capabilities.Len()).
		Msg("Environment detected")

	return &app{cfg: cfg, collector: collector, monitor: monitor, engine: engine}, nil
}

func (a *app) close() {
	a.monitor.Shutdown()
	if err := telemetry.Shutdown(); err != nil {
		log.Debug().Err(err).Msg("Telemetry shutdown")
	}
}

// environmentID returns the configured id, or one generated on first start and kept
// next to the state database.
func environmentID(cfg config.Config) (string, error) {
	if cfg.Environment.ID != "" {
		return cfg.Environment.ID, nil
	}
	if cfg.Store.Path == "" || cfg.Store.Path == ":memory:" {
		return uuid.NewString(), nil
	}
	path := filepath.Join(filepath.Dir(cfg.Store.Path), "environment_id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist environment id: %w", err)
	}
	log.Info().Str("environment_id", id).Str("path", path).Msg("Generated environment id")
	return id, nil
}
