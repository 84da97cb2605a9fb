package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/ladapter/internal/agent"
	"github.com/3cpo-dev/ladapter/internal/coordinator"
	"github.com/3cpo-dev/ladapter/internal/deploy"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/ssh"
	"github.com/3cpo-dev/ladapter/internal/store"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
)

const rediscoverInterval = 5 * time.Minute

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve the local API and take tasks from the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := a.cfg

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	runner := deploy.NewRunner(a.engine, deploy.Options{
		EnvironmentID:  a.engine.Descriptor().EnvironmentID,
		DefaultTimeout: cfg.Execution.DefaultTimeout,
		Fetcher: &ssh.Fetcher{
			KeyPath:               cfg.Artifacts.KeyPath,
			KnownHosts:            cfg.Artifacts.KnownHosts,
			InsecureIgnoreHostKey: cfg.Artifacts.InsecureIgnoreHostKey,
			Timeout:               cfg.Orchestrator.RequestTimeout,
			Monitor:               a.monitor,
		},
		Store:   st,
		Monitor: a.monitor,
	})

	apiOpts := agent.Options{Version: version, Token: cfg.Agent.Token, History: st}
	var wg sync.WaitGroup
	var coord *coordinator.Client
	if cfg.Orchestrator.URL != "" {
		tr, err := coordinator.NewHTTPTransport(cfg.Orchestrator.URL, cfg.Orchestrator.Token, cfg.Orchestrator.RequestTimeout)
		if err != nil {
			return err
		}
		coord = coordinator.New(coordinator.FromConfig(cfg, version), tr, a.engine, runner, st, a.monitor)
		apiOpts.Coordinator = coord
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Run(ctx)
		}()
	} else {
		log.Warn().Msg("No orchestrator configured, serving the local API only")
	}

	api := agent.NewServer(a.engine, apiOpts)
	errc := make(chan error, 2)
	go func() {
		tlsCfg := agent.MTLSFromConfig(cfg.Agent)
		if tlsCfg.Enabled() {
			errc <- api.ListenAndServeTLS(cfg.Agent.Listen, tlsCfg)
			return
		}
		errc <- api.ListenAndServe(cfg.Agent.Listen)
	}()

	var mon *telemetry.MonitoringServer
	if cfg.Telemetry.MonitoringAddr != "" {
		mon = telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, a.collector)
		for name, check := range telemetry.DefaultHealthChecks() {
			mon.RegisterHealthCheck(name, check)
		}
		mon.RegisterHealthCheck("store", func() telemetry.HealthCheck {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := st.Ping(pctx); err != nil {
				return telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
			}
			return telemetry.HealthCheck{Name: "store", Status: telemetry.HealthStatusHealthy, Message: "ok"}
		})
		if coord != nil {
			mon.RegisterHealthCheck("orchestrator", coord.HealthCheck)
		}
		go func() { errc <- mon.Start() }()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(rediscoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.engine.Rediscover(platform.DefaultProbe())
			}
		}
	}()

	log.Info().
		Str("environment_id", a.engine.Descriptor().EnvironmentID).
		Str("platform", string(a.engine.Descriptor().Platform)).
		Str("listen", cfg.Agent.Listen).
		Msg("ladapter running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
		if runErr != nil {
			log.Error().Err(runErr).Msg("Server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = api.Shutdown(shutdownCtx)
	if mon != nil {
		_ = mon.Shutdown(shutdownCtx)
	}
	wg.Wait()
	log.Info().Msg("ladapter stopped")
	return runErr
}
