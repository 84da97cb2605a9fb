package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3cpo-dev/ladapter/internal/orchestrator"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ladapter-orchestrator",
		Short: "Minimal in-memory orchestrator for ladapter environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error")
	pf.String("listen", "127.0.0.1:7800", "listen address")
	pf.String("token", "", "bearer token required from adapters")
	pf.Duration("stale-after", 90*time.Second, "mark environments stale after this long without a heartbeat")
	for _, name := range []string{"log", "listen", "token", "stale-after"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		level, err := zerolog.ParseLevel(viper.GetString("log"))
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ladapter-orchestrator %s\n", version)
		},
	})
	return cmd
}

func serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	staleAfter := viper.GetDuration("stale-after")
	state := orchestrator.NewState(staleAfter)
	srv := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           orchestrator.NewServer(state, orchestrator.Options{Token: viper.GetString("token"), Version: version}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		interval := max(staleAfter/3, time.Second)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state.Sweep()
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Orchestrator listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Int("results", state.ResultCount()).Msg("Orchestrator shutting down")
	return srv.Shutdown(shutdownCtx)
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	viper.SetEnvPrefix("LADAPTER_ORCHESTRATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
