package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "0.1.0"
	commit    = ""
	buildDate = ""
)

// exitCode ends the process with a command's exit status without printing an error.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ladapter",
		Short: "ladapter: local environment adapter",
		Long: "ladapter runs deployment commands on this machine. It detects the platform, " +
			"translates platform-neutral verbs into native commands and takes work from a remote orchestrator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("log", "l", "", "Set log level. Available: trace, debug, info, warn, error, fatal")
	pf.String("config", "", "config file (default $XDG_CONFIG_HOME/ladapter/config.yaml)")
	pf.String("environment-id", "", "environment id reported to the orchestrator")
	pf.String("orchestrator-url", "", "orchestrator base URL")
	pf.String("listen", "", "local API listen address")
	pf.String("store", "", "path of the local state database")
	pf.Bool("json", false, "output JSON")
	for key, flag := range map[string]string{
		"log":              "log",
		"config":           "config",
		"environment.id":   "environment-id",
		"orchestrator.url": "orchestrator-url",
		"agent.listen":     "listen",
		"store.path":       "store",
		"json":             "json",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}

	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		setLevel(viper.GetString("log"))
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newExecCmd())
	cmd.AddCommand(newExtCmd())
	cmd.AddCommand(newCapabilitiesCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newMCPCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ladapter %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func setLevel(levelStr string) {
	switch levelStr {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		log.Warn().Str("level", levelStr).Msg("Unknown log level, using info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func initViper() {
	viper.SetEnvPrefix("LADAPTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func main() {
	setupLogger()
	initViper()
	root := newRootCmd()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
