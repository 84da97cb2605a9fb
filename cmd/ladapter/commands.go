package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/agent"
	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/mcpserver"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/store"
	"github.com/3cpo-dev/ladapter/internal/translate"
)

func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <verb> [args...]",
		Short: "Run a core verb on this machine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetString("platform")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			dir, _ := cmd.Flags().GetString("dir")
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.engine.Execute(cmd.Context(), adapter.Request{
				Verb:     args[0],
				Args:     args[1:],
				Platform: target,
				Timeout:  timeout,
				Dir:      dir,
			})
			return printResult(res, err)
		},
	}
	cmd.Flags().String("platform", adapter.PlatformAuto, "target platform; must match the host")
	cmd.Flags().Duration("timeout", 0, "command timeout (default from config)")
	cmd.Flags().String("dir", "", "working directory")
	return cmd
}

func newExtCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ext <name> [args...]",
		Short: "Invoke a platform extension",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			res, err := a.engine.InvokeExtension(cmd.Context(), args[0], args[1:], timeout)
			return printResult(res, err)
		},
	}
	cmd.Flags().Duration("timeout", 0, "command timeout (default from config)")
	return cmd
}

// printResult writes the command output and turns a non-zero exit into the process
// exit status.
func printResult(res *provider.Result, err error) error {
	if viper.GetBool("json") {
		out := agent.ExecResponse{ExitCode: -1}
		if res != nil {
			out = agent.ExecResponse{
				ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr,
				Duration: res.DurationMS, Command: res.Command, Status: string(res.Status),
			}
		}
		if err != nil {
			out.Error, out.Code = err.Error(), errdefs.Code(err)
		}
		if perr := printJSON(out); perr != nil {
			return perr
		}
	} else if res != nil {
		fmt.Fprint(os.Stdout, res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if err != nil {
		if viper.GetBool("json") {
			return exitCode(1)
		}
		return err
	}
	if res.ExitCode != 0 {
		return exitCode(res.ExitCode)
	}
	return nil
}

func newCapabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the verbs and extensions available on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			desc := a.engine.Descriptor()
			caps := a.engine.Capabilities()
			if viper.GetBool("json") {
				return printJSON(agent.CapabilitiesResponse{Platform: string(desc.Platform), Capabilities: caps})
			}
			verbs := translate.Verbs(desc.Platform)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle(fmt.Sprintf("%s (%s/%s)", desc.EnvironmentID, desc.Platform, desc.Architecture))
			tw.AppendHeader(table.Row{"Capability", "Kind"})
			for _, c := range caps {
				tw.AppendRow(table.Row{c, capabilityKind(c, verbs)})
			}
			tw.Render()
			return nil
		},
	}
}

func capabilityKind(name string, verbs []string) string {
	switch {
	case name == platform.CapPackageManager || name == platform.CapServiceControl:
		return "marker"
	case slices.Contains(verbs, name):
		return "verb"
	default:
		return "extension"
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the running adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := localClient(cmd, cfg.Agent.Listen, cfg.Agent.Token, cfg.Agent.TLSCert)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			renderStatus(st)
			return nil
		},
	}
	cmd.Flags().String("client-cert", "", "client certificate for mTLS")
	cmd.Flags().String("client-key", "", "client key for mTLS")
	return cmd
}

func localClient(cmd *cobra.Command, listen, token, serverCert string) (*agent.Client, error) {
	if serverCert == "" {
		return agent.NewClient(listen, token, nil), nil
	}
	cert, _ := cmd.Flags().GetString("client-cert")
	key, _ := cmd.Flags().GetString("client-key")
	tlsCfg, err := agent.ClientTLS(serverCert, cert, key)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(listen, token, tlsCfg), nil
}

func renderStatus(st agent.StatusResponse) {
	e := st.Engine
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Environment", e.EnvironmentID})
	tw.AppendRow(table.Row{"Type", e.EnvironmentType})
	tw.AppendRow(table.Row{"Platform", fmt.Sprintf("%s/%s", e.Platform, e.Architecture)})
	if e.PackageManager != "" {
		tw.AppendRow(table.Row{"Package manager", e.PackageManager})
	}
	tw.AppendRow(table.Row{"Version", st.Version})
	tw.AppendRow(table.Row{"Started", humanize.Time(e.StartedAt)})
	tw.AppendRow(table.Row{"Capabilities", e.Capabilities})
	tw.AppendRow(table.Row{"Commands", humanize.Comma(e.Commands)})
	tw.AppendRow(table.Row{"Errors", humanize.Comma(e.Errors)})
	if e.LastCommandAt != nil {
		tw.AppendRow(table.Row{"Last command", humanize.Time(*e.LastCommandAt)})
	}
	tw.AppendSeparator()
	if c := st.Coordinator; c != nil {
		tw.AppendRow(table.Row{"Orchestrator", string(c.State)})
		if c.RegisteredAt != nil {
			tw.AppendRow(table.Row{"Registered", humanize.Time(*c.RegisteredAt)})
		}
		if c.LastHeartbeat != nil {
			tw.AppendRow(table.Row{"Last heartbeat", humanize.Time(*c.LastHeartbeat)})
		}
		tw.AppendRow(table.Row{"Active tasks", c.ActiveTasks})
		tw.AppendRow(table.Row{"Pending reports", c.PendingReports})
		if c.LastError != "" {
			tw.AppendRow(table.Row{"Last error", c.LastError})
		}
	} else {
		tw.AppendRow(table.Row{"Orchestrator", "not configured"})
	}
	tw.Render()
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished deployment tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()
			entries, err := st.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Task", "Deployment", "Status", "Reason", "Exit", "Steps", "Duration", "Finished"})
			for _, e := range entries {
				tw.AppendRow(table.Row{
					e.TaskID, e.DeploymentID, e.Status, e.Reason, e.ExitCode, e.Steps,
					(time.Duration(e.DurationMS) * time.Millisecond).String(),
					humanize.Time(e.CompletedAt),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of tasks to show")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the adapter as MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			return mcpserver.New(a.engine, mcpserver.Options{Version: version}).ServeStdio()
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
