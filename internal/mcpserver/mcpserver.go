// Package mcpserver exposes the adapter engine as Model Context Protocol tools over
// stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/agent"
	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
)

const instructions = `ladapter runs commands on this machine. Use get_capabilities first: ` +
	`execute_command accepts the listed core verbs, invoke_extension the platform extensions. ` +
	`Commands are translated for the host platform and subject to the local deny policy.`

type Options struct {
	Version string
	// Coordinator is optional.
	Coordinator agent.CoordinatorStatus
}

// Server wraps an MCP server bound to one engine.
type Server struct {
	engine agent.Engine
	opts   Options
	mcp    *server.MCPServer
}

func New(engine agent.Engine, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{engine: engine, opts: opts}
	s.mcp = server.NewMCPServer("ladapter", opts.Version,
		server.WithToolCapabilities(false),
		server.WithInstructions(instructions),
	)

	s.mcp.AddTool(mcp.NewTool("execute_command",
		mcp.WithDescription("Run a core verb (list_files, copy, install_package, ...) translated for the host platform."),
		mcp.WithString("verb", mcp.Required(), mcp.Description("Core verb name")),
		mcp.WithArray("args", mcp.WithStringItems(), mcp.Description("Verb arguments")),
		mcp.WithString("platform", mcp.Description("Target platform; auto or the host platform"),
			mcp.Enum("auto", "linux", "macos", "windows", "wsl")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Timeout, default 300")),
	), s.executeCommand)

	s.mcp.AddTool(mcp.NewTool("invoke_extension",
		mcp.WithDescription("Run a platform-only extension such as docker_ps or codesign."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Extension name")),
		mcp.WithArray("args", mcp.WithStringItems(), mcp.Description("Extension arguments")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Timeout, default 300")),
	), s.invokeExtension)

	s.mcp.AddTool(mcp.NewTool("get_capabilities",
		mcp.WithDescription("List the verbs and extensions this environment supports."),
	), s.getCapabilities)

	s.mcp.AddTool(mcp.NewTool("get_status",
		mcp.WithDescription("Report environment identity, command counters and orchestrator connectivity."),
	), s.getStatus)

	return s
}

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	log.Info().Str("version", s.opts.Version).Msg("Serving MCP on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) executeCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	verb, err := req.RequireString("verb")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timer := telemetry.NewTimerScope("ladapter_mcp_tool_duration", map[string]string{"tool": "execute_command"})
	defer timer.End()

	res, err := s.engine.Execute(ctx, adapter.Request{
		Verb:     verb,
		Args:     req.GetStringSlice("args", nil),
		Platform: req.GetString("platform", adapter.PlatformAuto),
		Timeout:  timeoutArg(req),
	})
	return execResult(res, err)
}

func (s *Server) invokeExtension(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timer := telemetry.NewTimerScope("ladapter_mcp_tool_duration", map[string]string{"tool": "invoke_extension"})
	defer timer.End()

	res, err := s.engine.InvokeExtension(ctx, name, req.GetStringSlice("args", nil), timeoutArg(req))
	return execResult(res, err)
}

func (s *Server) getCapabilities(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(agent.CapabilitiesResponse{
		Platform:     s.engine.Status().Platform,
		Capabilities: s.engine.Capabilities(),
	}, false)
}

func (s *Server) getStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp := agent.StatusResponse{Time: time.Now(), Version: s.opts.Version, Engine: s.engine.Status()}
	if s.opts.Coordinator != nil {
		st := s.opts.Coordinator.Status()
		resp.Coordinator = &st
	}
	return jsonResult(resp, false)
}

func timeoutArg(req mcp.CallToolRequest) time.Duration {
	secs := req.GetFloat("timeout_seconds", 0)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// execResult reports adapter errors as tool errors so the model sees them; only
// encoding problems are protocol errors.
func execResult(res *provider.Result, err error) (*mcp.CallToolResult, error) {
	out := agent.ExecResponse{ExitCode: -1}
	if res != nil {
		out = agent.ExecResponse{
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: res.DurationMS,
			Command:  res.Command,
			Status:   string(res.Status),
		}
	}
	if err != nil {
		out.Error = err.Error()
		out.Code = errdefs.Code(err)
	}
	return jsonResult(out, err != nil || (res != nil && res.Status != provider.StatusSucceeded))
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	res := mcp.NewToolResultText(string(b))
	res.IsError = isError
	return res, nil
}
