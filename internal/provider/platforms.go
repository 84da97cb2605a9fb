package provider

import (
	"context"
	"regexp"
	"strings"

	"github.com/3cpo-dev/ladapter/internal/translate"
)

// posixProvider serves macOS and Linux.
type posixProvider struct {
	runner
}

func (p *posixProvider) Execute(ctx context.Context, cmd translate.Command, opts ExecOptions) (*Result, error) {
	return p.run(ctx, cmd.String(), p.argv(cmd), opts)
}

func (p *posixProvider) argv(cmd translate.Command) []string {
	if cmd.Builtin {
		return []string{"/bin/sh", "-c", cmd.String()}
	}
	return append([]string{cmd.Name}, cmd.Args...)
}

// windowsProvider runs cmd.exe builtins through the command interpreter.
type windowsProvider struct {
	runner
}

func (p *windowsProvider) Execute(ctx context.Context, cmd translate.Command, opts ExecOptions) (*Result, error) {
	argv := append([]string{cmd.Name}, cmd.Args...)
	if cmd.Builtin {
		argv = append([]string{"cmd", "/C"}, argv...)
	}
	return p.run(ctx, cmd.String(), argv, opts)
}

// wslProvider is the POSIX provider plus translation of Windows drive paths into their
// /mnt mount points. Windows executables keep their Windows paths.
type wslProvider struct {
	posixProvider
}

func (p *wslProvider) Execute(ctx context.Context, cmd translate.Command, opts ExecOptions) (*Result, error) {
	if !strings.HasSuffix(strings.ToLower(cmd.Name), ".exe") {
		bridged := make([]string, len(cmd.Args))
		for i, a := range cmd.Args {
			bridged[i] = BridgePath(a)
		}
		cmd.Args = bridged
	}
	opts.Dir = BridgePath(opts.Dir)
	return p.posixProvider.Execute(ctx, cmd, opts)
}

var drivePath = regexp.MustCompile(`^([A-Za-z]):[\\/]`)

// BridgePath maps a Windows drive path such as C:\Users\me to /mnt/c/Users/me. Other
// strings are returned unchanged.
func BridgePath(s string) string {
	m := drivePath.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	rest := strings.ReplaceAll(s[len(m[0]):], `\`, "/")
	return "/mnt/" + strings.ToLower(m[1]) + "/" + rest
}
