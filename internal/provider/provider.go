// Package provider runs translated commands as OS processes. It does no verb
// interpretation: it spawns, captures streams, times, and enforces timeouts.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
	"github.com/3cpo-dev/ladapter/internal/translate"
)

// Status is the terminal state of one execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Result is the outcome of a command that was spawned. A non-zero exit code is a
// normal result, not an error.
type Result struct {
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	DurationMS int64     `json:"duration_ms"`
	Command    string    `json:"translated_command"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
}

// ExecOptions tune a single execution.
type ExecOptions struct {
	Timeout     time.Duration // zero means no timeout beyond ctx
	GracePeriod time.Duration // between interrupt and kill, default DefaultGracePeriod
	Dir         string
	Env         []string // appended to the adapter's environment
	Stdin       string
}

// Provider executes concrete commands on one platform family.
type Provider interface {
	Platform() platform.Platform
	Execute(ctx context.Context, cmd translate.Command, opts ExecOptions) (*Result, error)
}

// New selects the provider for p. A nil spawner uses the OS; a nil monitor disables
// execution metrics.
func New(p platform.Platform, spawner Spawner, monitor *telemetry.PerformanceMonitor) (Provider, error) {
	if spawner == nil {
		spawner = NewOSSpawner()
	}
	base := runner{platform: p, spawner: spawner, monitor: monitor}
	switch p {
	case platform.MacOS, platform.Linux:
		return &posixProvider{runner: base}, nil
	case platform.Windows:
		return &windowsProvider{runner: base}, nil
	case platform.WSL:
		return &wslProvider{posixProvider{runner: base}}, nil
	}
	return nil, errdefs.New(errdefs.ErrUnrecognizedPlatform, "provider", "", string(p), nil)
}

// runner holds what every platform provider shares: spawning, timing and reporting.
type runner struct {
	platform platform.Platform
	spawner  Spawner
	monitor  *telemetry.PerformanceMonitor
}

func (r *runner) Platform() platform.Platform { return r.platform }

func (r *runner) run(ctx context.Context, audit string, argv []string, opts ExecOptions) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	log.Info().Str("audit", audit).Str("platform", string(r.platform)).Msg("Executing command")

	started := time.Now()
	out, err := r.spawner.Spawn(ctx, argv, opts)
	elapsed := time.Since(started)

	if err != nil {
		r.record(StatusFailed, elapsed, 0)
		log.Error().Err(err).Str("audit", audit).Msg("Command could not be executed")
		return nil, errdefs.New(errdefs.ErrExecution, "execute", audit, string(r.platform), err)
	}

	res := &Result{
		ExitCode:   out.ExitCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		DurationMS: elapsed.Milliseconds(),
		Command:    audit,
		StartedAt:  started,
		Status:     StatusSucceeded,
	}
	switch {
	case out.TimedOut:
		res.Status = StatusTimedOut
	case out.ExitCode != 0:
		res.Status = StatusFailed
	}
	r.record(res.Status, elapsed, len(res.Stdout)+len(res.Stderr))

	ev := log.Info()
	if res.Status != StatusSucceeded {
		ev = log.Warn()
	}
	ev.Str("audit", audit).
		Int("exit_code", res.ExitCode).
		Int64("duration_ms", res.DurationMS).
		Str("status", string(res.Status)).
		Msg("Command finished")

	if out.TimedOut {
		return res, errdefs.New(errdefs.ErrTimedOut, "execute", audit, string(r.platform),
			fmt.Errorf("killed after %s", elapsed.Round(time.Millisecond)))
	}
	return res, nil
}

func (r *runner) record(s Status, d time.Duration, outputBytes int) {
	if r.monitor != nil {
		r.monitor.RecordCommand(string(r.platform), string(s), d, outputBytes)
	}
}

// IsTimeout reports whether err came from an enforced timeout.
func IsTimeout(err error) bool { return errors.Is(err, errdefs.ErrTimedOut) }
