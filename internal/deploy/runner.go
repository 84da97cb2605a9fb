// Package deploy runs deployment tasks: an ordered list of steps executed through the
// engine under a single task deadline.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ladapter/internal/adapter"
	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/provider"
	"github.com/3cpo-dev/ladapter/internal/store"
	"github.com/3cpo-dev/ladapter/internal/telemetry"
	"github.com/3cpo-dev/ladapter/pkg/api"
)

// ReasonExitStatus marks a task stopped by a step that exited non-zero.
const ReasonExitStatus = "exit_status"

// Executor is the part of the engine a task needs.
type Executor interface {
	Execute(ctx context.Context, req adapter.Request) (*provider.Result, error)
	InvokeExtension(ctx context.Context, name string, args []string, timeout time.Duration) (*provider.Result, error)
}

// Fetcher copies an artifact to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, source, dest string) (int64, error)
}

type Options struct {
	EnvironmentID  string
	DefaultTimeout time.Duration
	Fetcher        Fetcher                       // nil disables fetch_artifact steps
	Store          *store.Store                  // nil disables history
	Monitor        *telemetry.PerformanceMonitor // nil disables task metrics
}

// Runner executes deployment tasks. Runs of different tasks are independent.
type Runner struct {
	exec Executor
	opts Options
}

func NewRunner(exec Executor, opts Options) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = adapter.DefaultTimeout
	}
	return &Runner{exec: exec, opts: opts}
}

// Run executes task and returns its report. A failing task is reported, not
// returned as an error.
func (r *Runner) Run(ctx context.Context, task api.DeploymentTask) api.ResultReport {
	started := time.Now()
	report := api.ResultReport{
		TaskID:        task.TaskID,
		DeploymentID:  task.DeploymentID,
		EnvironmentID: r.opts.EnvironmentID,
		Status:        api.RunSucceeded,
		Steps:         []api.StepResult{},
	}
	logger := log.With().Str("task_id", task.TaskID).Logger()

	steps, err := Steps(task)
	if err != nil {
		fail(&report, err)
	} else {
		timeout := time.Duration(task.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = r.opts.DefaultTimeout
		}
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		logger.Info().Int("steps", len(steps)).Dur("timeout", timeout).Msg("Running deployment task")
		var stdout, stderr strings.Builder
		var stepErr error
		for i, step := range steps {
			sr, err := r.runStep(taskCtx, i, step)
			report.Steps = append(report.Steps, sr)
			report.ExitCode = sr.ExitCode
			stdout.WriteString(sr.Stdout)
			stderr.WriteString(sr.Stderr)
			if err != nil {
				stepErr = err
				break
			}
			if sr.ExitCode != 0 {
				report.Status = api.RunFailed
				report.Reason = ReasonExitStatus
				break
			}
		}
		report.Stdout = stdout.String()
		report.Stderr = stderr.String()
		if stepErr != nil {
			fail(&report, stepErr)
		}
	}

	completed := time.Now()
	report.DurationMS = completed.Sub(started).Milliseconds()
	report.CompletedAt = completed
	r.finish(report, started, len(report.Steps))

	ev := logger.Info()
	if report.Status != api.RunSucceeded {
		ev = logger.Warn()
	}
	ev.Str("status", string(report.Status)).Str("reason", report.Reason).
		Int64("duration_ms", report.DurationMS).Msg("Deployment task finished")
	return report
}

func (r *Runner) runStep(ctx context.Context, index int, s api.TaskStep) (api.StepResult, error) {
	sr := api.StepResult{Index: index, Type: s.Type}
	if err := ctx.Err(); err != nil {
		return stepFailed(sr, stepError(err)), stepError(err)
	}

	started := time.Now()
	var res *provider.Result
	var err error
	switch s.Type {
	case api.StepCommand:
		res, err = r.exec.Execute(ctx, adapter.Request{Verb: s.Verb, Args: s.Args, Dir: s.Dir})
	case api.StepShell:
		verb, args, splitErr := shellArgv(s)
		if splitErr != nil {
			return stepFailed(sr, splitErr), splitErr
		}
		res, err = r.exec.Execute(ctx, adapter.Request{Verb: verb, Args: args, Dir: s.Dir})
	case api.StepExtension:
		res, err = r.exec.InvokeExtension(ctx, s.Name, s.Args, 0)
	case api.StepFetchArtifact:
		sr.Command = fmt.Sprintf("fetch %s %s", s.Source, s.Dest)
		if r.opts.Fetcher == nil {
			err = errdefs.New(errdefs.ErrCapabilityNotSupported, "task", api.StepFetchArtifact, "", errors.New("no artifact fetcher configured"))
			break
		}
		var n int64
		n, err = r.opts.Fetcher.Fetch(ctx, s.Source, s.Dest)
		if err == nil {
			sr.Stdout = fmt.Sprintf("fetched %s to %s\n", humanize.Bytes(uint64(n)), s.Dest)
		}
	}

	if res != nil {
		sr.Command = res.Command
		sr.ExitCode = res.ExitCode
		sr.Stdout = res.Stdout
		sr.Stderr = res.Stderr
		sr.Status = string(res.Status)
	}
	sr.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		err = stepError(err)
		return stepFailed(sr, err), err
	}
	if sr.Status == "" {
		sr.Status = string(provider.StatusSucceeded)
	}
	return sr, nil
}

// stepError makes deadline expiry look the same whichever layer noticed it.
func stepError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errdefs.ErrTimedOut) {
		return errdefs.New(errdefs.ErrTimedOut, "task", "", "", err)
	}
	return err
}

func stepFailed(sr api.StepResult, err error) api.StepResult {
	sr.Error = err.Error()
	if errors.Is(err, errdefs.ErrTimedOut) {
		sr.Status = string(provider.StatusTimedOut)
	} else {
		sr.Status = string(provider.StatusFailed)
	}
	if sr.ExitCode == 0 {
		sr.ExitCode = -1
	}
	return sr
}

func fail(report *api.ResultReport, err error) {
	report.Status = api.RunFailed
	switch {
	case errors.Is(err, errdefs.ErrTimedOut):
		report.Reason = errdefs.Code(errdefs.ErrTimedOut)
	case errors.Is(err, context.Canceled):
		report.Reason = "cancelled"
	default:
		report.Reason = errdefs.Code(err)
	}
	if report.ExitCode == 0 {
		report.ExitCode = -1
	}
	if report.Stderr != "" && !strings.HasSuffix(report.Stderr, "\n") {
		report.Stderr += "\n"
	}
	report.Stderr += err.Error()
}

func (r *Runner) finish(report api.ResultReport, started time.Time, steps int) {
	if r.opts.Monitor != nil {
		r.opts.Monitor.RecordTask(string(report.Status), steps, time.Since(started))
	}
	if r.opts.Store == nil {
		return
	}
	// The task context may already be cancelled; history is written regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.opts.Store.RecordTask(ctx, store.HistoryEntry{
		TaskID:       report.TaskID,
		DeploymentID: report.DeploymentID,
		Status:       report.Status,
		Reason:       report.Reason,
		ExitCode:     report.ExitCode,
		DurationMS:   report.DurationMS,
		Steps:        steps,
		StartedAt:    started,
		CompletedAt:  report.CompletedAt,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", report.TaskID).Msg("Failed to record task history")
	}
}
