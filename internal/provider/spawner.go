package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultGracePeriod is the time to wait between interrupt and kill.
const DefaultGracePeriod = 2 * time.Second

// DefaultMaxOutput caps each captured stream.
const DefaultMaxOutput = 1 << 20

// Outcome is what a Spawner observed about a process that ran.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Spawner starts a process and waits for it. An error means the process could not be
// run at all; a process that ran and failed is an Outcome.
type Spawner interface {
	Spawn(ctx context.Context, argv []string, opts ExecOptions) (Outcome, error)
}

// OSSpawner runs real processes in their own process group so a timeout can take
// down the whole tree.
type OSSpawner struct {
	MaxOutput int
	ctl       processController
}

// NewOSSpawner returns a spawner for the current OS.
func NewOSSpawner() *OSSpawner {
	return &OSSpawner{MaxOutput: DefaultMaxOutput, ctl: newProcessController()}
}

// Spawn implements Spawner.
func (s *OSSpawner) Spawn(ctx context.Context, argv []string, opts ExecOptions) (Outcome, error) {
	if len(argv) == 0 {
		return Outcome{}, errors.New("empty command")
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}
	stdout := &cappedBuffer{limit: s.MaxOutput}
	stderr := &cappedBuffer{limit: s.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren that escape the group may hold the pipes open.
	cmd.WaitDelay = grace

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := s.ctl.start(cmd); err != nil {
		return Outcome{}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	defer s.ctl.release(cmd)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = s.ctl.interrupt(cmd)
		exited := false
		select {
		case waitErr = <-done:
			exited = true
		case <-time.After(grace):
		}
		// The leader may be gone while members that ignore the interrupt remain.
		_ = s.ctl.kill(cmd)
		if !exited {
			waitErr = <-done
		}
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Outcome{}, fmt.Errorf("%s cancelled: %w", argv[0], ctx.Err())
		}
		timedOut = true
	}

	out := Outcome{Stdout: stdout.String(), Stderr: stderr.String(), TimedOut: timedOut}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	case errors.Is(waitErr, exec.ErrWaitDelay):
		out.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return out, fmt.Errorf("wait %s: %w", argv[0], waitErr)
	}
	return out, nil
}

// cappedBuffer keeps the first limit bytes and silently discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
