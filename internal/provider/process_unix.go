//go:build unix

package provider

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type unixProcessController struct{}

func newProcessController() processController { return unixProcessController{} }

// start places the child in a new process group whose id equals its pid.
func (unixProcessController) start(cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	setPdeathsig(cmd.SysProcAttr)
	return cmd.Start()
}

// interrupt sends SIGINT to the group; a negative pid addresses the group.
func (unixProcessController) interrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errNotStarted
	}
	return unix.Kill(-cmd.Process.Pid, unix.SIGINT)
}

func (unixProcessController) kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errNotStarted
	}
	// The group outlives a reaped leader as long as any member is alive.
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

func (unixProcessController) release(*exec.Cmd) {}
