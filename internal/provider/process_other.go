//go:build !unix && !windows

package provider

import (
	"errors"
	"os"
	"os/exec"
)

type basicProcessController struct{}

func newProcessController() processController { return basicProcessController{} }

func (basicProcessController) start(cmd *exec.Cmd) error { return cmd.Start() }

func (basicProcessController) interrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errNotStarted
	}
	return cmd.Process.Signal(os.Interrupt)
}

func (basicProcessController) kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errNotStarted
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (basicProcessController) release(*exec.Cmd) {}
