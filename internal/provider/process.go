package provider

import (
	"errors"
	"os/exec"
)

var errNotStarted = errors.New("process not started")

// processController applies platform process-group handling around an exec.Cmd.
type processController interface {
	// start configures the process group and starts cmd.
	start(cmd *exec.Cmd) error
	// interrupt asks the whole group to stop.
	interrupt(cmd *exec.Cmd) error
	// kill forcefully terminates the group. Calling it on an empty group is not an error.
	kill(cmd *exec.Cmd) error
	// release frees what start acquired once cmd has been waited for.
	release(cmd *exec.Cmd)
}
