//go:build windows

package provider

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/windows"
)

// windowsProcessController puts every child in a job object. Windows has no process
// groups that can be signalled, and killing cmd.exe leaves its children running.
type windowsProcessController struct {
	jobs sync.Map // *exec.Cmd -> windows.Handle
}

func newProcessController() processController { return &windowsProcessController{} }

func (c *windowsProcessController) start(cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	job, jobErr := newJob(windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE)
	if err := cmd.Start(); err != nil {
		if jobErr == nil {
			windows.CloseHandle(job)
		}
		return err
	}
	if jobErr == nil {
		jobErr = assignToJob(job, cmd.Process.Pid)
		if jobErr != nil {
			windows.CloseHandle(job)
		}
	}
	if jobErr != nil {
		log.Warn().Err(jobErr).Int("pid", cmd.Process.Pid).Msg("No job object, a timeout only kills the leader")
		return nil
	}
	c.jobs.Store(cmd, job)
	return nil
}

// interrupt delivers CTRL_BREAK to the group created at start.
func (c *windowsProcessController) interrupt(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errNotStarted
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
}

func (c *windowsProcessController) kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errNotStarted
	}
	if job, ok := c.jobs.Load(cmd); ok {
		if err := windows.TerminateJobObject(job.(windows.Handle), 1); err != nil {
			return err
		}
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// release closes the job. Kill-on-close is cleared first so children left behind by a
// command that finished on its own keep running, as they do on unix.
func (c *windowsProcessController) release(cmd *exec.Cmd) {
	v, ok := c.jobs.LoadAndDelete(cmd)
	if !ok {
		return
	}
	job := v.(windows.Handle)
	_ = setJobLimits(job, 0)
	windows.CloseHandle(job)
}

func newJob(flags uint32) (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}
	if err := setJobLimits(job, flags); err != nil {
		windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

func setJobLimits(job windows.Handle, flags uint32) error {
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
	info.BasicLimitInformation.LimitFlags = flags
	_, err := windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	return err
}

func assignToJob(job windows.Handle, pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.AssignProcessToJobObject(job, h)
}
