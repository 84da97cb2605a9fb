//go:build linux

package provider

import "syscall"

// setPdeathsig kills the child if the adapter dies first.
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
