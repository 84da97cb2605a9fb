//go:build unix && !linux

package provider

import "syscall"

func setPdeathsig(*syscall.SysProcAttr) {}
