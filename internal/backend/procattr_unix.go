//go:build unix && !linux

package backend

import "syscall"

// sysProcAttr puts the language server in its own process group.
// Pdeathsig is not available outside Linux.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
