package backend

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the language server in its own process group so the
// whole tree can be signalled at once. Pdeathsig makes the kernel stop the
// direct child if the bridge itself dies without tearing sessions down.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGTERM,
	}
}
