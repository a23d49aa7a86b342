//go:build unix

package backend

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// interruptGroup sends SIGTERM to the process group led by proc.
func interruptGroup(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

// killGroup sends SIGKILL to the process group led by proc.
func killGroup(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	err := unix.Kill(-proc.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; signal the leader directly in case it was
		// never made a group leader.
		if perr := proc.Signal(sig); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
			return perr
		}
		return nil
	}
	return err
}
