package backend

import "os"

// Windows has no SIGTERM for console-less children; both steps kill.
func interruptGroup(proc *os.Process) error {
	return proc.Kill()
}

func killGroup(proc *os.Process) error {
	return proc.Kill()
}
