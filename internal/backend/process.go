package backend

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Process is a running language server with its standard streams piped to
// the bridge. Its streams are plain os.Pipe ends, so Wait runs in the
// background without racing readers for buffered output.
type Process struct {
	Kind Kind

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done      chan struct{}
	state     *os.ProcessState
	waitErr   error
	closeOnce sync.Once
}

// Start spawns the process described by spec in its own process group.
func Start(spec LaunchSpec) (*Process, error) {
	fail := func(err error) (*Process, error) {
		return nil, &LaunchError{Kind: spec.Kind, Step: "spawn", Path: spec.Path, Err: err}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.SysProcAttr = sysProcAttr()

	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll([]*os.File{stdinR, stdinW})
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll([]*os.File{stdinR, stdinW, stdoutR, stdoutW})
		return fail(fmt.Errorf("stderr pipe: %w", err))
	}
	parentEnds = []*os.File{stdinW, stdoutR, stderrR}
	childEnds = []*os.File{stdinR, stdoutW, stderrW}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	// The child holds its own copies now; keeping ours open would stop
	// stdout from reaching EOF when the child exits.
	closeAll(childEnds)
	if startErr != nil {
		closeAll(parentEnds)
		return fail(startErr)
	}

	p := &Process{
		Kind:   spec.Kind,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	p.state = p.cmd.ProcessState
	close(p.done)
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stdin is the language server's standard input.
func (p *Process) Stdin() io.Writer {
	return p.stdin
}

// Stdout is the language server's standard output.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// Stderr is the language server's standard error.
func (p *Process) Stderr() io.Reader {
	return p.stderr
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 if the process was killed by a
// signal or has not exited yet.
func (p *Process) ExitCode() int {
	if !p.Exited() || p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}

// ExitStatus describes how the process ended: the numeric exit code, or the
// terminating signal.
func (p *Process) ExitStatus() string {
	if !p.Exited() {
		return "running"
	}
	if p.state == nil {
		return p.waitErr.Error()
	}
	if code := p.state.ExitCode(); code >= 0 {
		return strconv.Itoa(code)
	}
	return p.state.String()
}

// Terminate asks the process group to stop and kills it if it is still
// running after grace. It returns once the process has been reaped and is a
// no-op for a process that already exited.
func (p *Process) Terminate(grace time.Duration) error {
	defer p.closePipes()

	if p.Exited() {
		return nil
	}

	if err := interruptGroup(p.cmd.Process); err != nil && !p.Exited() {
		// Could not signal gracefully; fall through to the kill.
		grace = 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := killGroup(p.cmd.Process); err != nil && !p.Exited() {
		return fmt.Errorf("kill %s (pid %d): %w", p.Kind, p.Pid(), err)
	}
	<-p.done
	return nil
}

// closePipes releases the parent's pipe ends. Closing unblocks any reader
// or writer still parked on them.
func (p *Process) closePipes() {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		_ = p.stderr.Close()
	})
}
