// Package pidfile records the bridge's PID so service managers and scripts
// can find it, and refuses to start a second bridge on the same file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Acquire when the file names a live process.
var ErrRunning = errors.New("another bridge is already running")

// Pidfile represents a PID file
type Pidfile struct {
	path string
	// owned is set once this process wrote the file.
	owned bool
}

// New creates a new PID file instance
func New(path string) *Pidfile {
	return &Pidfile{
		path: path,
	}
}

// Acquire writes the current PID. A file left behind by a process that is
// no longer running is replaced; one naming a live process is not.
func (p *Pidfile) Acquire() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	err := p.create()
	if errors.Is(err, os.ErrExist) {
		pid, readErr := p.Read()
		if readErr == nil && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("%w: pid %d (%s)", ErrRunning, pid, p.path)
		}
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale pidfile: %w", err)
		}
		err = p.create()
	}
	if err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}

	p.owned = true
	return nil
}

func (p *Pidfile) create() error {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read reads the PID from the PID file
func (p *Pidfile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}

	return pid, nil
}

// Remove deletes the file if this process wrote it.
func (p *Pidfile) Remove() error {
	if !p.owned {
		return nil
	}
	p.owned = false
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the PID file path
func (p *Pidfile) Path() string {
	return p.path
}
