// Package pprof exposes Go runtime profiles of the bridge, either over HTTP
// next to the language server routes or as files written at exit.
package pprof

import (
	"errors"
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Prefix is where the profile handlers are mounted.
const Prefix = "/debug/pprof/"

// Routes mounts the net/http/pprof handlers under Prefix.
func Routes(router *httprouter.Router) {
	router.GET(Prefix+"*name", handle)
	router.POST(Prefix+"symbol", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		netpprof.Symbol(w, r)
	})
}

func handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	switch name := strings.TrimPrefix(ps.ByName("name"), "/"); name {
	case "":
		netpprof.Index(w, r)
	case "cmdline":
		netpprof.Cmdline(w, r)
	case "profile":
		netpprof.Profile(w, r)
	case "symbol":
		netpprof.Symbol(w, r)
	case "trace":
		netpprof.Trace(w, r)
	default:
		if pprof.Lookup(name) == nil {
			http.NotFound(w, r)
			return
		}
		netpprof.Handler(name).ServeHTTP(w, r)
	}
}

// Profiler records a CPU profile from Start until Stop and writes a heap
// profile on Stop. Either path may be empty.
type Profiler struct {
	cpuPath  string
	heapPath string
	cpuFile  *os.File

	mu      sync.Mutex
	stopped bool
}

// Start begins CPU profiling if cpuPath is set.
func Start(cpuPath, heapPath string) (*Profiler, error) {
	p := &Profiler{cpuPath: cpuPath, heapPath: heapPath}
	if cpuPath == "" {
		return p, nil
	}

	f, err := create(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	p.cpuFile = f
	return p, nil
}

// Stop finishes the CPU profile and writes the heap profile.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	var errs []error
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		p.cpuFile = nil
	}

	if p.heapPath != "" {
		if err := writeHeap(p.heapPath); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func writeHeap(path string) error {
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
