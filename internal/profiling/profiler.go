// Package profiling captures runtime profiles of a daemon run.
package profiling

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"
)

// Options selects what a Session records.
type Options struct {
	// Dir receives the profile files. Created if missing.
	Dir string

	// CPU records a CPU profile for the whole session.
	CPU bool

	// Trace records an execution trace for the whole session.
	Trace bool
}

// Session records profiles from Start until Stop. Heap and goroutine
// snapshots are always written at Stop.
type Session struct {
	dir    string
	prefix string

	cpuFile   *os.File
	traceFile *os.File
	files     []string
}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("profile directory must not be empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	s := &Session{
		dir:    opts.Dir,
		prefix: fmt.Sprintf("cardindex-%s-%d", time.Now().Format("20060102-150405"), os.Getpid()),
	}

	if opts.CPU {
		f, err := s.create("cpu.prof")
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to start CPU profile: %w", err)
		}
		s.cpuFile = f
	}

	if opts.Trace {
		f, err := s.create("trace.out")
		if err != nil {
			s.stopCPU()
			return nil, err
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			s.stopCPU()
			return nil, fmt.Errorf("failed to start trace: %w", err)
		}
		s.traceFile = f
	}
	return s, nil
}

// Stop ends the session and returns every file it wrote.
func (s *Session) Stop() ([]string, error) {
	var errs []error
	if err := s.stopCPU(); err != nil {
		errs = append(errs, err)
	}
	if s.traceFile != nil {
		trace.Stop()
		if err := s.traceFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close trace: %w", err))
		}
		s.traceFile = nil
	}

	runtime.GC()
	if err := s.writeLookup("heap", "heap.prof", 0); err != nil {
		errs = append(errs, err)
	}
	if err := s.writeLookup("goroutine", "goroutine.txt", 1); err != nil {
		errs = append(errs, err)
	}
	return s.files, errors.Join(errs...)
}

func (s *Session) stopCPU() error {
	if s.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := s.cpuFile.Close()
	s.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}

func (s *Session) writeLookup(name, suffix string, debug int) error {
	f, err := s.create(suffix)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := pprof.Lookup(name).WriteTo(f, debug); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	return nil
}

func (s *Session) create(suffix string) (*os.File, error) {
	path := filepath.Join(s.dir, s.prefix+"-"+suffix)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile file: %w", err)
	}
	s.files = append(s.files, path)
	return f, nil
}
