// Package pidfile keeps a single safetrackd instance per PID file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire when a live process owns the file
var ErrRunning = errors.New("daemon already running")

// PIDFile represents a PID file for daemon process management
type PIDFile struct {
	path string
	pid  int

	// alive is replaceable in tests
	alive func(pid int) bool
}

// New creates a PIDFile for the current process
func New(path string) *PIDFile {
	return &PIDFile{
		path:  path,
		pid:   os.Getpid(),
		alive: processAlive,
	}
}

// Path returns the path to the PID file
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes our PID. A stale file is replaced; a file owned by a live
// process fails with ErrRunning unless force is set.
func (p *PIDFile) Acquire(force bool) error {
	running, pid, err := p.CheckRunning()
	if err != nil && !force {
		return err
	}
	if running && pid != p.pid && !force {
		return fmt.Errorf("%w with PID %d", ErrRunning, pid)
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// write then rename so readers never see a partial file
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(p.pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	return nil
}

// Release removes the file if it still holds our PID
func (p *PIDFile) Release() error {
	pid, err := p.read()
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("PID file contains different PID (%d vs %d), not removing", pid, p.pid)
	}
	return os.Remove(p.path)
}

// CheckRunning reports whether the file names a live process
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	return p.alive(pid), pid, nil
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", s)
	}
	return pid, nil
}

// processAlive probes with signal 0; EPERM still means the process exists
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
