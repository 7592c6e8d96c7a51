// Package pidfile keeps a single daemon instance per user.
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

// ErrRunning is returned by Acquire when another live instance holds the
// file.
var ErrRunning = errors.New("another instance is already running")

// PIDFile is a pid file owned by this process.
type PIDFile struct {
	path string
	pid  int
}

// Acquire writes the current pid to path. A file left by a dead process is
// replaced; a file held by a live process yields ErrRunning.
func Acquire(path string) (*PIDFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create pid directory: %w", err)
	}

	existing, err := Read(path)
	if err == nil && existing != os.Getpid() && IsRunning(existing) {
		return nil, fmt.Errorf("%w (pid %d)", ErrRunning, existing)
	}
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		// Stale or unparsable.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale pid file: %w", err)
		}
	}

	current := os.Getpid()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost a race with another instance starting at the same time.
			return nil, ErrRunning
		}
		return nil, fmt.Errorf("failed to create pid file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", current); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}

	return &PIDFile{path: path, pid: current}, nil
}

// Path returns the file path.
func (p *PIDFile) Path() string {
	return p.path
}

// Release deletes the file if it still holds our pid.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	pid, err := Read(p.path)
	if err != nil || pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	return pid, nil
}

// IsRunning reports whether a process with pid exists.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 checks for existence without delivering anything.
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
