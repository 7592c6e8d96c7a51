package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFile is an append-only log file rotated by size. Write never
// fails: errors are reported once to the fallback writer and the data is
// dropped, so a broken log file cannot affect the caller.
type RotatingFile struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	maxFiles    int
	file        *os.File
	currentSize int64
	fallback    io.Writer
	reported    bool
}

// OpenRotatingFile opens (creating if needed) path for appending. A
// maxSizeMB of zero disables rotation.
func OpenRotatingFile(path string, maxSizeMB, maxFiles int, fallback io.Writer) (*RotatingFile, error) {
	if fallback == nil {
		fallback = io.Discard
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	return &RotatingFile{
		path:        path,
		maxBytes:    int64(maxSizeMB) * 1024 * 1024,
		maxFiles:    maxFiles,
		file:        f,
		currentSize: stat.Size(),
		fallback:    fallback,
	}, nil
}

// Write appends p, rotating first if the file is full.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxBytes > 0 && r.currentSize+int64(len(p)) > r.maxBytes && r.currentSize > 0 {
		if err := r.rotate(); err != nil {
			r.report(err)
		}
	}
	if r.file == nil {
		return len(p), nil
	}

	n, err := r.file.Write(p)
	r.currentSize += int64(n)
	if err != nil {
		r.report(err)
	}
	return len(p), nil
}

// Close closes the current file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate performs log file rotation.
func (r *RotatingFile) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	// bpfocus.log -> bpfocus.log.1, bpfocus.log.1 -> bpfocus.log.2, ...
	// With maxFiles=3, we keep .1, .2, .3.
	if r.maxFiles <= 0 {
		os.Remove(r.path)
	} else {
		for i := r.maxFiles; i >= 1; i-- {
			oldPath := fmt.Sprintf("%s.%d", r.path, i)
			if i == r.maxFiles {
				os.Remove(oldPath)
				continue
			}
			os.Rename(oldPath, fmt.Sprintf("%s.%d", r.path, i+1))
		}
		if err := os.Rename(r.path, r.path+".1"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open new log file: %w", err)
	}

	r.file = f
	r.currentSize = 0
	return nil
}

func (r *RotatingFile) report(err error) {
	if r.reported {
		return
	}
	r.reported = true
	fmt.Fprintf(r.fallback, "log file %s: %v (further errors suppressed)\n", r.path, err)
}
