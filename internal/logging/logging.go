// Package logging builds the daemon's slog logger: text lines with
// timestamps on stderr and, optionally, in a size-rotated file. The level can
// be changed while running.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	MaxFiles  int
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Sink owns the outputs behind a logger.
type Sink struct {
	level *slog.LevelVar
	file  *RotatingFile
}

// New builds a logger for opts. The returned Sink must be closed on exit.
func New(opts Options) (*slog.Logger, *Sink, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	sink := &Sink{level: new(slog.LevelVar)}
	sink.level.Set(ParseLevel(opts.Level))

	var out io.Writer = quietWriter{stderr}
	if opts.File != "" {
		f, err := OpenRotatingFile(opts.File, opts.MaxSizeMB, opts.MaxFiles, stderr)
		if err != nil {
			return nil, nil, err
		}
		sink.file = f
		out = io.MultiWriter(quietWriter{stderr}, f)
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: sink.level})
	return slog.New(handler), sink, nil
}

// SetLevel changes the minimum level of every logger built from this sink.
func (s *Sink) SetLevel(level string) {
	s.level.Set(ParseLevel(level))
}

// Level returns the current minimum level.
func (s *Sink) Level() slog.Level {
	return s.level.Level()
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

// ParseLevel converts a config level name to a slog level. Unknown names
// map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// quietWriter drops write errors so that io.MultiWriter keeps going and the
// handler never sees a failure.
type quietWriter struct {
	w io.Writer
}

func (q quietWriter) Write(p []byte) (int, error) {
	q.w.Write(p)
	return len(p), nil
}
