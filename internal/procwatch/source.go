// Package procwatch reports process creation and termination on the local
// host. The Scanner implementation polls procfs and diffs snapshots.
package procwatch

import (
	"context"
	"errors"

	"github.com/1broseidon/bpfocus/internal/target"
)

// ErrProcessGone is returned when a pid can no longer be resolved to a live
// process, usually because it exited between notification and lookup.
var ErrProcessGone = errors.New("process no longer running")

// Event describes one process as observed in the process table.
type Event struct {
	PID  int
	PPID int
	// Name is the kernel comm name (at most 15 bytes).
	Name string
	// Exe is the resolved executable path; empty when unreadable.
	Exe string
	// StartTime is the process start time in clock ticks since boot. Together
	// with PID it identifies a process across pid reuse.
	StartTime uint64
}

// Key returns the identity of the process described by e.
func (e Event) Key() Key {
	return Key{PID: e.PID, StartTime: e.StartTime}
}

// HasName reports whether the process matches name by comm or executable.
func (e Event) HasName(name string) bool {
	return target.MatchesProcessName(name, e.Name, e.Exe)
}

// Key identifies a single process lifetime.
type Key struct {
	PID       int
	StartTime uint64
}

// Source is the process event capability consumed by the tracker.
type Source interface {
	// ListByName returns running processes matching name.
	ListByName(name string) ([]Event, error)

	// Lookup resolves pid to a live process. Returns ErrProcessGone when the
	// process has exited.
	Lookup(pid int) (Event, error)

	// Subscribe registers fn for every process created after the call. fn is
	// invoked on the source's own goroutine. The returned function removes
	// the subscription.
	Subscribe(ctx context.Context, fn func(Event)) (func(), error)

	// WatchExit calls fn once when the process identified by key terminates.
	WatchExit(key Key, fn func())
}
