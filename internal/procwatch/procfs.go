package procwatch

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"

	"github.com/prometheus/procfs"
)

// Table reads the current set of processes.
type Table interface {
	List() ([]Event, error)
	Lookup(pid int) (Event, error)
}

// procfsTable reads processes from a procfs mount.
type procfsTable struct {
	fs procfs.FS
}

// NewProcfsTable opens the procfs mounted at mountPoint ("" means /proc).
func NewProcfsTable(mountPoint string) (Table, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	pfs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &procfsTable{fs: pfs}, nil
}

func (t *procfsTable) List() ([]Event, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	events := make([]Event, 0, len(procs))
	for _, p := range procs {
		ev, err := eventFromProc(p)
		if err != nil {
			// Exited while we were reading it.
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (t *procfsTable) Lookup(pid int) (Event, error) {
	p, err := t.fs.Proc(pid)
	if err != nil {
		if isGone(err) {
			return Event{}, ErrProcessGone
		}
		return Event{}, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	ev, err := eventFromProc(p)
	if err != nil {
		if isGone(err) {
			return Event{}, ErrProcessGone
		}
		return Event{}, fmt.Errorf("failed to read process %d: %w", pid, err)
	}
	return ev, nil
}

func eventFromProc(p procfs.Proc) (Event, error) {
	stat, err := p.Stat()
	if err != nil {
		return Event{}, err
	}
	// Zombies have no executable and are already gone for our purposes.
	if stat.State == "Z" || stat.State == "X" {
		return Event{}, ErrProcessGone
	}

	exe, _ := p.Executable()

	return Event{
		PID:       stat.PID,
		PPID:      stat.PPID,
		Name:      stat.Comm,
		Exe:       exe,
		StartTime: stat.Starttime,
	}, nil
}

func isGone(err error) bool {
	return errors.Is(err, ErrProcessGone) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ESRCH)
}
