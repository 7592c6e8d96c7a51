package procwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultScanInterval matches the one second observation window of the
// creation-event subscriptions this daemon replaces.
const DefaultScanInterval = time.Second

// ScannerConfig holds configuration for the Scanner.
type ScannerConfig struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Scanner implements Source by polling a process Table. Processes present in
// the first snapshot are treated as pre-existing and never reported as
// created. Within one scan, creations are delivered oldest first so that a
// parent created in the same interval as its child is reported before it.
type Scanner struct {
	table    Table
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	nextID   int
	subs     map[int]func(Event)
	watches  map[Key][]func()
	known    map[Key]Event
	baseline bool
}

var _ Source = (*Scanner)(nil)

// NewScanner creates a scanner over table.
func NewScanner(table Table, cfg ScannerConfig) *Scanner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		table:    table,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]func(Event)),
		watches:  make(map[Key][]func()),
		known:    make(map[Key]Event),
	}
}

// NewProcfsScanner creates a scanner over the host's /proc.
func NewProcfsScanner(cfg ScannerConfig) (*Scanner, error) {
	table, err := NewProcfsTable("")
	if err != nil {
		return nil, err
	}
	return NewScanner(table, cfg), nil
}

// Prime takes the baseline snapshot if none has been taken yet. Processes
// in it are never reported as created. Call it before listing existing
// processes so that anything started afterwards is either listed or
// delivered by Run.
func (s *Scanner) Prime() error {
	s.mu.Lock()
	primed := s.baseline
	s.mu.Unlock()
	if primed {
		return nil
	}
	return s.scan()
}

// Run polls the process table until ctx is cancelled. Without a prior Prime,
// the first scan is the baseline.
func (s *Scanner) Run(ctx context.Context) {
	if err := s.scan(); err != nil {
		s.logger.Warn("initial process scan failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("process scanner started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("process scanner stopped")
			return
		case <-ticker.C:
			if err := s.scan(); err != nil {
				s.logger.Warn("process scan failed", "error", err)
			}
		}
	}
}

// ListByName returns running processes matching name.
func (s *Scanner) ListByName(name string) ([]Event, error) {
	all, err := s.table.List()
	if err != nil {
		return nil, err
	}

	var matches []Event
	for _, ev := range all {
		if ev.HasName(name) {
			matches = append(matches, ev)
		}
	}
	sortByAge(matches)
	return matches, nil
}

// Lookup resolves pid to a live process.
func (s *Scanner) Lookup(pid int) (Event, error) {
	return s.table.Lookup(pid)
}

// Subscribe registers fn for process creation notifications.
func (s *Scanner) Subscribe(ctx context.Context, fn func(Event)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()
	}

	return unsubscribe, nil
}

// WatchExit calls fn once when the process identified by key is no longer
// present in a scan.
func (s *Scanner) WatchExit(key Key, fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.watches[key] = append(s.watches[key], fn)
	s.mu.Unlock()
}

// scan takes one snapshot and dispatches exit, then creation, notifications.
// Callbacks run after the lock is released.
func (s *Scanner) scan() error {
	events, err := s.table.List()
	if err != nil {
		return err
	}

	current := make(map[Key]Event, len(events))
	for _, ev := range events {
		current[ev.Key()] = ev
	}

	s.mu.Lock()

	var created []Event
	if s.baseline {
		for key, ev := range current {
			if _, ok := s.known[key]; !ok {
				created = append(created, ev)
			}
		}
	}
	s.known = current
	s.baseline = true

	var exited []func()
	for key, fns := range s.watches {
		if _, alive := current[key]; alive {
			continue
		}
		exited = append(exited, fns...)
		delete(s.watches, key)
	}

	subs := make([]func(Event), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}

	s.mu.Unlock()

	// Exits go first so that a process replaced within one interval is gone
	// before its successor is reported.
	for _, fn := range exited {
		fn()
	}
	sortByAge(created)
	for _, ev := range created {
		for _, fn := range subs {
			fn(ev)
		}
	}

	return nil
}

func sortByAge(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].StartTime != events[j].StartTime {
			return events[i].StartTime < events[j].StartTime
		}
		return events[i].PID < events[j].PID
	})
}
