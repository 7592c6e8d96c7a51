// Package tracker maintains the watched root process and the set of its live
// descendants.
//
// Notifications from the process source never touch tracker state directly.
// They are posted as tagged events onto a single channel and applied in order
// by the goroutine running Tracker.Run.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1broseidon/bpfocus/internal/procwatch"
	"github.com/1broseidon/bpfocus/internal/target"
)

// DefaultGraceDelay is how long an exited descendant stays in the set.
const DefaultGraceDelay = time.Second

const defaultQueueSize = 256

// Process is a process as seen by the tracker.
type Process = procwatch.Event

// Kind tags an event flowing through the tracker.
type Kind int

const (
	// ProcessCreated is a raw creation notification, not yet classified.
	ProcessCreated Kind = iota
	RootStarted
	RootExited
	ChildCreated
	ChildExited
	// ChildExpired fires when a child's grace delay has elapsed.
	ChildExpired
)

func (k Kind) String() string {
	switch k {
	case ProcessCreated:
		return "process_created"
	case RootStarted:
		return "root_started"
	case RootExited:
		return "root_exited"
	case ChildCreated:
		return "child_created"
	case ChildExited:
		return "child_exited"
	case ChildExpired:
		return "child_expired"
	default:
		return "unknown"
	}
}

// Event is one tagged tracker event.
type Event struct {
	Kind    Kind
	Process Process
}

// Lifecycle receives root start and exit transitions. Both are called on the
// tracker goroutine; RootExited runs before the root is cleared.
type Lifecycle interface {
	RootStarted(p Process)
	RootExited(p Process)
}

// Observer is notified of every state change the tracker applies.
type Observer interface {
	TrackerEvent(ev Event)
}

// Config holds configuration for the tracker.
type Config struct {
	// RootName is the process name treated as the root. Defaults to
	// target.RootProcessName.
	RootName   string
	GraceDelay time.Duration
	QueueSize  int
	Logger     *slog.Logger
	Observer   Observer
}

// Tracker owns the root process reference and the descendant set.
type Tracker struct {
	source    procwatch.Source
	lifecycle Lifecycle
	rootName  string
	logger    *slog.Logger
	observer  Observer

	graceDelay atomic.Int64
	set        *DescendantSet

	rootMu  sync.Mutex
	root    Process
	hasRoot bool

	events chan Event
	done   chan struct{}

	// timers is only touched by the goroutine running Run.
	timers map[procwatch.Key]*time.Timer
}

// New creates a tracker reading from source and reporting root transitions
// to lifecycle.
func New(source procwatch.Source, lifecycle Lifecycle, cfg Config) *Tracker {
	rootName := cfg.RootName
	if rootName == "" {
		rootName = target.RootProcessName
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		source:    source,
		lifecycle: lifecycle,
		rootName:  rootName,
		logger:    logger,
		observer:  cfg.Observer,
		set:       NewDescendantSet(),
		events:    make(chan Event, queueSize),
		done:      make(chan struct{}),
		timers:    make(map[procwatch.Key]*time.Timer),
	}
	t.SetGraceDelay(cfg.GraceDelay)
	return t
}

// SetGraceDelay changes the delay applied to subsequent child exits. A
// non-positive value restores the default.
func (t *Tracker) SetGraceDelay(d time.Duration) {
	if d <= 0 {
		d = DefaultGraceDelay
	}
	t.graceDelay.Store(int64(d))
}

// GraceDelay returns the current grace delay.
func (t *Tracker) GraceDelay() time.Duration {
	return time.Duration(t.graceDelay.Load())
}

// Root returns the current root process, if any.
func (t *Tracker) Root() (Process, bool) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.root, t.hasRoot
}

// HasDescendants reports whether any descendant is currently tracked.
func (t *Tracker) HasDescendants() bool {
	return t.set.Len() > 0
}

// Descendants returns the tracked descendant pids in ascending order.
func (t *Tracker) Descendants() []int {
	return t.set.PIDs()
}

// ObserveExistingRoot looks for an already running root process when none is
// set. Returns whether a root is set afterwards.
func (t *Tracker) ObserveExistingRoot() bool {
	if _, ok := t.Root(); ok {
		return true
	}

	p, ok := t.findRoot(procwatch.Key{})
	if !ok {
		return false
	}
	t.adoptRoot(p)
	return true
}

// findRoot returns the first listed process matching the root name,
// skipping the process identified by exclude.
func (t *Tracker) findRoot(exclude procwatch.Key) (Process, bool) {
	procs, err := t.source.ListByName(t.rootName)
	if err != nil {
		t.logger.Warn("failed to list processes", "name", t.rootName, "error", err)
		return Process{}, false
	}
	for _, p := range procs {
		if p.Key() != exclude {
			return p, true
		}
	}
	return Process{}, false
}

// HandleProcessCreated queues a creation notification. It is safe to call
// from any goroutine and is the callback handed to procwatch.Source.Subscribe.
func (t *Tracker) HandleProcessCreated(ev procwatch.Event) {
	t.post(Event{Kind: ProcessCreated, Process: ev})
}

// Run applies queued events until ctx is cancelled. Pending grace timers are
// stopped on return.
func (t *Tracker) Run(ctx context.Context) {
	t.logger.Debug("tracker started", "root_name", t.rootName)

	defer func() {
		for key, timer := range t.timers {
			timer.Stop()
			delete(t.timers, key)
		}
		close(t.done)
		t.logger.Debug("tracker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.handle(ev)
		}
	}
}

func (t *Tracker) post(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Tracker) handle(ev Event) {
	defer func() {
		if err := recover(); err != nil {
			t.logger.Error("tracker panic recovered", "event", ev.Kind.String(), "error", err)
		}
	}()

	switch ev.Kind {
	case ProcessCreated:
		t.onProcessCreated(ev.Process)
	case RootExited:
		t.onRootExited(ev.Process)
	case ChildExited:
		t.onChildExited(ev.Process)
	case ChildExpired:
		t.onChildExpired(ev.Process)
	default:
		t.logger.Warn("tracker: unexpected event", "event", ev.Kind.String())
	}
}

// adoptRoot records p as the root and registers its exit notification.
// Returns false if a root was already set.
func (t *Tracker) adoptRoot(p Process) bool {
	t.rootMu.Lock()
	if t.hasRoot {
		t.rootMu.Unlock()
		return false
	}
	t.root = p
	t.hasRoot = true
	t.rootMu.Unlock()

	t.source.WatchExit(p.Key(), func() {
		t.post(Event{Kind: RootExited, Process: p})
	})

	t.logger.Info("root process observed", "pid", p.PID, "name", p.Name)
	return true
}

func (t *Tracker) onProcessCreated(ev procwatch.Event) {
	root, hasRoot := t.Root()

	if !hasRoot {
		if !ev.HasName(t.rootName) {
			return
		}
		p, ok := t.resolve(ev)
		if !ok {
			return
		}
		if !t.adoptRoot(p) {
			return
		}
		t.notify(RootStarted, p)
		t.lifecycle.RootStarted(p)
		return
	}

	if ev.PPID != root.PID && !t.set.Has(ev.PPID) {
		return
	}

	p, ok := t.resolve(ev)
	if !ok {
		return
	}
	if !t.set.Add(p) {
		return
	}
	t.source.WatchExit(p.Key(), func() {
		t.post(Event{Kind: ChildExited, Process: p})
	})

	t.logger.Debug("descendant added", "pid", p.PID, "ppid", p.PPID, "name", p.Name, "count", t.set.Len())
	t.notify(ChildCreated, p)
}

// resolve confirms ev still refers to a live process. A process that has
// already exited, or whose pid now belongs to another process, is dropped.
func (t *Tracker) resolve(ev procwatch.Event) (Process, bool) {
	p, err := t.source.Lookup(ev.PID)
	if err != nil {
		if errors.Is(err, procwatch.ErrProcessGone) {
			t.logger.Debug("process exited before it could be tracked", "pid", ev.PID)
		} else {
			t.logger.Debug("failed to resolve process", "pid", ev.PID, "error", err)
		}
		return Process{}, false
	}
	if ev.StartTime != 0 && p.StartTime != ev.StartTime {
		t.logger.Debug("pid reused before it could be tracked", "pid", ev.PID)
		return Process{}, false
	}
	if p.PPID == 0 {
		p.PPID = ev.PPID
	}
	return p, true
}

func (t *Tracker) onRootExited(p Process) {
	root, ok := t.Root()
	if !ok || root.Key() != p.Key() {
		return
	}

	cleared := t.set.Clear()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}

	t.logger.Info("root process exited", "pid", p.PID, "descendants_cleared", cleared)

	t.lifecycle.RootExited(p)

	t.rootMu.Lock()
	t.root = Process{}
	t.hasRoot = false
	t.rootMu.Unlock()

	t.notify(RootExited, p)

	// A root that restarted within one scan interval was never reported as
	// a new root while the old one was still set.
	if next, ok := t.findRoot(p.Key()); ok && t.adoptRoot(next) {
		t.notify(RootStarted, next)
		t.lifecycle.RootStarted(next)
	}
}

func (t *Tracker) onChildExited(p Process) {
	if !t.set.Has(p.PID) {
		return
	}
	t.notify(ChildExited, p)

	key := p.Key()
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(t.GraceDelay(), func() {
		t.post(Event{Kind: ChildExpired, Process: p})
	})
}

func (t *Tracker) onChildExpired(p Process) {
	delete(t.timers, p.Key())
	if !t.set.RemoveIfSame(p) {
		return
	}
	t.logger.Debug("descendant removed", "pid", p.PID, "count", t.set.Len())
	t.notify(ChildExpired, p)
}

// notify reports a transition to the observer. An observer panic is logged
// and does not interrupt the transition being applied.
func (t *Tracker) notify(kind Kind, p Process) {
	if t.observer == nil {
		return
	}
	defer func() {
		if err := recover(); err != nil {
			t.logger.Error("tracker observer panic recovered", "event", kind.String(), "error", err)
		}
	}()
	t.observer.TrackerEvent(Event{Kind: kind, Process: p})
}

// Observers fans an event out to several observers in order.
type Observers []Observer

func (o Observers) TrackerEvent(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.TrackerEvent(ev)
		}
	}
}
