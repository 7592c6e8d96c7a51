package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/1broseidon/bpfocus/internal/procwatch"
)

type fakeSource struct {
	mu      sync.Mutex
	procs   map[int]procwatch.Event
	watches map[procwatch.Key][]func()
	listErr error
}

func newFakeSource(procs ...procwatch.Event) *fakeSource {
	s := &fakeSource{
		procs:   make(map[int]procwatch.Event),
		watches: make(map[procwatch.Key][]func()),
	}
	for _, p := range procs {
		s.procs[p.PID] = p
	}
	return s
}

func (s *fakeSource) ListByName(name string) ([]procwatch.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []procwatch.Event
	for _, p := range s.procs {
		if p.HasName(name) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeSource) Lookup(pid int) (procwatch.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	if !ok {
		return procwatch.Event{}, procwatch.ErrProcessGone
	}
	return p, nil
}

func (s *fakeSource) Subscribe(ctx context.Context, fn func(procwatch.Event)) (func(), error) {
	return func() {}, nil
}

func (s *fakeSource) WatchExit(key procwatch.Key, fn func()) {
	s.mu.Lock()
	s.watches[key] = append(s.watches[key], fn)
	s.mu.Unlock()
}

func (s *fakeSource) spawn(p procwatch.Event) procwatch.Event {
	s.mu.Lock()
	s.procs[p.PID] = p
	s.mu.Unlock()
	return p
}

// exit removes pid and fires its exit watches.
func (s *fakeSource) exit(pid int) {
	s.mu.Lock()
	p, ok := s.procs[pid]
	delete(s.procs, pid)
	var fns []func()
	if ok {
		fns = s.watches[p.Key()]
		delete(s.watches, p.Key())
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

type fakeLifecycle struct {
	mu      sync.Mutex
	started []int
	exited  []int
	// setLenAtExit records the descendant count seen when RootExited ran.
	setLenAtExit []int
	tracker      *Tracker
}

func (l *fakeLifecycle) RootStarted(p Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, p.PID)
}

func (l *fakeLifecycle) RootExited(p Process) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exited = append(l.exited, p.PID)
	if l.tracker != nil {
		l.setLenAtExit = append(l.setLenAtExit, l.tracker.set.Len())
	}
}

func (l *fakeLifecycle) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started), len(l.exited)
}

type recordingObserver struct {
	mu    sync.Mutex
	kinds []Kind
}

func (o *recordingObserver) TrackerEvent(ev Event) {
	o.mu.Lock()
	o.kinds = append(o.kinds, ev.Kind)
	o.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(src *fakeSource, cfg Config) (*Tracker, *fakeLifecycle) {
	lc := &fakeLifecycle{}
	cfg.Logger = testLogger()
	tr := New(src, lc, cfg)
	lc.tracker = tr
	return tr, lc
}

// drain applies every queued event on the calling goroutine.
func (t *Tracker) drain() {
	for {
		select {
		case ev := <-t.events:
			t.handle(ev)
		default:
			return
		}
	}
}

func created(t *Tracker, p procwatch.Event) {
	t.HandleProcessCreated(p)
	t.drain()
}

var steamRoot = procwatch.Event{PID: 10, PPID: 1, Name: "steam", Exe: "/usr/lib/steam/steam", StartTime: 1000}

func TestObserveExistingRoot(t *testing.T) {
	src := newFakeSource(
		procwatch.Event{PID: 2, PPID: 1, Name: "bash", StartTime: 10},
		steamRoot,
	)
	tr, _ := newTestTracker(src, Config{})

	if !tr.ObserveExistingRoot() {
		t.Fatal("expected root to be found")
	}
	root, ok := tr.Root()
	if !ok || root.PID != steamRoot.PID {
		t.Fatalf("Root() = %v, %v; want pid %d", root, ok, steamRoot.PID)
	}

	// Second call is a no-op and does not register another exit watch.
	if !tr.ObserveExistingRoot() {
		t.Fatal("expected root to remain set")
	}
	if n := len(src.watches[steamRoot.Key()]); n != 1 {
		t.Fatalf("exit watches = %d, want 1", n)
	}
}

func TestObserveExistingRoot_NotRunning(t *testing.T) {
	src := newFakeSource(procwatch.Event{PID: 2, Name: "bash", StartTime: 10})
	tr, _ := newTestTracker(src, Config{})

	if tr.ObserveExistingRoot() {
		t.Fatal("expected no root")
	}
	if _, ok := tr.Root(); ok {
		t.Fatal("root must not be set")
	}
}

func TestObserveExistingRoot_ListError(t *testing.T) {
	src := newFakeSource(steamRoot)
	src.listErr = errors.New("procfs unavailable")
	tr, _ := newTestTracker(src, Config{})

	if tr.ObserveExistingRoot() {
		t.Fatal("expected false on list error")
	}
}

func TestDescendantChainIsTransitivelyClosed(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, _ := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	chain := []procwatch.Event{
		{PID: 100, PPID: 10, Name: "reaper", StartTime: 1100},
		{PID: 101, PPID: 100, Name: "pressure-vessel", StartTime: 1101},
		{PID: 102, PPID: 101, Name: "game", StartTime: 1102},
		{PID: 103, PPID: 100, Name: "sibling", StartTime: 1103},
	}
	for _, p := range chain {
		created(tr, src.spawn(p))
	}

	// Unrelated processes never enter the set.
	created(tr, src.spawn(procwatch.Event{PID: 200, PPID: 1, Name: "firefox", StartTime: 1200}))
	created(tr, src.spawn(procwatch.Event{PID: 201, PPID: 200, Name: "firefox", StartTime: 1201}))

	want := []int{100, 101, 102, 103}
	if got := tr.Descendants(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Descendants() = %v, want %v", got, want)
	}
}

func TestGrandchildBeforeParentIsDropped(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, _ := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	grandchild := src.spawn(procwatch.Event{PID: 301, PPID: 300, Name: "game", StartTime: 1301})
	child := src.spawn(procwatch.Event{PID: 300, PPID: 10, Name: "launcher", StartTime: 1300})

	created(tr, grandchild)
	created(tr, child)

	if got := tr.Descendants(); !reflect.DeepEqual(got, []int{300}) {
		t.Fatalf("Descendants() = %v, want [300]", got)
	}
}

func TestCreatedProcessAlreadyGoneIsDropped(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, _ := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	// Never spawned in the source, so Lookup fails.
	created(tr, procwatch.Event{PID: 100, PPID: 10, Name: "short-lived", StartTime: 1100})

	if tr.HasDescendants() {
		t.Fatal("expected vanished process to be dropped")
	}
}

func TestCreatedProcessWithReusedPIDIsDropped(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, _ := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	src.spawn(procwatch.Event{PID: 100, PPID: 1, Name: "other", StartTime: 9999})
	created(tr, procwatch.Event{PID: 100, PPID: 10, Name: "child", StartTime: 1100})

	if tr.HasDescendants() {
		t.Fatal("expected reused pid to be dropped")
	}
}

func TestRootStartsAfterLaunch(t *testing.T) {
	src := newFakeSource()
	tr, lc := newTestTracker(src, Config{})

	if tr.ObserveExistingRoot() {
		t.Fatal("no root expected at start")
	}

	created(tr, src.spawn(procwatch.Event{PID: 10, PPID: 1, Name: "Steam", StartTime: 1000}))

	root, ok := tr.Root()
	if !ok || root.PID != 10 {
		t.Fatalf("Root() = %v, %v; want pid 10", root, ok)
	}
	if started, _ := lc.counts(); started != 1 {
		t.Fatalf("RootStarted calls = %d, want 1", started)
	}

	// A second matching process while a root is set is not a new root.
	created(tr, src.spawn(procwatch.Event{PID: 20, PPID: 1, Name: "steam", StartTime: 2000}))
	if started, _ := lc.counts(); started != 1 {
		t.Fatalf("RootStarted calls = %d, want 1", started)
	}
}

func TestRootExitClearsDescendants(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, lc := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	created(tr, src.spawn(procwatch.Event{PID: 100, PPID: 10, Name: "game", StartTime: 1100}))
	if !tr.HasDescendants() {
		t.Fatal("expected child to be tracked")
	}

	// Root exits while the child is still running and no child exit has
	// been seen yet.
	src.exit(10)
	tr.drain()

	if tr.HasDescendants() {
		t.Fatalf("descendants = %v, want none", tr.Descendants())
	}
	if _, ok := tr.Root(); ok {
		t.Fatal("root must be cleared")
	}
	if _, exited := lc.counts(); exited != 1 {
		t.Fatalf("RootExited calls = %d, want 1", exited)
	}
	if !reflect.DeepEqual(lc.setLenAtExit, []int{0}) {
		t.Fatalf("set size at RootExited = %v, want [0]", lc.setLenAtExit)
	}

	// A late child exit for the old root is harmless.
	src.exit(100)
	tr.drain()
	if tr.HasDescendants() {
		t.Fatal("expected empty set after late child exit")
	}
}

func TestRootExitHandledOncePerLifetime(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, lc := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	tr.post(Event{Kind: RootExited, Process: steamRoot})
	tr.post(Event{Kind: RootExited, Process: steamRoot})
	tr.drain()

	if _, exited := lc.counts(); exited != 1 {
		t.Fatalf("RootExited calls = %d, want 1", exited)
	}
}

func TestRootReplacedWithinOneScan(t *testing.T) {
	tests := []struct {
		name      string
		ppid      int
		exitFirst bool
	}{
		{name: "creation seen first", ppid: 1},
		{name: "creation seen first, spawned by old root", ppid: 10},
		{name: "exit seen first", ppid: 1, exitFirst: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource(steamRoot)
			tr, lc := newTestTracker(src, Config{})
			tr.ObserveExistingRoot()

			next := src.spawn(procwatch.Event{PID: 20, PPID: tt.ppid, Name: "steam", StartTime: 2000})
			if tt.exitFirst {
				src.exit(10)
				tr.drain()
				created(tr, next)
			} else {
				created(tr, next)
				src.exit(10)
				tr.drain()
			}

			root, ok := tr.Root()
			if !ok || root.PID != 20 {
				t.Fatalf("Root() = %v, %v; want pid 20", root, ok)
			}
			if tr.HasDescendants() {
				t.Fatalf("descendants = %v, want none", tr.Descendants())
			}
			if started, exited := lc.counts(); started != 1 || exited != 1 {
				t.Fatalf("RootStarted/RootExited calls = %d/%d, want 1/1", started, exited)
			}

			// The new root's exit is watched.
			src.exit(20)
			tr.drain()
			if _, ok := tr.Root(); ok {
				t.Fatal("root must be cleared after the new root exits")
			}
		})
	}
}

func TestChildRemovedAfterGraceDelay(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, _ := newTestTracker(src, Config{GraceDelay: 50 * time.Millisecond})
	tr.ObserveExistingRoot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	tr.HandleProcessCreated(src.spawn(procwatch.Event{PID: 100, PPID: 10, Name: "game", StartTime: 1100}))
	waitFor(t, time.Second, func() bool { return tr.HasDescendants() })

	exitedAt := time.Now()
	src.exit(100)

	// Still tracked during the grace delay.
	time.Sleep(10 * time.Millisecond)
	if !tr.HasDescendants() {
		t.Fatal("child removed before grace delay elapsed")
	}

	waitFor(t, time.Second, func() bool { return !tr.HasDescendants() })
	if elapsed := time.Since(exitedAt); elapsed < 50*time.Millisecond {
		t.Fatalf("child removed after %v, want at least 50ms", elapsed)
	}
}

func TestChildExpiredKeepsReusedPID(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, _ := newTestTracker(src, Config{})
	tr.ObserveExistingRoot()

	old := procwatch.Event{PID: 100, PPID: 10, Name: "game", StartTime: 1100}
	created(tr, src.spawn(old))
	src.exit(100)
	tr.drain()

	// The pid is reused by a new descendant before the grace delay ends.
	created(tr, src.spawn(procwatch.Event{PID: 100, PPID: 10, Name: "game", StartTime: 1500}))

	tr.handle(Event{Kind: ChildExpired, Process: old})
	if !tr.set.Has(100) {
		t.Fatal("expiry of the old process must not remove the new one")
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	src := newFakeSource()
	obs := &recordingObserver{}
	tr, _ := newTestTracker(src, Config{Observer: obs})

	created(tr, src.spawn(steamRoot))
	child := src.spawn(procwatch.Event{PID: 100, PPID: 10, Name: "game", StartTime: 1100})
	created(tr, child)
	src.exit(100)
	tr.drain()
	tr.handle(Event{Kind: ChildExpired, Process: child})
	src.exit(10)
	tr.drain()

	want := []Kind{RootStarted, ChildCreated, ChildExited, ChildExpired, RootExited}
	if !reflect.DeepEqual(obs.kinds, want) {
		t.Fatalf("observed %v, want %v", obs.kinds, want)
	}
}

type panickingObserver struct{}

func (panickingObserver) TrackerEvent(Event) { panic("metrics unavailable") }

func TestObserverPanicDoesNotInterruptTransition(t *testing.T) {
	src := newFakeSource(steamRoot)
	tr, lc := newTestTracker(src, Config{Observer: panickingObserver{}})
	tr.ObserveExistingRoot()

	created(tr, src.spawn(procwatch.Event{PID: 100, PPID: 10, Name: "game", StartTime: 1100}))
	if !tr.HasDescendants() {
		t.Fatal("expected child to be tracked")
	}

	src.spawn(procwatch.Event{PID: 20, PPID: 1, Name: "steam", StartTime: 2000})
	src.exit(10)
	tr.drain()

	if root, ok := tr.Root(); !ok || root.PID != 20 {
		t.Fatalf("Root() = %v, %v; want pid 20", root, ok)
	}
	if started, exited := lc.counts(); started != 1 || exited != 1 {
		t.Fatalf("RootStarted/RootExited calls = %d/%d, want 1/1", started, exited)
	}
}

func TestSetGraceDelay(t *testing.T) {
	tr, _ := newTestTracker(newFakeSource(), Config{})
	if got := tr.GraceDelay(); got != DefaultGraceDelay {
		t.Fatalf("GraceDelay() = %v, want %v", got, DefaultGraceDelay)
	}
	tr.SetGraceDelay(3 * time.Second)
	if got := tr.GraceDelay(); got != 3*time.Second {
		t.Fatalf("GraceDelay() = %v, want 3s", got)
	}
	tr.SetGraceDelay(0)
	if got := tr.GraceDelay(); got != DefaultGraceDelay {
		t.Fatalf("GraceDelay() = %v, want default", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	tr, _ := newTestTracker(newFakeSource(), Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Posting after Run has returned must not block.
	posted := make(chan struct{})
	go func() {
		for i := 0; i < defaultQueueSize+1; i++ {
			tr.HandleProcessCreated(steamRoot)
		}
		close(posted)
	}()
	select {
	case <-posted:
	case <-time.After(time.Second):
		t.Fatal("post blocked after Run returned")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
