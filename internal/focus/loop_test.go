package focus

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1broseidon/bpfocus/internal/platform"
	"github.com/1broseidon/bpfocus/internal/target"
)

type fakeActivator struct {
	mu         sync.Mutex
	window     platform.WindowID
	present    bool
	foreground bool
	findErr    error
	forceErr   error
	panicOn    bool
	findClass  string
	findTitle  string
	forced     int
	block      chan struct{}
}

func (a *fakeActivator) Find(class, title string) (platform.WindowID, bool, error) {
	a.mu.Lock()
	block := a.block
	a.mu.Unlock()
	if block != nil {
		<-block
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.panicOn {
		panic("x11 connection lost")
	}
	a.findClass, a.findTitle = class, title
	if a.findErr != nil {
		return 0, false, a.findErr
	}
	return a.window, a.present, nil
}

func (a *fakeActivator) IsForeground(id platform.WindowID) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.foreground, nil
}

func (a *fakeActivator) ForceForeground(id platform.WindowID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forced++
	return a.forceErr
}

func (a *fakeActivator) forcedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forced
}

type fakeCounter struct {
	n atomic.Int64
}

func (c *fakeCounter) HasDescendants() bool { return c.n.Load() > 0 }

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) TickOutcome(outcome Outcome, window platform.WindowID, err error) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func newTestLoop(a *fakeActivator, c *fakeCounter, cfg Config) *Loop {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLoop(a, c, cfg)
}

func TestTick(t *testing.T) {
	tests := []struct {
		name        string
		descendants int64
		activator   *fakeActivator
		want        Outcome
		wantForced  int
	}{
		{
			name:        "descendants suppress correction",
			descendants: 1,
			activator:   &fakeActivator{window: 7, present: true},
			want:        OutcomeSuppressed,
		},
		{
			name:      "window absent",
			activator: &fakeActivator{},
			want:      OutcomeNoWindow,
		},
		{
			name:      "already foreground",
			activator: &fakeActivator{window: 7, present: true, foreground: true},
			want:      OutcomeAlreadyForeground,
		},
		{
			name:       "corrected",
			activator:  &fakeActivator{window: 7, present: true},
			want:       OutcomeCorrected,
			wantForced: 1,
		},
		{
			name:      "find error",
			activator: &fakeActivator{findErr: errors.New("bad window")},
			want:      OutcomeError,
		},
		{
			name:       "force error",
			activator:  &fakeActivator{window: 7, present: true, forceErr: errors.New("denied")},
			want:       OutcomeError,
			wantForced: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.activator
			c := &fakeCounter{}
			c.n.Store(tt.descendants)
			l := newTestLoop(a, c, Config{})

			if got := l.tick(); got != tt.want {
				t.Fatalf("tick() = %v, want %v", got, tt.want)
			}
			if a.forced != tt.wantForced {
				t.Fatalf("ForceForeground calls = %d, want %d", a.forced, tt.wantForced)
			}
		})
	}
}

func TestTick_UsesTargetIdentity(t *testing.T) {
	a := &fakeActivator{}
	l := newTestLoop(a, &fakeCounter{}, Config{})
	l.tick()

	if a.findClass != target.WindowClass || a.findTitle != target.WindowTitle {
		t.Fatalf("Find(%q, %q), want (%q, %q)", a.findClass, a.findTitle, target.WindowClass, target.WindowTitle)
	}
}

func TestTick_PanicRecovered(t *testing.T) {
	a := &fakeActivator{panicOn: true}
	obs := &recordingObserver{}
	l := newTestLoop(a, &fakeCounter{}, Config{Observer: obs})

	if got := l.tick(); got != OutcomeError {
		t.Fatalf("tick() = %v, want %v", got, OutcomeError)
	}
	if s := l.Stats(); s.Errors != 1 || s.Ticks != 1 {
		t.Fatalf("Stats() = %+v, want 1 tick with 1 error", s)
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != OutcomeError {
		t.Fatalf("observed %v", obs.outcomes)
	}
}

type panickingObserver struct {
	calls atomic.Int64
}

func (o *panickingObserver) TickOutcome(Outcome, platform.WindowID, error) {
	o.calls.Add(1)
	panic("journal closed")
}

func TestTick_ObserverPanicRecovered(t *testing.T) {
	a := &fakeActivator{window: 7, present: true}
	obs := &panickingObserver{}
	l := newTestLoop(a, &fakeCounter{}, Config{
		PollInterval: 5 * time.Millisecond,
		Observer:     obs,
	})

	if got := l.tick(); got != OutcomeCorrected {
		t.Fatalf("tick() = %v, want %v", got, OutcomeCorrected)
	}

	// The loop keeps ticking with a panicking observer.
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for obs.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("observer calls = %d, want at least 3", obs.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := l.StopWithin(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s := l.Stats(); s.Corrections < 3 {
		t.Fatalf("Corrections = %d, want at least 3", s.Corrections)
	}
}

func TestTick_OncePerTickNotPerStateChange(t *testing.T) {
	a := &fakeActivator{window: 7, present: true}
	l := newTestLoop(a, &fakeCounter{}, Config{})

	for i := 0; i < 3; i++ {
		l.tick()
	}
	if a.forced != 3 {
		t.Fatalf("ForceForeground calls = %d, want 3", a.forced)
	}
	if s := l.Stats(); s.Corrections != 3 {
		t.Fatalf("Corrections = %d, want 3", s.Corrections)
	}
}

func TestLoop_NeverForcesWhileDescendantsExist(t *testing.T) {
	a := &fakeActivator{window: 7, present: true}
	c := &fakeCounter{}
	c.n.Store(2)
	l := newTestLoop(a, c, Config{PollInterval: 5 * time.Millisecond})

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := l.StopWithin(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if n := a.forcedCount(); n != 0 {
		t.Fatalf("ForceForeground called %d times while descendants exist", n)
	}
	if s := l.Stats(); s.Suppressed == 0 || s.Suppressed != s.Ticks {
		t.Fatalf("Stats() = %+v, want every tick suppressed", s)
	}
}

func TestLoop_CorrectsAfterDescendantsGone(t *testing.T) {
	a := &fakeActivator{window: 7, present: true}
	c := &fakeCounter{}
	c.n.Store(1)
	l := newTestLoop(a, c, Config{PollInterval: 5 * time.Millisecond})

	l.Start()
	defer l.StopWithin(time.Second)

	time.Sleep(20 * time.Millisecond)
	if a.forcedCount() != 0 {
		t.Fatal("forced while suppressed")
	}

	c.n.Store(0)
	deadline := time.Now().Add(time.Second)
	for a.forcedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ForceForeground not called after descendants cleared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLoop_StartTwice(t *testing.T) {
	l := newTestLoop(&fakeActivator{}, &fakeCounter{}, Config{PollInterval: time.Hour})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.StopWithin(time.Second)

	if err := l.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
}

func TestLoop_StopMidWait(t *testing.T) {
	l := newTestLoop(&fakeActivator{}, &fakeCounter{}, Config{PollInterval: time.Hour})
	l.Start()

	start := time.Now()
	if err := l.StopWithin(DefaultStopTimeout); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > DefaultStopTimeout {
		t.Fatalf("Stop took %v", elapsed)
	}
	if l.Running() {
		t.Fatal("loop still running after Stop")
	}
	if s := l.Stats(); s.Ticks != 0 {
		t.Fatalf("ticks = %d, want 0", s.Ticks)
	}
}

func TestLoop_Restart(t *testing.T) {
	a := &fakeActivator{window: 7, present: true}
	l := newTestLoop(a, &fakeCounter{}, Config{PollInterval: 5 * time.Millisecond})

	for i := 0; i < 2; i++ {
		if err := l.Start(); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
		if err := l.StopWithin(time.Second); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if a.forcedCount() == 0 {
		t.Fatal("expected corrections across restarts")
	}
}

func TestLoop_StopTimeout(t *testing.T) {
	a := &fakeActivator{block: make(chan struct{})}
	l := newTestLoop(a, &fakeCounter{}, Config{PollInterval: time.Millisecond})
	l.Start()

	// Let the loop enter a tick that blocks inside Find.
	time.Sleep(20 * time.Millisecond)

	err := l.StopWithin(30 * time.Millisecond)
	if !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Stop() = %v, want ErrStopTimeout", err)
	}
	if !l.Running() {
		t.Fatal("loop must still be reported running after a timed out stop")
	}

	close(a.block)
	if err := l.StopWithin(time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if l.Running() {
		t.Fatal("loop still running")
	}
}

func TestLoop_StopWhenStopped(t *testing.T) {
	l := newTestLoop(&fakeActivator{}, &fakeCounter{}, Config{})
	if err := l.StopWithin(time.Millisecond); err != nil {
		t.Fatalf("Stop on stopped loop = %v", err)
	}
}

func TestSetPollInterval(t *testing.T) {
	l := newTestLoop(&fakeActivator{}, &fakeCounter{}, Config{})
	if l.PollInterval() != DefaultPollInterval {
		t.Fatalf("PollInterval() = %v", l.PollInterval())
	}
	l.SetPollInterval(250 * time.Millisecond)
	if l.PollInterval() != 250*time.Millisecond {
		t.Fatalf("PollInterval() = %v", l.PollInterval())
	}
}
