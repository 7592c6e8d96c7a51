// Package supervisor wires process tracking to the focus loop and starts and
// stops the loop in lockstep with the root process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1broseidon/bpfocus/internal/focus"
	"github.com/1broseidon/bpfocus/internal/platform"
	"github.com/1broseidon/bpfocus/internal/procwatch"
	"github.com/1broseidon/bpfocus/internal/tracker"
)

// ExitStopTimeout is the process exit code used when the focus loop cannot
// be stopped in time.
const ExitStopTimeout = 3

var ErrAlreadyStarted = errors.New("supervisor already started")

// Settings are the tunables that can change while running.
type Settings struct {
	PollInterval time.Duration
	StopTimeout  time.Duration
	GraceDelay   time.Duration
}

// Config holds configuration for the supervisor.
type Config struct {
	Settings
	Logger *slog.Logger
	// Fatal is called when the loop does not stop within StopTimeout.
	// Defaults to logging and exiting with ExitStopTimeout.
	Fatal           func(err error)
	TrackerObserver tracker.Observer
	FocusObserver   focus.Observer
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	RootRunning  bool          `json:"root_running"`
	RootPID      int           `json:"root_pid,omitempty"`
	RootName     string        `json:"root_name,omitempty"`
	Descendants  []int         `json:"descendants"`
	LoopRunning  bool          `json:"loop_running"`
	PollInterval time.Duration `json:"poll_interval"`
	GraceDelay   time.Duration `json:"grace_delay"`
	StopTimeout  time.Duration `json:"stop_timeout"`
	StartedAt    time.Time     `json:"started_at"`
	Stats        focus.Stats   `json:"stats"`
}

// Supervisor owns the tracker and the focus loop.
type Supervisor struct {
	source  procwatch.Source
	tracker *tracker.Tracker
	loop    *focus.Loop
	logger  *slog.Logger
	fatal   func(error)

	stopTimeout atomic.Int64

	// mu serializes Start, Stop and the root transition relays so that at
	// most one loop instance is ever active.
	mu          sync.Mutex
	started     bool
	startedAt   time.Time
	cancel      context.CancelFunc
	unsubscribe func()
	trackerDone chan struct{}
}

var _ tracker.Lifecycle = (*Supervisor)(nil)

// New builds a supervisor over source and activator.
func New(source procwatch.Source, activator platform.WindowActivator, cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		source: source,
		logger: logger,
		fatal:  cfg.Fatal,
	}
	if s.fatal == nil {
		s.fatal = func(err error) {
			logger.Error("focus loop failed to stop, exiting", "error", err)
			os.Exit(ExitStopTimeout)
		}
	}

	s.tracker = tracker.New(source, s, tracker.Config{
		GraceDelay: graceOrPoll(cfg.Settings),
		Logger:     logger.With("component", "tracker"),
		Observer:   cfg.TrackerObserver,
	})
	s.loop = focus.NewLoop(activator, s.tracker, focus.Config{
		PollInterval: cfg.PollInterval,
		Logger:       logger.With("component", "focus"),
		Observer:     cfg.FocusObserver,
	})
	s.setStopTimeout(cfg.StopTimeout)

	return s
}

// graceOrPoll returns the grace delay, defaulting to the poll interval.
func graceOrPoll(st Settings) time.Duration {
	if st.GraceDelay > 0 {
		return st.GraceDelay
	}
	if st.PollInterval > 0 {
		return st.PollInterval
	}
	return focus.DefaultPollInterval
}

func (s *Supervisor) setStopTimeout(d time.Duration) {
	if d <= 0 {
		d = focus.DefaultStopTimeout
	}
	s.stopTimeout.Store(int64(d))
}

func (s *Supervisor) stopTimeoutValue() time.Duration {
	return time.Duration(s.stopTimeout.Load())
}

// Tracker returns the process tracker.
func (s *Supervisor) Tracker() *tracker.Tracker {
	return s.tracker
}

// Loop returns the focus loop.
func (s *Supervisor) Loop() *focus.Loop {
	return s.loop
}

// Start subscribes to process creation, starts the tracker and, if the root
// is already running, the focus loop. It returns once those are in place.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		s.tracker.Run(runCtx)
	}()

	unsubscribe, err := s.source.Subscribe(runCtx, s.tracker.HandleProcessCreated)
	if err != nil {
		cancel()
		<-trackerDone
		return fmt.Errorf("failed to subscribe to process creation: %w", err)
	}

	s.started = true
	s.startedAt = time.Now()
	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.trackerDone = trackerDone

	if s.tracker.ObserveExistingRoot() {
		s.startLoopLocked()
	} else {
		s.logger.Info("root process not running, waiting for it to start")
	}
	return nil
}

// Stop stops the focus loop within the stop timeout, unsubscribes and waits
// for the tracker to exit. A loop that does not stop in time is passed to
// the Fatal hook.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false

	stopErr := s.loop.StopWithin(s.stopTimeoutValue())
	if stopErr != nil {
		s.fatal(stopErr)
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.cancel()
	done := s.trackerDone
	s.mu.Unlock()

	// The tracker may be waiting on mu inside a relay; wait after unlocking.
	<-done
	return stopErr
}

// RootStarted starts the focus loop.
func (s *Supervisor) RootStarted(p tracker.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info("root process started", "pid", p.PID)
	s.startLoopLocked()
}

// RootExited stops the focus loop.
func (s *Supervisor) RootExited(p tracker.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loop.StopWithin(s.stopTimeoutValue()); err != nil {
		s.fatal(err)
	}
}

func (s *Supervisor) startLoopLocked() {
	if err := s.loop.Start(); err != nil {
		if errors.Is(err, focus.ErrAlreadyRunning) {
			return
		}
		s.logger.Error("failed to start focus loop", "error", err)
	}
}

// Apply updates the running tunables. The grace delay takes effect for the
// next child exit; the poll interval on the next loop start.
func (s *Supervisor) Apply(st Settings) {
	s.tracker.SetGraceDelay(graceOrPoll(st))
	s.loop.SetPollInterval(st.PollInterval)
	s.setStopTimeout(st.StopTimeout)
}

// Status returns a snapshot of the current state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()

	st := Status{
		Descendants:  s.tracker.Descendants(),
		LoopRunning:  s.loop.Running(),
		PollInterval: s.loop.PollInterval(),
		GraceDelay:   s.tracker.GraceDelay(),
		StopTimeout:  s.stopTimeoutValue(),
		StartedAt:    startedAt,
		Stats:        s.loop.Stats(),
	}
	if root, ok := s.tracker.Root(); ok {
		st.RootRunning = true
		st.RootPID = root.PID
		st.RootName = root.Name
	}
	return st
}
