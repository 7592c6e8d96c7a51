// Package focus runs the periodic focus-correction loop.
package focus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/1broseidon/bpfocus/internal/platform"
	"github.com/1broseidon/bpfocus/internal/target"
)

const (
	DefaultPollInterval = time.Second
	DefaultStopTimeout  = 2 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("focus loop already running")
	ErrStopTimeout    = errors.New("focus loop did not stop in time")
)

// DescendantCounter reports whether the root currently has live descendants.
type DescendantCounter interface {
	HasDescendants() bool
}

// Outcome is the result of one correction tick.
type Outcome int

const (
	// OutcomeSuppressed means a descendant is running.
	OutcomeSuppressed Outcome = iota
	OutcomeNoWindow
	OutcomeAlreadyForeground
	OutcomeCorrected
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeNoWindow:
		return "no_window"
	case OutcomeAlreadyForeground:
		return "already_foreground"
	case OutcomeCorrected:
		return "corrected"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Observer receives the outcome of every tick. err is non-nil only for
// OutcomeError.
type Observer interface {
	TickOutcome(outcome Outcome, window platform.WindowID, err error)
}

// Stats counts tick outcomes since the loop was created.
type Stats struct {
	Ticks             uint64 `json:"ticks"`
	Suppressed        uint64 `json:"suppressed"`
	NoWindow          uint64 `json:"no_window"`
	AlreadyForeground uint64 `json:"already_foreground"`
	Corrections       uint64 `json:"corrections"`
	Errors            uint64 `json:"errors"`
}

// Config holds configuration for the loop.
type Config struct {
	PollInterval time.Duration
	// WindowClass and WindowTitle default to the target identity.
	WindowClass string
	WindowTitle string
	Logger      *slog.Logger
	Observer    Observer
}

// Loop polls at a fixed interval and raises the target window while no
// descendant is running. It can be started again after it stops.
type Loop struct {
	activator platform.WindowActivator
	counter   DescendantCounter
	class     string
	title     string
	logger    *slog.Logger
	observer  Observer

	pollInterval atomic.Int64
	missingLog   rate.Sometimes

	// mu serializes Start and Stop.
	mu      sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	ticks             atomic.Uint64
	suppressed        atomic.Uint64
	noWindow          atomic.Uint64
	alreadyForeground atomic.Uint64
	corrections       atomic.Uint64
	failures          atomic.Uint64
}

// NewLoop creates a stopped loop.
func NewLoop(activator platform.WindowActivator, counter DescendantCounter, cfg Config) *Loop {
	class := cfg.WindowClass
	if class == "" {
		class = target.WindowClass
	}
	title := cfg.WindowTitle
	if title == "" {
		title = target.WindowTitle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		activator:  activator,
		counter:    counter,
		class:      class,
		title:      title,
		logger:     logger,
		observer:   cfg.Observer,
		missingLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	l.SetPollInterval(cfg.PollInterval)
	return l
}

// SetPollInterval changes the interval used by the next Start.
func (l *Loop) SetPollInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	l.pollInterval.Store(int64(d))
}

// PollInterval returns the configured interval.
func (l *Loop) PollInterval() time.Duration {
	return time.Duration(l.pollInterval.Load())
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Stats returns a snapshot of the tick counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:             l.ticks.Load(),
		Suppressed:        l.suppressed.Load(),
		NoWindow:          l.noWindow.Load(),
		AlreadyForeground: l.alreadyForeground.Load(),
		Corrections:       l.corrections.Load(),
		Errors:            l.failures.Load(),
	}
}

// Start launches the loop goroutine.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return ErrAlreadyRunning
	}

	interval := l.PollInterval()
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.running.Store(true)

	go l.run(interval, l.stop, l.done)

	l.logger.Info("focus loop started", "interval", interval)
	return nil
}

// Stop signals the loop and waits for it to exit or for ctx to end. It
// returns ErrStopTimeout if ctx ends first; the loop is then still running.
// Stopping a stopped loop is a no-op.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return nil
	}

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}

	select {
	case <-l.done:
		l.running.Store(false)
		l.logger.Info("focus loop stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStopTimeout, ctx.Err())
	}
}

// StopWithin is Stop bounded by timeout.
func (l *Loop) StopWithin(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Stop(ctx)
}

func (l *Loop) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		// The wait is both the poll delay and the cancellation check.
		select {
		case <-stop:
			return
		case <-timer.C:
		}

		l.tick()
		timer.Reset(interval)
	}
}

// tick runs one correction pass. Failures and panics are recorded and never
// end the loop.
func (l *Loop) tick() (outcome Outcome) {
	var (
		window platform.WindowID
		err    error
	)

	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			err = fmt.Errorf("tick panic: %v", r)
		}
		l.record(outcome, window, err)
	}()

	outcome, window, err = l.correct()
	return outcome
}

func (l *Loop) correct() (Outcome, platform.WindowID, error) {
	if l.counter.HasDescendants() {
		return OutcomeSuppressed, 0, nil
	}

	window, found, err := l.activator.Find(l.class, l.title)
	if err != nil {
		return OutcomeError, 0, fmt.Errorf("failed to find window: %w", err)
	}
	if !found {
		return OutcomeNoWindow, 0, nil
	}

	foreground, err := l.activator.IsForeground(window)
	if err != nil {
		return OutcomeError, window, fmt.Errorf("failed to query foreground window: %w", err)
	}
	if foreground {
		return OutcomeAlreadyForeground, window, nil
	}

	if err := l.activator.ForceForeground(window); err != nil {
		return OutcomeError, window, fmt.Errorf("failed to force window to foreground: %w", err)
	}
	return OutcomeCorrected, window, nil
}

func (l *Loop) record(outcome Outcome, window platform.WindowID, err error) {
	l.ticks.Add(1)

	switch outcome {
	case OutcomeSuppressed:
		l.suppressed.Add(1)
	case OutcomeNoWindow:
		l.noWindow.Add(1)
		l.missingLog.Do(func() {
			l.logger.Debug("target window not present", "class", l.class, "title", l.title)
		})
	case OutcomeAlreadyForeground:
		l.alreadyForeground.Add(1)
	case OutcomeCorrected:
		l.corrections.Add(1)
		l.logger.Info("focus corrected", "window", fmt.Sprintf("0x%x", uint32(window)))
	case OutcomeError:
		l.failures.Add(1)
		l.logger.Warn("focus tick failed", "error", err)
	}

	l.notify(outcome, window, err)
}

// notify passes a tick outcome to the observer. An observer panic is logged
// and does not reach the loop goroutine.
func (l *Loop) notify(outcome Outcome, window platform.WindowID, err error) {
	if l.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tick observer panic recovered", "outcome", outcome.String(), "error", r)
		}
	}()
	l.observer.TickOutcome(outcome, window, err)
}

// Observers fans a tick outcome out to several observers in order.
type Observers []Observer

func (o Observers) TickOutcome(outcome Outcome, window platform.WindowID, err error) {
	for _, obs := range o {
		if obs != nil {
			obs.TickOutcome(outcome, window, err)
		}
	}
}
