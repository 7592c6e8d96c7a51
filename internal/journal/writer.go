package journal

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1broseidon/bpfocus/internal/focus"
	"github.com/1broseidon/bpfocus/internal/platform"
	"github.com/1broseidon/bpfocus/internal/tracker"
)

const (
	defaultBufferSize = 256
	maxBatch          = 64
)

// Entry kinds written for focus loop outcomes. Tracker events use
// tracker.Kind.String().
const (
	KindCorrected = "focus_corrected"
	KindTickError = "tick_error"
)

// WriterConfig holds configuration for a Writer.
type WriterConfig struct {
	BufferSize int
	Logger     *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Writer records observer callbacks into a Store from a background
// goroutine. Callbacks never block; entries are dropped when the buffer is
// full.
type Writer struct {
	store  *Store
	runID  string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
	dropped atomic.Uint64
}

var (
	_ focus.Observer   = (*Writer)(nil)
	_ tracker.Observer = (*Writer)(nil)
)

// NewWriter starts a writer for store with a fresh run id.
func NewWriter(store *Store, cfg WriterConfig) *Writer {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	w := &Writer{
		store:   store,
		runID:   uuid.NewString(),
		logger:  cfg.Logger,
		now:     cfg.Now,
		entries: make(chan Entry, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// RunID identifies this daemon run in the journal.
func (w *Writer) RunID() string {
	return w.runID
}

// Dropped returns how many entries were discarded because the buffer was
// full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Record queues e, stamping the run id and time if unset.
func (w *Writer) Record(e Entry) {
	if e.RunID == "" {
		e.RunID = w.runID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.entries <- e:
	default:
		w.dropped.Add(1)
	}
}

// TickOutcome implements focus.Observer. Only corrections and failures are
// recorded.
func (w *Writer) TickOutcome(outcome focus.Outcome, window platform.WindowID, err error) {
	switch outcome {
	case focus.OutcomeCorrected:
		w.Record(Entry{Kind: KindCorrected, Window: uint32(window)})
	case focus.OutcomeError:
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		w.Record(Entry{Kind: KindTickError, Window: uint32(window), Detail: detail})
	}
}

// TrackerEvent implements tracker.Observer.
func (w *Writer) TrackerEvent(ev tracker.Event) {
	if ev.Kind == tracker.ProcessCreated {
		return
	}
	w.Record(Entry{
		Kind: ev.Kind.String(),
		PID:  ev.Process.PID,
		Name: ev.Process.Name,
	})
}

// Close flushes queued entries and stops the writer. It does not close the
// store.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.entries)
	w.mu.Unlock()

	<-w.done
	if n := w.dropped.Load(); n > 0 {
		w.logger.Warn("journal entries dropped", "count", n)
	}
}

func (w *Writer) run() {
	defer close(w.done)

	batch := make([]Entry, 0, maxBatch)
	for e := range w.entries {
		batch = append(batch[:0], e)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.entries:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.flush(batch)
	}
}

func (w *Writer) flush(batch []Entry) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("journal write panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := w.store.Append(batch...); err != nil {
		w.logger.Warn("failed to write journal", "entries", len(batch), "error", err)
	}
}
