package journal

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/1broseidon/bpfocus/internal/focus"
	"github.com/1broseidon/bpfocus/internal/tracker"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStore_AppendAndRecent(t *testing.T) {
	store := openStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := store.Append(
		Entry{RunID: "r1", Timestamp: base, Kind: "root_started", PID: 100, Name: "steam"},
		Entry{RunID: "r1", Timestamp: base.Add(time.Second), Kind: "child_created", PID: 200, Name: "game"},
		Entry{RunID: "r1", Timestamp: base.Add(2 * time.Second), Kind: KindCorrected, Window: 0x2a},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Kind != KindCorrected || got[1].Kind != "child_created" {
		t.Fatalf("expected newest first, got %q then %q", got[0].Kind, got[1].Kind)
	}

	all, err := store.Recent(0)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
}

func TestStore_AppendEmptyIsNoop(t *testing.T) {
	store := openStore(t)
	if err := store.Append(); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestStore_Prune(t *testing.T) {
	store := openStore(t)
	now := time.Now()

	if err := store.Append(
		Entry{RunID: "old", Timestamp: now.Add(-48 * time.Hour), Kind: "root_started"},
		Entry{RunID: "new", Timestamp: now, Kind: "root_started"},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := store.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}

	left, err := store.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(left) != 1 || left[0].RunID != "new" {
		t.Fatalf("left = %+v", left)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestWriter_RecordsObserverCallbacks(t *testing.T) {
	store := openStore(t)
	w := NewWriter(store, WriterConfig{Logger: quietLogger()})

	w.TrackerEvent(tracker.Event{Kind: tracker.RootStarted, Process: tracker.Process{PID: 100, Name: "steam"}})
	w.TrackerEvent(tracker.Event{Kind: tracker.ProcessCreated, Process: tracker.Process{PID: 1}})
	w.TickOutcome(focus.OutcomeSuppressed, 0, nil)
	w.TickOutcome(focus.OutcomeCorrected, 0x2a, nil)
	w.TickOutcome(focus.OutcomeError, 0x2a, errors.New("no reply"))
	w.Close()

	got, err := store.ByRun(w.RunID())
	if err != nil {
		t.Fatalf("by run: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3: %+v", len(got), got)
	}
	if got[0].Kind != "root_started" || got[0].PID != 100 || got[0].Name != "steam" {
		t.Fatalf("entry 0 = %+v", got[0])
	}
	if got[1].Kind != KindCorrected || got[1].Window != 0x2a {
		t.Fatalf("entry 1 = %+v", got[1])
	}
	if got[2].Kind != KindTickError || got[2].Detail != "no reply" {
		t.Fatalf("entry 2 = %+v", got[2])
	}
	for _, e := range got {
		if e.Timestamp.IsZero() {
			t.Fatalf("entry without timestamp: %+v", e)
		}
	}
}

func TestWriter_RecordAfterCloseIsIgnored(t *testing.T) {
	store := openStore(t)
	w := NewWriter(store, WriterConfig{Logger: quietLogger()})
	w.Close()
	w.Close()

	w.Record(Entry{Kind: "late"})

	got, err := store.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %+v", got)
	}
}

func TestWriter_RunIDsDiffer(t *testing.T) {
	store := openStore(t)
	a := NewWriter(store, WriterConfig{Logger: quietLogger()})
	b := NewWriter(store, WriterConfig{Logger: quietLogger()})
	defer a.Close()
	defer b.Close()

	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Fatalf("run ids %q and %q", a.RunID(), b.RunID())
	}
}
