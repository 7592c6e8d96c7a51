package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/1broseidon/bpfocus/internal/focus"
	"github.com/1broseidon/bpfocus/internal/supervisor"
	"github.com/1broseidon/bpfocus/internal/tracker"
)

type staticStatus struct {
	status supervisor.Status
}

func (s staticStatus) Status() supervisor.Status {
	return s.status
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(body)
}

func TestMetrics_TickOutcomes(t *testing.T) {
	m := New()
	m.TickOutcome(focus.OutcomeSuppressed, 0, nil)
	m.TickOutcome(focus.OutcomeCorrected, 0x2a, nil)
	m.TickOutcome(focus.OutcomeCorrected, 0x2a, nil)
	m.TickOutcome(focus.OutcomeError, 0x2a, errors.New("boom"))

	out := scrape(t, m)
	for _, want := range []string{
		`bpfocus_ticks_total{outcome="suppressed"} 1`,
		`bpfocus_ticks_total{outcome="corrected"} 2`,
		`bpfocus_ticks_total{outcome="error"} 1`,
		`bpfocus_corrections_total 2`,
		`bpfocus_tick_errors_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMetrics_TrackerEvents(t *testing.T) {
	m := New()
	m.TrackerEvent(tracker.Event{Kind: tracker.ChildCreated})
	m.TrackerEvent(tracker.Event{Kind: tracker.ChildCreated})
	m.TrackerEvent(tracker.Event{Kind: tracker.RootExited})

	out := scrape(t, m)
	if !strings.Contains(out, `bpfocus_tracker_events_total{kind="child_created"} 2`) {
		t.Fatalf("missing child_created count:\n%s", out)
	}
	if !strings.Contains(out, `bpfocus_tracker_events_total{kind="root_exited"} 1`) {
		t.Fatalf("missing root_exited count:\n%s", out)
	}
}

func TestMetrics_StatusGauges(t *testing.T) {
	m := New()
	m.RegisterStatus(staticStatus{status: supervisor.Status{
		RootRunning: true,
		Descendants: []int{10, 11, 12},
		LoopRunning: false,
		StartedAt:   time.Now().Add(-time.Minute),
	}})

	out := scrape(t, m)
	for _, want := range []string{
		"bpfocus_descendants 3",
		"bpfocus_root_running 1",
		"bpfocus_loop_running 0",
		"bpfocus_uptime_seconds",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMetrics_RegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.TickOutcome(focus.OutcomeNoWindow, 0, nil)

	if strings.Contains(scrape(t, b), `outcome="no_window"`) {
		t.Fatal("second registry saw first registry's samples")
	}
}
