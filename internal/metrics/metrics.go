// Package metrics exposes focus loop and tracker activity as Prometheus
// metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1broseidon/bpfocus/internal/focus"
	"github.com/1broseidon/bpfocus/internal/platform"
	"github.com/1broseidon/bpfocus/internal/supervisor"
	"github.com/1broseidon/bpfocus/internal/tracker"
)

const namespace = "bpfocus"

// StatusSource provides the live state sampled by the gauges.
type StatusSource interface {
	Status() supervisor.Status
}

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	Ticks         *prometheus.CounterVec
	Corrections   prometheus.Counter
	TickErrors    prometheus.Counter
	TrackerEvents *prometheus.CounterVec
}

var (
	_ focus.Observer   = (*Metrics)(nil)
	_ tracker.Observer = (*Metrics)(nil)
)

// New creates the metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Focus loop ticks by outcome",
			},
			[]string{"outcome"},
		),
		Corrections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrections_total",
				Help:      "Times the Big Picture window was forced to the foreground",
			},
		),
		TickErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_errors_total",
				Help:      "Focus loop ticks that failed",
			},
		),
		TrackerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracker_events_total",
				Help:      "Process tracker state changes by kind",
			},
			[]string{"kind"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterStatus adds gauges sampled from src at scrape time.
func (m *Metrics) RegisterStatus(src StatusSource) {
	factory := promauto.With(m.registry)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "descendants",
			Help:      "Live descendants of the root process",
		},
		func() float64 { return float64(len(src.Status().Descendants)) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "root_running",
			Help:      "1 while the root process is running",
		},
		func() float64 { return boolGauge(src.Status().RootRunning) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_running",
			Help:      "1 while the focus loop is running",
		},
		func() float64 { return boolGauge(src.Status().LoopRunning) },
	)
	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the daemon started monitoring",
		},
		func() float64 {
			started := src.Status().StartedAt
			if started.IsZero() {
				return 0
			}
			return time.Since(started).Seconds()
		},
	)
}

// TickOutcome implements focus.Observer.
func (m *Metrics) TickOutcome(outcome focus.Outcome, _ platform.WindowID, _ error) {
	m.Ticks.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case focus.OutcomeCorrected:
		m.Corrections.Inc()
	case focus.OutcomeError:
		m.TickErrors.Inc()
	}
}

// TrackerEvent implements tracker.Observer.
func (m *Metrics) TrackerEvent(ev tracker.Event) {
	m.TrackerEvents.WithLabelValues(ev.Kind.String()).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
