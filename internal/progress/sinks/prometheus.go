package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reflib/refharvest/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns all collectors
// for run lifecycle and per-phase item outcomes.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	itemOutcomes *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refharvest_runs_started_total",
			Help: "Total pipeline runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refharvest_runs_completed_total",
			Help: "Total pipeline runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refharvest_runs_active",
			Help: "Current number of in-flight pipeline runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refharvest_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		itemOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refharvest_item_outcomes_total",
			Help: "Per-reference outcomes partitioned by phase and outcome.",
		}, []string{"phase", "outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refharvest_item_duration_seconds",
			Help:    "Per-reference operation latency partitioned by phase.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"phase"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.itemOutcomes,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	if evt.Phase == progress.PhaseRun {
		s.handleRunEvent(evt)
		return
	}
	if evt.Index >= 0 {
		s.itemOutcomes.WithLabelValues(string(evt.Phase), string(evt.Outcome)).Inc()
		if evt.Dur > 0 {
			s.itemDuration.WithLabelValues(string(evt.Phase)).Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Outcome {
	case progress.OutcomeStarted:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
		return
	case progress.OutcomeCompleted:
		s.runsCompleted.WithLabelValues("completed").Inc()
		s.observeDuration(evt, "completed")
	case progress.OutcomeCancelled:
		s.runsCompleted.WithLabelValues("cancelled").Inc()
		s.observeDuration(evt, "cancelled")
	case progress.OutcomeFailed:
		s.runsCompleted.WithLabelValues("failed").Inc()
		s.observeDuration(evt, "failed")
	default:
		return
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeDuration(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
