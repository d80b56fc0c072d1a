package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/webfarm/internal/progress"
)

// PrometheusSink tracks run lifecycles: runs in flight, run wall time and
// per-batch fetch latency. Item and outcome counters live in the metrics
// package and are updated synchronously by the runner.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	batchFetch    *prometheus.HistogramVec
	batchesByCode *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webfarm_runs_started_total",
			Help: "Runs started or resumed, labeled by profile.",
		}, []string{"profile"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webfarm_runs_running",
			Help: "Runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webfarm_run_duration_seconds",
			Help:    "Wall time per finished run, labeled by status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		batchFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webfarm_batch_fetch_seconds",
			Help:    "Fetch latency of committed batches, labeled by profile.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"profile"}),
		batchesByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webfarm_batches_by_status_class_total",
			Help: "Committed batches, labeled by profile and response status class.",
		}, []string{"profile", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, c := range []prometheus.Collector{s.runsStarted, s.runsRunning, s.runDuration, s.batchFetch, s.batchesByCode} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.WithLabelValues(evt.Profile).Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageBatch:
			class := evt.StatusClass
			if class == "" {
				class = progress.StatusOther
			}
			s.batchesByCode.WithLabelValues(evt.Profile, string(class)).Inc()
			if evt.Dur > 0 {
				s.batchFetch.WithLabelValues(evt.Profile).Observe(evt.Dur.Seconds())
			}
		case progress.StageRunDone, progress.StageRunError:
			if evt.Dur > 0 {
				s.runDuration.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
			if s.tracker.finish(evt.RunID) {
				s.runsRunning.Dec()
			}
		}
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
