// Package metrics holds the process-wide Prometheus instruments for run
// execution. One Metrics value is created at startup and threaded into the
// queue, the controller sink, and the API server; the /metrics endpoint
// serves whatever registry it was built against.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the run-execution instruments.
type Metrics struct {
	// RunsStarted counts runs this instance claimed and drove.
	RunsStarted prometheus.Counter

	// RunsFinished counts terminal runs by status (completed|failed|stopped).
	RunsFinished *prometheus.CounterVec

	// StepsExecuted counts LLM steps across all runs.
	StepsExecuted prometheus.Counter

	// AutoContinues counts coordinator-initiated continuations.
	AutoContinues prometheus.Counter

	// EventsPublished counts envelopes accepted for Redis fan-out.
	EventsPublished prometheus.Counter

	// DroppedDeltas counts delta envelopes discarded under backpressure.
	DroppedDeltas prometheus.Counter

	// FlushBatchSize observes rows written per buffer flush transaction.
	FlushBatchSize prometheus.Histogram

	// ReservationFailures counts credit reservations that could not be
	// placed (ledger outages, not insufficient credits).
	ReservationFailures prometheus.Counter

	// ActiveRuns gauges the runs currently owned by this instance.
	ActiveRuns prometheus.Gauge

	// StaleRunsFailed counts running rows the sweeper failed because
	// their owner died.
	StaleRunsFailed prometheus.Counter
}

// New creates and registers the instruments against reg. Pass
// prometheus.DefaultRegisterer in main; tests use their own registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_runs_started_total",
			Help: "Runs claimed and driven by this instance",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drover_runs_finished_total",
			Help: "Terminal runs by status",
		}, []string{"status"}),
		StepsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_steps_executed_total",
			Help: "LLM steps executed across all runs",
		}),
		AutoContinues: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_auto_continues_total",
			Help: "Coordinator-initiated continuations (tool_calls or length)",
		}),
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_events_published_total",
			Help: "Envelopes accepted for stream append and pub/sub fan-out",
		}),
		DroppedDeltas: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_dropped_deltas_total",
			Help: "Delta envelopes discarded under Redis backpressure",
		}),
		FlushBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drover_flush_batch_size",
			Help:    "Rows written per buffer flush transaction",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		ReservationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_reservation_failures_total",
			Help: "Credit reservations that could not be placed",
		}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drover_active_runs",
			Help: "Runs currently owned by this instance",
		}),
		StaleRunsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "drover_stale_runs_failed_total",
			Help: "Running rows failed by the stale-run sweeper",
		}),
	}
}

// RunFinished records one terminal run.
func (m *Metrics) RunFinished(status string) {
	m.RunsFinished.WithLabelValues(status).Inc()
}

// RunProgress records the per-run counters the coordinator reports at exit.
func (m *Metrics) RunProgress(steps, autoContinues int) {
	m.StepsExecuted.Add(float64(steps))
	m.AutoContinues.Add(float64(autoContinues))
}
