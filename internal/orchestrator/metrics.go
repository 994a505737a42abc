package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ipsix/forseti/internal/lint"
)

// Metrics collects per-run counters on a private registry so a one-shot CLI
// run can dump them as a node_exporter textfile.
type Metrics struct {
	registry *prometheus.Registry
	extra    []prometheus.Gatherer

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	batchDuration *prometheus.HistogramVec
	diagnostics   *prometheus.CounterVec
	unchecked     *prometheus.CounterVec
	unrouted      prometheus.Counter
	engineIssues  *prometheus.CounterVec
}

// NewMetrics creates the run registry. Extra gatherers are merged into the
// textfile next to it.
func NewMetrics(extra ...prometheus.Gatherer) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		extra:    extra,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forseti",
			Name:      "runs_total",
			Help:      "Lint runs by final status",
		}, []string{"status"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "forseti",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a lint run",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forseti",
			Subsystem: "engine",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one dispatched batch",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"engine", "outcome"}),
		diagnostics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forseti",
			Name:      "diagnostics_total",
			Help:      "Reported diagnostics after severity overrides",
		}, []string{"engine", "severity"}),
		unchecked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forseti",
			Name:      "unchecked_files_total",
			Help:      "Files an engine was responsible for but never reported on",
		}, []string{"engine"}),
		unrouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "forseti",
			Name:      "unrouted_files_total",
			Help:      "Files matched by no engine",
		}),
		engineIssues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forseti",
			Name:      "engine_issues_total",
			Help:      "Degraded engine contributions by kind",
		}, []string{"engine", "kind"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current values in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	gatherers := append(prometheus.Gatherers{m.registry}, m.extra...)
	return prometheus.WriteToTextfile(path, gatherers)
}

func (m *Metrics) observeBatch(engineID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(engineID, outcome).Observe(d.Seconds())
}

func (m *Metrics) observeRun(res lint.Result) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(res.Status)).Inc()
	m.runDuration.Observe(res.Duration.Seconds())
	for _, d := range res.Diagnostics {
		m.diagnostics.WithLabelValues(d.EngineID, string(d.Severity)).Inc()
	}
	for _, u := range res.Unchecked {
		m.unchecked.WithLabelValues(u.EngineID).Inc()
	}
	m.unrouted.Add(float64(len(res.Unrouted)))
	for _, issue := range res.Issues {
		m.engineIssues.WithLabelValues(issue.EngineID, issue.Kind).Inc()
	}
}
