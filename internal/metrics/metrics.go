// Package metrics exposes calibration and lookup counters through Prometheus.
//
// Every Metrics value owns a private registry so tests and sharded workers
// never collide on the default one. A nil *Metrics is a valid no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	reg *prometheus.Registry

	batches      prometheus.Counter
	tokens       prometheus.Counter
	forward      prometheus.Histogram
	observations *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	points       prometheus.Gauge
	runs         *prometheus.CounterVec
	lookups      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		batches: f.NewCounter(prometheus.CounterOpts{
			Name: "kvcalib_batches_total",
			Help: "Calibration batches run through the model",
		}),
		tokens: f.NewCounter(prometheus.CounterOpts{
			Name: "kvcalib_tokens_total",
			Help: "Tokens fed to the model during calibration",
		}),
		forward: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvcalib_forward_duration_seconds",
			Help:    "Duration of one calibration forward pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		observations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvcalib_observations_total",
			Help: "Activations folded into running statistics",
		}, []string{"role"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvcalib_nonfinite_values_total",
			Help: "NaN or Inf activation values excluded from observed ranges",
		}, []string{"role"}),
		points: f.NewGauge(prometheus.GaugeOpts{
			Name: "kvcalib_observation_points",
			Help: "Observation points currently attached",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvcalib_runs_total",
			Help: "Calibration runs by outcome",
		}, []string{"outcome"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvcalib_lookups_total",
			Help: "Manifest lookups served by result",
		}, []string{"result"}),
	}
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) BatchDone(tokens int, took time.Duration) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.tokens.Add(float64(tokens))
	m.forward.Observe(took.Seconds())
}

func (m *Metrics) Observed(role string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(role).Inc()
}

func (m *Metrics) NonFinite(role string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.anomalies.WithLabelValues(role).Add(float64(n))
}

// PointsAttached and PointsDetached move the attached point gauge by n.
// Concurrent shards share one Metrics, so the gauge sums over them.
func (m *Metrics) PointsAttached(n int) {
	if m == nil {
		return
	}
	m.points.Add(float64(n))
}

func (m *Metrics) PointsDetached(n int) {
	if m == nil {
		return
	}
	m.points.Sub(float64(n))
}

// WriteTextfile writes every metric in the text exposition format to path,
// for runs that end before anything could scrape them.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Lookup(result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(result).Inc()
}
