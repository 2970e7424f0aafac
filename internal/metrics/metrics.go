// Package metrics exposes Prometheus instrumentation for pipeline runs and
// registry calls. Recording is always best-effort: a failure or a nil
// *Metrics never fails the pipeline it instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics wraps the process's Prometheus collectors. Register it once at
// startup and pass it to each pipeline that needs to record outcomes.
type Metrics struct {
	jobDuration   *prometheus.HistogramVec
	jobOutcomes   *prometheus.CounterVec
	registryCalls *prometheus.CounterVec
	activeJobs    *prometheus.GaugeVec
}

// New registers the updater's collectors against the default Prometheus
// registry and returns a ready-to-use Metrics.
func New() *Metrics {
	return &Metrics{
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "updater_job_duration_seconds",
			Help:    "Duration of completed pipeline runs by class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
		jobOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "updater_job_outcomes_total",
			Help: "Total pipeline runs by class and outcome.",
		}, []string{"class", "outcome"}),
		registryCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "updater_registry_calls_total",
			Help: "Total registry manifest/digest calls by result.",
		}, []string{"result"}),
		activeJobs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "updater_active_jobs",
			Help: "Number of pipeline runs currently in flight by class.",
		}, []string{"class"}),
	}
}

// ObserveDuration records how long a completed run of class took.
func (m *Metrics) ObserveDuration(class string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(class).Observe(d.Seconds())
}

// IncOutcome records one terminal outcome for a run of class.
func (m *Metrics) IncOutcome(class, outcome string) {
	if m == nil {
		return
	}
	m.jobOutcomes.WithLabelValues(class, outcome).Inc()
}

// IncRegistryCall records one registry call by its result ("ok", "error",
// "rate_limited", ...).
func (m *Metrics) IncRegistryCall(result string) {
	if m == nil {
		return
	}
	m.registryCalls.WithLabelValues(result).Inc()
}

// SetActiveJobs sets the current in-flight count for a job class.
func (m *Metrics) SetActiveJobs(class string, n int) {
	if m == nil {
		return
	}
	m.activeJobs.WithLabelValues(class).Set(float64(n))
}
