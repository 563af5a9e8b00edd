// Package metrics exposes Prometheus instrumentation for the pipeline:
// claim/complete/fail counters, per-state job gauges, and stage duration
// histograms. Each collector owns its registry so tests and embedded use
// never fight over global registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"millrace/internal/faults"
	"millrace/internal/pipeline"
)

// Collector aggregates pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	documentsRegistered prometheus.Counter
	jobsClaimed         prometheus.Counter
	stagesCompleted     *prometheus.CounterVec
	stagesFailed        *prometheus.CounterVec
	jobsDeadlettered    prometheus.Counter
	leasesLost          prometheus.Counter

	stageDuration *prometheus.HistogramVec

	jobsByState    *prometheus.GaugeVec
	validatorDrift prometheus.Gauge
	orphanRows     prometheus.Gauge
}

// NewCollector constructs a collector with all metrics registered on a
// private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		documentsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "millrace_documents_registered_total",
			Help: "Total documents accepted by registration, including idempotent re-registrations.",
		}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "millrace_jobs_claimed_total",
			Help: "Total job claims granted to dispatcher workers.",
		}),
		stagesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "millrace_stages_completed_total",
			Help: "Total stage completions by stage name.",
		}, []string{"stage"}),
		stagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "millrace_stages_failed_total",
			Help: "Total stage failures by stage name and fault kind.",
		}, []string{"stage", "kind"}),
		jobsDeadlettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "millrace_jobs_deadlettered_total",
			Help: "Total jobs routed to the dead-letter state.",
		}),
		leasesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "millrace_leases_lost_total",
			Help: "Total leases lost by workers mid-stage.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "millrace_stage_duration_seconds",
			Help:    "Stage execution duration by stage name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		jobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "millrace_jobs",
			Help: "Current job counts by coarse state.",
		}, []string{"state"}),
		validatorDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "millrace_validator_identity_drift_ratio",
			Help: "Fraction of audited records whose stored ID differs from its re-derivation.",
		}),
		orphanRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "millrace_validator_orphan_rows",
			Help: "Rows referencing documents that no longer exist, from the latest audit.",
		}),
	}

	c.registry.MustRegister(
		c.documentsRegistered,
		c.jobsClaimed,
		c.stagesCompleted,
		c.stagesFailed,
		c.jobsDeadlettered,
		c.leasesLost,
		c.stageDuration,
		c.jobsByState,
		c.validatorDrift,
		c.orphanRows,
	)
	return c
}

// RecordRegistration counts a document registration.
func (c *Collector) RecordRegistration() {
	if c == nil {
		return
	}
	c.documentsRegistered.Inc()
}

// RecordClaim counts a granted job claim.
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
}

// RecordStageComplete counts a stage completion and its duration.
func (c *Collector) RecordStageComplete(stage string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.stagesCompleted.WithLabelValues(stage).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordStageFailure counts a classified stage failure.
func (c *Collector) RecordStageFailure(stage string, kind faults.Kind) {
	if c == nil {
		return
	}
	c.stagesFailed.WithLabelValues(stage, string(kind)).Inc()
}

// RecordDeadletter counts a job routed to deadletter.
func (c *Collector) RecordDeadletter() {
	if c == nil {
		return
	}
	c.jobsDeadlettered.Inc()
}

// RecordLeaseLost counts a lease lost mid-stage.
func (c *Collector) RecordLeaseLost() {
	if c == nil {
		return
	}
	c.leasesLost.Inc()
}

// UpdateJobStats refreshes the per-state job gauges.
func (c *Collector) UpdateJobStats(stats pipeline.Stats) {
	if c == nil {
		return
	}
	c.jobsByState.WithLabelValues(string(pipeline.StateQueued)).Set(float64(stats.Queued))
	c.jobsByState.WithLabelValues(string(pipeline.StateActive)).Set(float64(stats.Active))
	c.jobsByState.WithLabelValues(string(pipeline.StateDone)).Set(float64(stats.Done))
	c.jobsByState.WithLabelValues(string(pipeline.StateDeadletter)).Set(float64(stats.Deadletter))
}

// UpdateValidator refreshes the audit gauges.
func (c *Collector) UpdateValidator(driftRatio float64, orphans int) {
	if c == nil {
		return
	}
	c.validatorDrift.Set(driftRatio)
	c.orphanRows.Set(float64(orphans))
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
