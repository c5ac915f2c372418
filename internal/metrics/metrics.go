// Package metrics holds the supervisor's Prometheus instruments. Only a
// registry object is exposed; serving it over HTTP is left to the
// binary's wiring, not the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the supervisor records. Construct one
// per process with New and share the pointer.
type Metrics struct {
	Registry *prometheus.Registry

	ReconcileDuration prometheus.Histogram
	ReconcileSteps    prometheus.Counter
	ReconcileFailures prometheus.Counter

	TargetPolls       prometheus.Counter
	TargetPollErrors  prometheus.Counter
	TargetChanges     prometheus.Counter
	ReportsSent       prometheus.Counter
	ReportErrors      prometheus.Counter
	LogBatchesShipped prometheus.Counter
	LogRecordsShipped prometheus.Counter
	JobsCompleted     prometheus.Counter
	JobsFailed        prometheus.Counter

	ProbeChecks    *prometheus.CounterVec // labels: type, outcome
	MQTTReconnects prometheus.Counter
	SensorPolls    *prometheus.CounterVec // labels: name, outcome
}

// New builds a Metrics with every instrument registered on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervisor_reconcile_duration_seconds",
			Help:    "Wall time of one reconciliation cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ReconcileSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_reconcile_steps_total",
			Help: "Planned steps executed across all cycles.",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_reconcile_step_failures_total",
			Help: "Step executions that returned an error.",
		}),
		TargetPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_target_polls_total",
			Help: "Target-state poll requests issued.",
		}),
		TargetPollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_target_poll_errors_total",
			Help: "Target-state polls that failed.",
		}),
		TargetChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_target_changes_total",
			Help: "Polls that delivered a changed target graph.",
		}),
		ReportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_state_reports_total",
			Help: "Current-state reports delivered to the cloud.",
		}),
		ReportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_state_report_errors_total",
			Help: "Current-state reports that failed.",
		}),
		LogBatchesShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_log_batches_total",
			Help: "Log batches POSTed to the cloud.",
		}),
		LogRecordsShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_log_records_total",
			Help: "Individual log records shipped.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_jobs_completed_total",
			Help: "Jobs acked with a success status.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_jobs_failed_total",
			Help: "Jobs acked with a failure status.",
		}),
		ProbeChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_probe_checks_total",
			Help: "Probe checks by type and outcome.",
		}, []string{"type", "outcome"}),
		MQTTReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_mqtt_reconnects_total",
			Help: "Times the shared MQTT connection was lost (each loss starts an automatic reconnect).",
		}),
		SensorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_sensor_polls_total",
			Help: "Sensor adapter poll attempts by adapter name and outcome.",
		}, []string{"name", "outcome"}),
	}
	reg.MustRegister(
		m.ReconcileDuration, m.ReconcileSteps, m.ReconcileFailures,
		m.TargetPolls, m.TargetPollErrors, m.TargetChanges,
		m.ReportsSent, m.ReportErrors,
		m.LogBatchesShipped, m.LogRecordsShipped,
		m.JobsCompleted, m.JobsFailed,
		m.ProbeChecks, m.MQTTReconnects, m.SensorPolls,
	)
	return m
}
