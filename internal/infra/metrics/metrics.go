// Package metrics provides Prometheus metrics for mediaq.
// Coordinator-side collectors cover the queue, uploads and storage; worker-side
// collectors cover extraction. Both sides register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mediaq"

// ─── Queue ──────────────────────────────────────────────────────────────────

// TasksEnqueued counts accepted submissions, split by whether the task was new
// or resurrected.
var TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_enqueued_total",
	Help:      "Total accepted task submissions.",
}, []string{"kind"})

// TasksRejected counts submissions refused by the duplicate policy.
var TasksRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_rejected_total",
	Help:      "Total submissions rejected as duplicates.",
})

// Claims counts claim attempts by outcome (won, conflict, not_found).
var Claims = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "claims_total",
	Help:      "Total claim attempts by outcome.",
}, []string{"outcome"})

// TasksCompleted counts completion reports by resulting status.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks by status.",
}, []string{"status"})

// ClaimLatency tracks time from submission to claim.
var ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "claim_latency_seconds",
	Help:      "Time from task creation to claim.",
	Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
})

// PendingHint mirrors the advisory liveness signal (1 = work probably pending).
var PendingHint = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "pending_hint",
	Help:      "Advisory pending-work signal.",
})

// ─── Uploads ────────────────────────────────────────────────────────────────

// UploadBytes counts bytes accepted by kind (chunk, single).
var UploadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "upload_bytes_total",
	Help:      "Total bytes accepted from uploaders.",
}, []string{"kind"})

// UploadSessions counts session lifecycle events (opened, merged, merge_failed, purged).
var UploadSessions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "upload_sessions_total",
	Help:      "Upload session lifecycle events.",
}, []string{"event"})

// ─── Storage ────────────────────────────────────────────────────────────────

// StorageUsage tracks the last measured size of the content directory.
var StorageUsage = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "storage_usage_bytes",
	Help:      "Bytes used by stored artifacts.",
})

// AdmissionDenied counts quota rejections.
var AdmissionDenied = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "admission_denied_total",
	Help:      "Uploads refused for lack of storage.",
})

// ArtifactsExpired counts artifacts moved to expired by the retention sweep.
var ArtifactsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "artifacts_expired_total",
	Help:      "Artifacts reclaimed by the retention sweep.",
})

// StorageFreed counts bytes released by the retention sweep.
var StorageFreed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "storage_freed_bytes_total",
	Help:      "Bytes freed by the retention sweep.",
})

// ─── Worker ─────────────────────────────────────────────────────────────────

// ExtractionDuration tracks wall time of extraction attempts by outcome
// (ok, partial, failed, timeout).
var ExtractionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "extraction_duration_seconds",
	Help:      "Extraction wall time by outcome.",
	Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
}, []string{"outcome"})

// ExtractionsSalvaged counts tasks reported with a placeholder subtitle,
// by cause (timeout, failed, no_subtitle).
var ExtractionsSalvaged = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "extractions_salvaged_total",
	Help:      "Partial extractions completed with a placeholder subtitle.",
}, []string{"cause"})

// WorkerActive is 1 while the worker is processing a task.
var WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "worker_active",
	Help:      "Whether the worker is processing a task.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check status (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries counts recovery hooks run after a failed check.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Recovery attempts after failed health checks.",
}, []string{"check", "result"})
