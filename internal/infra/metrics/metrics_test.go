package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestQueueMetrics(t *testing.T) {
	TasksEnqueued.WithLabelValues("new").Inc()
	TasksRejected.Inc()
	Claims.WithLabelValues("won").Inc()
	TasksCompleted.WithLabelValues("completed").Inc()
	ClaimLatency.Observe(3)
	PendingHint.Set(1)

	names := gatheredNames(t)
	for _, want := range []string{
		"mediaq_tasks_enqueued_total",
		"mediaq_tasks_rejected_total",
		"mediaq_claims_total",
		"mediaq_tasks_completed_total",
		"mediaq_claim_latency_seconds",
		"mediaq_pending_hint",
	} {
		if !names[want] {
			t.Errorf("%s not found in gathered metrics", want)
		}
	}
}

func TestStorageMetrics(t *testing.T) {
	UploadBytes.WithLabelValues("chunk").Add(1024)
	UploadSessions.WithLabelValues("merged").Inc()
	StorageUsage.Set(4096)
	AdmissionDenied.Inc()
	ArtifactsExpired.Inc()
	StorageFreed.Add(2048)

	names := gatheredNames(t)
	for _, want := range []string{
		"mediaq_upload_bytes_total",
		"mediaq_upload_sessions_total",
		"mediaq_storage_usage_bytes",
		"mediaq_admission_denied_total",
		"mediaq_artifacts_expired_total",
		"mediaq_storage_freed_bytes_total",
	} {
		if !names[want] {
			t.Errorf("%s not found in gathered metrics", want)
		}
	}
}

func TestWorkerAndHealthMetrics(t *testing.T) {
	ExtractionDuration.WithLabelValues("ok").Observe(42)
	WorkerActive.Set(1)
	HealthCheckStatus.WithLabelValues("store").Set(1)
	HealthRecoveries.WithLabelValues("storage", "ok").Inc()

	names := gatheredNames(t)
	for _, want := range []string{
		"mediaq_extraction_duration_seconds",
		"mediaq_worker_active",
		"mediaq_health_check_status",
		"mediaq_health_recoveries_total",
	} {
		if !names[want] {
			t.Errorf("%s not found in gathered metrics", want)
		}
	}
}
