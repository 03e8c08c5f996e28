package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_events_total", Help: "Domain events ingested"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_rate_limit_rejects_total", Help: "Events rejected by the per-tenant rate limiter"})

	JobsEnqueued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_enqueued_total", Help: "Jobs enqueued"})
	JobsClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsRetried   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_retried_total", Help: "Job attempts that failed and were rescheduled"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_failed_total", Help: "Jobs that exhausted retries or failed permanently"})
	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_jobs_reclaimed_total", Help: "Jobs reclaimed from expired leases"})
	QueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_queue_depth", Help: "Jobs pending and due"})
	JobsInFlight  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "automation_jobs_inflight", Help: "Jobs currently leased"})

	ExecutionsStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_started_total", Help: "Workflow executions spawned"})
	ExecutionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_completed_total", Help: "Workflow executions completed"})
	ExecutionsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_cancelled_total", Help: "Workflow executions cancelled"})
	ExecutionsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_executions_failed_total", Help: "Workflow executions failed"})

	ApprovalsCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_created_total", Help: "Approval gates opened"})
	ApprovalsApproved = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_approved_total", Help: "Approvals granted"})
	ApprovalsDenied   = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_denied_total", Help: "Approvals denied"})
	ApprovalsExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "automation_approvals_expired_total", Help: "Approvals that timed out"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventCounter,
			RateLimitRejects,
			JobsEnqueued,
			JobsClaimed,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			QueueDepth,
			JobsInFlight,
			ExecutionsStarted,
			ExecutionsCompleted,
			ExecutionsCancelled,
			ExecutionsFailed,
			ApprovalsCreated,
			ApprovalsApproved,
			ApprovalsDenied,
			ApprovalsExpired,
		)
	})
	return promhttp.Handler()
}
