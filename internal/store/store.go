// Package store persists jobs, workflow definitions, executions, approvals
// and audit records. Two implementations share one contract: Postgres for
// real deployments and an in-memory store for tests and dev mode.
package store

import (
	"context"
	"time"

	"automation-engine/internal/models"
)

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Tenant      string
	Type        string
	Payload     map[string]any
	RunAt       time.Time
	MaxAttempts int
}

// Store is the single durable surface the worker pool and workflow engine
// operate on. Every method that transitions shared state does so with a
// conditional update: callers learn they lost a race via models.ErrRaceLost
// instead of observing a double transition.
type Store interface {
	// Jobs.
	EnqueueJob(ctx context.Context, p EnqueueParams) (models.Job, error)
	// ClaimBatch atomically selects up to limit claimable jobs (pending and
	// due, or running on an expired lease), transitions them to running and
	// stamps the caller's lease. Two racing claimers never receive the same
	// job.
	ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]models.Job, error)
	CompleteJob(ctx context.Context, jobID string) error
	// FailJob records a failed attempt. The job returns to pending at retryAt
	// while attempts remain; at max attempts, or when permanent is set, it
	// moves to failed and is never retried automatically again.
	FailJob(ctx context.Context, jobID, errMsg string, retryAt time.Time, permanent bool) (models.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	// ReclaimExpired resets running jobs whose lease lapsed back to pending.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)
	PendingDepth(ctx context.Context) (int64, error)

	// Workflow definitions.
	CreateWorkflow(ctx context.Context, w models.Workflow) (models.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
	ListWorkflows(ctx context.Context, tenant string) ([]models.Workflow, error)
	EnabledWorkflows(ctx context.Context, tenant, triggerType string) ([]models.Workflow, error)

	// Executions.
	CreateExecution(ctx context.Context, e models.Execution) error
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	// UpdateExecution persists state, index and completion fields. Progress
	// is durable after every step; no in-memory state decides whether an
	// action has run.
	UpdateExecution(ctx context.Context, e models.Execution) error
	HasWaitingExecution(ctx context.Context, tenant, workflowID string, entity models.EntityRef) (bool, error)

	// Approvals.
	CreateApproval(ctx context.Context, a models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error)
	ApprovalForAction(ctx context.Context, executionID string, actionIndex int) (models.ApprovalRequest, bool, error)
	// DecideApproval is a compare-and-set on decision='pending'. A request
	// already decided (human beat the expiry job, or vice versa) returns
	// models.ErrRaceLost.
	DecideApproval(ctx context.Context, id, decision string, decidedBy, reason *string) (models.ApprovalRequest, error)
	PendingApprovalsForEntity(ctx context.Context, tenant string, entity models.EntityRef) ([]models.ApprovalRequest, error)

	// Audit chain. AppendAudit assigns the per-tenant sequence number and
	// prev/this hashes under the store's atomicity guarantee; rows are never
	// updated or deleted afterwards.
	AppendAudit(ctx context.Context, rec models.AuditRecord) (models.AuditRecord, error)
	AuditRecords(ctx context.Context, tenant string, fromSeq int64, limit int) ([]models.AuditRecord, error)
}
