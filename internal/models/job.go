package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job types dispatched by the worker pool.
const (
	JobSendEmail      = "SEND_EMAIL"
	JobCampaignSend   = "CAMPAIGN_SEND"
	JobWorkflowResume = "WORKFLOW_RESUME"
	JobApprovalExpiry = "WORKFLOW_APPROVAL_EXPIRY"
	JobAuditArchive   = "AUDIT_ARCHIVE"
)

// Job is one durable unit of asynchronous work. The row is the single
// source of truth for ownership: a worker holds nothing beyond the lease
// recorded in ClaimedBy/ClaimExpiresAt.
type Job struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time     `json:"claim_expires_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Claimable reports whether the job is visible to a claimer at the given
// instant: pending and due, or running on an expired lease.
func (j Job) Claimable(now time.Time) bool {
	if j.Status == StatusPending && !j.ScheduledAt.After(now) {
		return true
	}
	if j.Status == StatusRunning && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.Before(now) {
		return true
	}
	return false
}
