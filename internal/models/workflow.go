package models

import (
	"time"
)

// Execution lifecycle states.
const (
	ExecRunning         = "running"
	ExecWaitingApproval = "waiting_approval"
	ExecCompleted       = "completed"
	ExecCancelled       = "cancelled"
	ExecFailed          = "failed"
)

// Approval decisions.
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionExpired  = "expired"
)

// Reasons recorded when an approval expires without a human decision.
const (
	ReasonTimeout          = "timeout"
	ReasonOwnershipChanged = "ownership_changed"
)

// Condition is one field comparison evaluated against an entity snapshot.
// Conditions on a workflow are AND-combined; a missing field fails closed.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Action is one step in a workflow's ordered action list.
type Action struct {
	Kind             string         `json:"kind"`
	Params           map[string]any `json:"params,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// Workflow is a stored trigger -> conditions -> actions definition.
// Editing a referenced workflow produces a new row with a bumped Version;
// running executions keep the snapshot they were spawned with.
type Workflow struct {
	ID          string      `json:"id"`
	Tenant      string      `json:"tenant"`
	Name        string      `json:"name"`
	Version     int         `json:"version"`
	Enabled     bool        `json:"enabled"`
	TriggerType string      `json:"trigger_type"`
	Conditions  []Condition `json:"conditions"`
	Actions     []Action    `json:"actions"`
	CreatedAt   time.Time   `json:"created_at"`
}

// EntityRef is a weak reference to the triggering entity: the engine never
// owns or mutates the entity, it only records which one fired the trigger.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Execution is one run of a workflow against one entity. Conditions and
// Actions are copied from the workflow at trigger time so later edits to
// the definition cannot change in-flight behavior.
type Execution struct {
	ID                 string      `json:"id"`
	Tenant             string      `json:"tenant"`
	WorkflowID         string      `json:"workflow_id"`
	WorkflowVersion    int         `json:"workflow_version"`
	Entity             EntityRef   `json:"entity"`
	Conditions         []Condition `json:"conditions"`
	Actions            []Action    `json:"actions"`
	State              string      `json:"state"`
	CurrentActionIndex int         `json:"current_action_index"`
	StartedAt          time.Time   `json:"started_at"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	FailureReason      *string     `json:"failure_reason,omitempty"`
}

// Terminal reports whether the execution can make no further progress.
func (e Execution) Terminal() bool {
	switch e.State {
	case ExecCompleted, ExecCancelled, ExecFailed:
		return true
	}
	return false
}

// ApprovalRequest is the zero-or-one open gate owned by a waiting execution.
type ApprovalRequest struct {
	ID          string     `json:"id"`
	Tenant      string     `json:"tenant"`
	ExecutionID string     `json:"execution_id"`
	ActionIndex int        `json:"action_index"`
	Approvers   []string   `json:"approvers"`
	Decision    string     `json:"decision"`
	Reason      *string    `json:"reason,omitempty"`
	DecidedBy   *string    `json:"decided_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

// Event is a domain event delivered to the engine by the host application.
// Snapshot carries the entity's fields at event time; condition evaluation
// reads only the snapshot, never the live entity.
type Event struct {
	Tenant   string         `json:"tenant"`
	Type     string         `json:"type"`
	Entity   EntityRef      `json:"entity"`
	Snapshot map[string]any `json:"snapshot"`
	Actor    string         `json:"actor"`
}
