package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"automation-engine/internal/models"
)

func (s *Postgres) CreateWorkflow(ctx context.Context, w models.Workflow) (models.Workflow, error) {
	conditions, err := json.Marshal(w.Conditions)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("marshal conditions: %w", err)
	}
	actions, err := json.Marshal(w.Actions)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("marshal actions: %w", err)
	}

	w.ID = uuid.New().String()
	w.CreatedAt = time.Now().UTC()

	// A new definition for an existing name becomes the next version; old
	// versions stay on disk for executions that snapshotted them.
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM automation_workflows WHERE tenant = $1 AND name = $2
	`, w.Tenant, w.Name).Scan(&w.Version)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("next workflow version: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_workflows (id, tenant, name, version, enabled, trigger_type, conditions, actions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.Tenant, w.Name, w.Version, w.Enabled, w.TriggerType, conditions, actions, w.CreatedAt)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}

	// Older versions of the same name stop matching triggers.
	_, err = s.pool.Exec(ctx, `
		UPDATE automation_workflows SET enabled = FALSE
		WHERE tenant = $1 AND name = $2 AND version < $3
	`, w.Tenant, w.Name, w.Version)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("disable old versions: %w", err)
	}
	return w, nil
}

const workflowColumns = `id, tenant, name, version, enabled, trigger_type, conditions, actions, created_at`

func scanWorkflow(row pgx.Row) (models.Workflow, error) {
	var (
		w          models.Workflow
		conditions []byte
		actions    []byte
	)
	err := row.Scan(&w.ID, &w.Tenant, &w.Name, &w.Version, &w.Enabled, &w.TriggerType, &conditions, &actions, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Workflow{}, models.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(conditions, &w.Conditions); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actions, &w.Actions); err != nil {
		return models.Workflow{}, fmt.Errorf("unmarshal actions: %w", err)
	}
	return w, nil
}

func (s *Postgres) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	return scanWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM automation_workflows WHERE id = $1`, id))
}

func (s *Postgres) ListWorkflows(ctx context.Context, tenant string) ([]models.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM automation_workflows WHERE tenant = $1 ORDER BY name, version
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func (s *Postgres) EnabledWorkflows(ctx context.Context, tenant, triggerType string) ([]models.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM automation_workflows
		WHERE tenant = $1 AND trigger_type = $2 AND enabled
		ORDER BY name
	`, tenant, triggerType)
	if err != nil {
		return nil, fmt.Errorf("enabled workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

func collectWorkflows(rows pgx.Rows) ([]models.Workflow, error) {
	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateExecution(ctx context.Context, e models.Execution) error {
	conditions, err := json.Marshal(e.Conditions)
	if err != nil {
		return fmt.Errorf("marshal condition snapshot: %w", err)
	}
	actions, err := json.Marshal(e.Actions)
	if err != nil {
		return fmt.Errorf("marshal action snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_executions
			(id, tenant, workflow_id, workflow_version, entity_type, entity_id, conditions, actions, state, current_action_index, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.Tenant, e.WorkflowID, e.WorkflowVersion, e.Entity.Type, e.Entity.ID, conditions, actions, e.State, e.CurrentActionIndex, e.StartedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const executionColumns = `id, tenant, workflow_id, workflow_version, entity_type, entity_id, conditions, actions, state, current_action_index, started_at, completed_at, failure_reason`

func scanExecution(row pgx.Row) (models.Execution, error) {
	var (
		e          models.Execution
		conditions []byte
		actions    []byte
		completed  pgtype.Timestamptz
		failure    pgtype.Text
	)
	err := row.Scan(&e.ID, &e.Tenant, &e.WorkflowID, &e.WorkflowVersion, &e.Entity.Type, &e.Entity.ID,
		&conditions, &actions, &e.State, &e.CurrentActionIndex, &e.StartedAt, &completed, &failure)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, models.ErrNotFound
	}
	if err != nil {
		return models.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
		return models.Execution{}, fmt.Errorf("unmarshal condition snapshot: %w", err)
	}
	if err := json.Unmarshal(actions, &e.Actions); err != nil {
		return models.Execution{}, fmt.Errorf("unmarshal action snapshot: %w", err)
	}
	e.CompletedAt = timePtr(completed)
	e.FailureReason = textPtr(failure)
	return e, nil
}

func (s *Postgres) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	return scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id))
}

// UpdateExecution persists the execution's durable fields. The transition
// into waiting_approval is guarded by the partial unique index on
// (tenant, workflow_id, entity, state='waiting_approval'): a concurrent
// duplicate surfaces as models.ErrRaceLost.
func (s *Postgres) UpdateExecution(ctx context.Context, e models.Execution) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET state = $2, current_action_index = $3, completed_at = $4, failure_reason = $5
		WHERE id = $1
	`, e.ID, e.State, e.CurrentActionIndex, e.CompletedAt, e.FailureReason)
	if isUniqueViolation(err) {
		return models.ErrRaceLost
	}
	return err
}

func (s *Postgres) HasWaitingExecution(ctx context.Context, tenant, workflowID string, entity models.EntityRef) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM workflow_executions
			WHERE tenant = $1 AND workflow_id = $2 AND entity_type = $3 AND entity_id = $4 AND state = $5
		)
	`, tenant, workflowID, entity.Type, entity.ID, models.ExecWaitingApproval).Scan(&exists)
	return exists, err
}

func (s *Postgres) CreateApproval(ctx context.Context, a models.ApprovalRequest) error {
	approvers, err := json.Marshal(a.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests
			(id, tenant, execution_id, action_index, approvers, decision, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Tenant, a.ExecutionID, a.ActionIndex, approvers, a.Decision, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

const approvalColumns = `id, tenant, execution_id, action_index, approvers, decision, reason, decided_by, created_at, expires_at, decided_at`

func scanApproval(row pgx.Row) (models.ApprovalRequest, error) {
	var (
		a         models.ApprovalRequest
		approvers []byte
		reason    pgtype.Text
		decidedBy pgtype.Text
		decidedAt pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.Tenant, &a.ExecutionID, &a.ActionIndex, &approvers, &a.Decision,
		&reason, &decidedBy, &a.CreatedAt, &a.ExpiresAt, &decidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ApprovalRequest{}, models.ErrNotFound
	}
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("scan approval: %w", err)
	}
	if err := json.Unmarshal(approvers, &a.Approvers); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("unmarshal approvers: %w", err)
	}
	a.Reason = textPtr(reason)
	a.DecidedBy = textPtr(decidedBy)
	a.DecidedAt = timePtr(decidedAt)
	return a, nil
}

func (s *Postgres) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	return scanApproval(s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
}

func (s *Postgres) ApprovalForAction(ctx context.Context, executionID string, actionIndex int) (models.ApprovalRequest, bool, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE execution_id = $1 AND action_index = $2
		ORDER BY created_at DESC LIMIT 1
	`, executionID, actionIndex))
	if errors.Is(err, models.ErrNotFound) {
		return models.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return models.ApprovalRequest{}, false, err
	}
	return a, true, nil
}

// DecideApproval resolves a pending request. The WHERE clause on
// decision='pending' is the whole race protocol: whichever of the human
// decision and the expiry job commits first wins, the other sees zero rows.
func (s *Postgres) DecideApproval(ctx context.Context, id, decision string, decidedBy, reason *string) (models.ApprovalRequest, error) {
	a, err := scanApproval(s.pool.QueryRow(ctx, `
		UPDATE approval_requests
		SET decision = $2, decided_by = $3, reason = $4, decided_at = now()
		WHERE id = $1 AND decision = $5
		RETURNING `+approvalColumns,
		id, decision, decidedBy, reason, models.DecisionPending))
	if errors.Is(err, models.ErrNotFound) {
		// Distinguish a lost race from a bad id.
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return models.ApprovalRequest{}, getErr
		}
		return models.ApprovalRequest{}, models.ErrRaceLost
	}
	return a, err
}

func (s *Postgres) PendingApprovalsForEntity(ctx context.Context, tenant string, entity models.EntityRef) ([]models.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.tenant, a.execution_id, a.action_index, a.approvers, a.decision,
		       a.reason, a.decided_by, a.created_at, a.expires_at, a.decided_at
		FROM approval_requests a
		JOIN workflow_executions e ON e.id = a.execution_id
		WHERE a.tenant = $1 AND e.entity_type = $2 AND e.entity_id = $3 AND a.decision = $4
	`, tenant, entity.Type, entity.ID, models.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("pending approvals for entity: %w", err)
	}
	defer rows.Close()

	var out []models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
