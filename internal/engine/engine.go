// Package engine evaluates trigger events against stored workflow
// definitions and drives each execution's state machine:
//
//	running -> (action loop) -> waiting_approval -> running | cancelled -> completed
//
// Progress is persisted after every step, so a crashed worker leaves the
// execution in its last durable state and the next resume or expiry job
// continues it. Nothing in memory decides whether an action has run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"automation-engine/internal/audit"
	"automation-engine/internal/hours"
	"automation-engine/internal/models"
	"automation-engine/internal/notify"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

// EventOwnerChanged invalidates pending approvals for the entity before
// normal trigger matching runs: an approval granted for the previous owner
// must not silently apply to the new one.
const EventOwnerChanged = "owner_changed"

// Engine orchestrates workflow executions over the shared store.
type Engine struct {
	store     store.Store
	chain     *audit.Chain
	calendars *hours.Provider
	sink      notify.Sink
	registry  *Registry
	budget    time.Duration
}

// New builds an engine. budgetHours is the approval gate's business-hours
// budget; the deadline is computed against the triggering org's calendar.
func New(st store.Store, chain *audit.Chain, calendars *hours.Provider, sink notify.Sink, registry *Registry, budgetHours int) *Engine {
	return &Engine{
		store:     st,
		chain:     chain,
		calendars: calendars,
		sink:      sink,
		registry:  registry,
		budget:    time.Duration(budgetHours) * time.Hour,
	}
}

// HandleEvent matches a domain event against enabled workflows and spawns
// an execution per match. Matched executions run their action loop
// synchronously up to the first approval gate; a transient action failure
// hands the rest of the loop to a durable resume job.
func (e *Engine) HandleEvent(ctx context.Context, ev models.Event) ([]models.Execution, error) {
	telemetry.EventCounter.Inc()

	if ev.Type == EventOwnerChanged {
		if err := e.invalidateForEntity(ctx, ev.Tenant, ev.Entity, ev.Actor); err != nil {
			return nil, err
		}
	}

	workflows, err := e.store.EnabledWorkflows(ctx, ev.Tenant, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("match workflows: %w", err)
	}

	var spawned []models.Execution
	for _, wf := range workflows {
		if !MatchConditions(wf.Conditions, ev.Snapshot) {
			continue
		}
		// One open gate per workflow+entity: a second trigger while an
		// execution waits must not spawn a duplicate approval.
		waiting, err := e.store.HasWaitingExecution(ctx, ev.Tenant, wf.ID, ev.Entity)
		if err != nil {
			return spawned, err
		}
		if waiting {
			continue
		}

		exec, err := e.spawn(ctx, wf, ev)
		if err != nil {
			return spawned, err
		}
		spawned = append(spawned, exec)

		if err := e.runLoop(ctx, &exec, ev.Actor); err != nil {
			// Transient failure mid-loop: the durable resume job carries on.
			if _, enqErr := e.store.EnqueueJob(ctx, store.EnqueueParams{
				Tenant:  ev.Tenant,
				Type:    models.JobWorkflowResume,
				Payload: map[string]any{"execution_id": exec.ID},
			}); enqErr != nil {
				return spawned, fmt.Errorf("schedule resume after %v: %w", err, enqErr)
			}
			log.Printf("execution %s deferred to resume job: %v", exec.ID, err)
		}
	}
	return spawned, nil
}

func (e *Engine) spawn(ctx context.Context, wf models.Workflow, ev models.Event) (models.Execution, error) {
	exec := models.Execution{
		ID:              uuid.New().String(),
		Tenant:          ev.Tenant,
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Entity:          ev.Entity,
		Conditions:      wf.Conditions,
		Actions:         wf.Actions,
		State:           models.ExecRunning,
		StartedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return models.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	if _, err := e.chain.Append(ctx, exec.Tenant, ev.Actor, "execution_started", exec.Entity, nil, map[string]any{
		"execution_id":     exec.ID,
		"workflow_id":      wf.ID,
		"workflow_name":    wf.Name,
		"workflow_version": wf.Version,
		"trigger":          ev.Type,
	}); err != nil {
		return models.Execution{}, err
	}
	telemetry.ExecutionsStarted.Inc()
	return exec, nil
}

// runLoop processes actions from the execution's durable index. It stops
// at the first open approval gate, on completion, or on failure. Returned
// errors are transient: the caller reschedules, and re-entering the loop
// from the persisted index is safe because action handlers are idempotent.
func (e *Engine) runLoop(ctx context.Context, exec *models.Execution, actor string) error {
	for {
		if exec.CurrentActionIndex >= len(exec.Actions) {
			return e.complete(ctx, exec, actor)
		}
		action := exec.Actions[exec.CurrentActionIndex]

		if action.RequiresApproval {
			apr, found, err := e.store.ApprovalForAction(ctx, exec.ID, exec.CurrentActionIndex)
			if err != nil {
				return err
			}
			switch {
			case !found:
				return e.openGate(ctx, exec, action, actor)
			case apr.Decision == models.DecisionPending:
				return nil // gate already open, wait for resolution
			case apr.Decision == models.DecisionApproved:
				// gate satisfied, run the gated action below
			default:
				return nil // denied or expired: execution was cancelled at decision time
			}
		}

		if exec.State != models.ExecRunning {
			exec.State = models.ExecRunning
			if err := e.store.UpdateExecution(ctx, *exec); err != nil {
				return err
			}
		}

		err := e.registry.Dispatch(ctx, ActionContext{Tenant: exec.Tenant, Execution: *exec, Action: action})
		if err != nil {
			if models.IsPermanent(err) {
				return e.fail(ctx, exec, actor, err)
			}
			return err
		}

		exec.CurrentActionIndex++
		if err := e.store.UpdateExecution(ctx, *exec); err != nil {
			return err
		}
		if _, err := e.chain.Append(ctx, exec.Tenant, actor, "action_executed", exec.Entity, nil, map[string]any{
			"execution_id": exec.ID,
			"action_index": exec.CurrentActionIndex - 1,
			"action_kind":  action.Kind,
		}); err != nil {
			return err
		}
	}
}

func (e *Engine) openGate(ctx context.Context, exec *models.Execution, action models.Action, actor string) error {
	// The waiting_approval transition is the gate claim: the store allows
	// one waiting execution per workflow+entity, so of two racing
	// executions exactly one proceeds to create an approval.
	exec.State = models.ExecWaitingApproval
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		if errors.Is(err, models.ErrRaceLost) {
			return e.cancelDuplicate(ctx, exec, actor)
		}
		return err
	}

	now := time.Now().UTC()
	expires := e.calendars.For(exec.Tenant).Deadline(now, e.budget)
	apr := models.ApprovalRequest{
		ID:          uuid.New().String(),
		Tenant:      exec.Tenant,
		ExecutionID: exec.ID,
		ActionIndex: exec.CurrentActionIndex,
		Approvers:   approversOf(action),
		Decision:    models.DecisionPending,
		CreatedAt:   now,
		ExpiresAt:   expires,
	}
	if err := e.store.CreateApproval(ctx, apr); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}

	// The expiry job is the gate's durable timeout: it fires at the
	// deadline and re-checks that the request is still pending.
	if _, err := e.store.EnqueueJob(ctx, store.EnqueueParams{
		Tenant:  exec.Tenant,
		Type:    models.JobApprovalExpiry,
		Payload: map[string]any{"approval_id": apr.ID},
		RunAt:   expires,
	}); err != nil {
		return fmt.Errorf("schedule approval expiry: %w", err)
	}

	if _, err := e.chain.Append(ctx, exec.Tenant, actor, "approval_created", exec.Entity, nil, map[string]any{
		"execution_id": exec.ID,
		"approval_id":  apr.ID,
		"action_index": apr.ActionIndex,
		"action_kind":  action.Kind,
		"expires_at":   expires.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	telemetry.ApprovalsCreated.Inc()

	for _, approver := range apr.Approvers {
		if err := e.sink.Notify(ctx, approver, fmt.Sprintf("approval needed for %s on %s/%s by %s",
			action.Kind, exec.Entity.Type, exec.Entity.ID, expires.Format(time.RFC3339))); err != nil {
			log.Printf("notify approver %s: %v", approver, err)
		}
	}
	return nil
}

// cancelDuplicate terminates an execution that lost the gate claim to a
// concurrent execution for the same workflow+entity. The survivor's gate
// carries the approval; this one ends without side effects.
func (e *Engine) cancelDuplicate(ctx context.Context, exec *models.Execution, actor string) error {
	now := time.Now().UTC()
	exec.State = models.ExecCancelled
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		return err
	}
	telemetry.ExecutionsCancelled.Inc()
	_, err := e.chain.Append(ctx, exec.Tenant, actor, "execution_cancelled", exec.Entity, nil, map[string]any{
		"execution_id": exec.ID,
		"reason":       "duplicate_gate",
	})
	return err
}

// Decide resolves a pending approval with a human decision. A request the
// expiry job already resolved returns models.ErrRaceLost: expiry wins the
// race, a late approval is rejected.
func (e *Engine) Decide(ctx context.Context, approvalID, decision, decidedBy string) (models.ApprovalRequest, error) {
	if decision != models.DecisionApproved && decision != models.DecisionDenied {
		return models.ApprovalRequest{}, fmt.Errorf("invalid decision %q", decision)
	}
	apr, err := e.store.DecideApproval(ctx, approvalID, decision, &decidedBy, nil)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	exec, err := e.store.GetExecution(ctx, apr.ExecutionID)
	if err != nil {
		return apr, err
	}

	if decision == models.DecisionApproved {
		if _, err := e.chain.Append(ctx, apr.Tenant, decidedBy, "approval_approved", exec.Entity, nil, map[string]any{
			"execution_id": exec.ID,
			"approval_id":  apr.ID,
			"action_index": apr.ActionIndex,
		}); err != nil {
			return apr, err
		}
		telemetry.ApprovalsApproved.Inc()
		// Continue via a durable resume job: a crash between this decision
		// and the gated action re-runs from persisted state.
		if _, err := e.store.EnqueueJob(ctx, store.EnqueueParams{
			Tenant:  apr.Tenant,
			Type:    models.JobWorkflowResume,
			Payload: map[string]any{"execution_id": exec.ID},
		}); err != nil {
			return apr, fmt.Errorf("schedule resume: %w", err)
		}
		e.notifyApprovers(ctx, apr, fmt.Sprintf("request %s approved by %s", apr.ID, decidedBy))
		return apr, nil
	}

	// Denied: terminal, the execution cancels and no further action runs.
	now := time.Now().UTC()
	exec.State = models.ExecCancelled
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return apr, err
	}
	if _, err := e.chain.Append(ctx, apr.Tenant, decidedBy, "approval_denied", exec.Entity, nil, map[string]any{
		"execution_id":    exec.ID,
		"approval_id":     apr.ID,
		"action_index":    apr.ActionIndex,
		"execution_state": models.ExecCancelled,
	}); err != nil {
		return apr, err
	}
	telemetry.ApprovalsDenied.Inc()
	telemetry.ExecutionsCancelled.Inc()
	e.notifyApprovers(ctx, apr, fmt.Sprintf("request %s denied by %s", apr.ID, decidedBy))
	return apr, nil
}

// ResumeHandler is the WORKFLOW_RESUME job handler: it reloads the
// execution and continues the action loop from its durable index.
func (e *Engine) ResumeHandler(ctx context.Context, job models.Job) error {
	execID, ok := job.Payload["execution_id"].(string)
	if !ok || execID == "" {
		return models.Permanentf("resume job %s has no execution_id", job.ID)
	}
	exec, err := e.store.GetExecution(ctx, execID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Permanent(err)
	}
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return nil
	}
	return e.runLoop(ctx, &exec, "system")
}

// ExpiryHandler is the WORKFLOW_APPROVAL_EXPIRY job handler. The deadline
// may already have been beaten by a human decision, so it re-checks state
// with the same compare-and-set the decision path uses; losing that race
// is a no-op, not an error.
func (e *Engine) ExpiryHandler(ctx context.Context, job models.Job) error {
	approvalID, ok := job.Payload["approval_id"].(string)
	if !ok || approvalID == "" {
		return models.Permanentf("expiry job %s has no approval_id", job.ID)
	}
	reason := models.ReasonTimeout
	apr, err := e.store.DecideApproval(ctx, approvalID, models.DecisionExpired, nil, &reason)
	if errors.Is(err, models.ErrRaceLost) {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) {
		return models.Permanent(err)
	}
	if err != nil {
		return err
	}
	return e.expireAndCancel(ctx, apr, "system",
		fmt.Sprintf("request %s expired without a decision", apr.ID))
}

// invalidateForEntity expires every pending approval on the entity when
// its ownership changes: the gate was opened under the old owner and must
// not be silently approved under the new one.
func (e *Engine) invalidateForEntity(ctx context.Context, tenant string, entity models.EntityRef, actor string) error {
	pending, err := e.store.PendingApprovalsForEntity(ctx, tenant, entity)
	if err != nil {
		return err
	}
	for _, apr := range pending {
		reason := models.ReasonOwnershipChanged
		decided, err := e.store.DecideApproval(ctx, apr.ID, models.DecisionExpired, nil, &reason)
		if errors.Is(err, models.ErrRaceLost) {
			continue
		}
		if err != nil {
			return err
		}
		if err := e.expireAndCancel(ctx, decided, actor,
			fmt.Sprintf("request %s invalidated: entity ownership changed", decided.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) expireAndCancel(ctx context.Context, apr models.ApprovalRequest, actor, message string) error {
	exec, err := e.store.GetExecution(ctx, apr.ExecutionID)
	if err != nil {
		return err
	}
	if !exec.Terminal() {
		now := time.Now().UTC()
		exec.State = models.ExecCancelled
		exec.CompletedAt = &now
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		telemetry.ExecutionsCancelled.Inc()
	}
	after := map[string]any{
		"execution_id":    exec.ID,
		"approval_id":     apr.ID,
		"action_index":    apr.ActionIndex,
		"execution_state": models.ExecCancelled,
	}
	if apr.Reason != nil {
		after["reason"] = *apr.Reason
	}
	if _, err := e.chain.Append(ctx, apr.Tenant, actor, "approval_expired", exec.Entity, nil, after); err != nil {
		return err
	}
	telemetry.ApprovalsExpired.Inc()
	// An expiry notification is deliberately distinct from a denial:
	// "nobody responded" reads differently from "someone said no".
	e.notifyApprovers(ctx, apr, message)
	return nil
}

func (e *Engine) complete(ctx context.Context, exec *models.Execution, actor string) error {
	now := time.Now().UTC()
	exec.State = models.ExecCompleted
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		return err
	}
	if _, err := e.chain.Append(ctx, exec.Tenant, actor, "execution_completed", exec.Entity, nil, map[string]any{
		"execution_id": exec.ID,
	}); err != nil {
		return err
	}
	telemetry.ExecutionsCompleted.Inc()
	return nil
}

// fail marks the execution terminally failed. Already-executed actions are
// not rolled back; each action's own idempotency is its safety net.
func (e *Engine) fail(ctx context.Context, exec *models.Execution, actor string, cause error) error {
	now := time.Now().UTC()
	reason := cause.Error()
	exec.State = models.ExecFailed
	exec.CompletedAt = &now
	exec.FailureReason = &reason
	if err := e.store.UpdateExecution(ctx, *exec); err != nil {
		return err
	}
	if _, err := e.chain.Append(ctx, exec.Tenant, actor, "execution_failed", exec.Entity, nil, map[string]any{
		"execution_id": exec.ID,
		"action_index": exec.CurrentActionIndex,
		"reason":       reason,
	}); err != nil {
		return err
	}
	telemetry.ExecutionsFailed.Inc()
	return nil
}

func (e *Engine) notifyApprovers(ctx context.Context, apr models.ApprovalRequest, message string) {
	for _, approver := range apr.Approvers {
		if err := e.sink.Notify(ctx, approver, message); err != nil {
			log.Printf("notify %s: %v", approver, err)
		}
	}
}

func approversOf(action models.Action) []string {
	raw, ok := action.Params["approvers"].([]any)
	if !ok {
		if direct, ok := action.Params["approvers"].([]string); ok {
			return direct
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
