package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"automation-engine/internal/models"
	"automation-engine/internal/telemetry"
)

// Memory implements Store with in-process maps guarded by one mutex. It
// backs tests and STORE_BACKEND=memory dev runs; the mutex plays the role
// the row locks play in Postgres, so the same race semantics hold.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	workflows  map[string]*models.Workflow
	executions map[string]*models.Execution
	approvals  map[string]*models.ApprovalRequest
	audit      map[string][]models.AuditRecord
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*models.Job),
		workflows:  make(map[string]*models.Workflow),
		executions: make(map[string]*models.Execution),
		approvals:  make(map[string]*models.ApprovalRequest),
		audit:      make(map[string][]models.AuditRecord),
	}
}

func (s *Memory) EnqueueJob(_ context.Context, p EnqueueParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	j := models.Job{
		ID:          uuid.New().String(),
		Tenant:      p.Tenant,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		ScheduledAt: p.RunAt,
		CreatedAt:   time.Now().UTC(),
	}
	stored := j
	s.jobs[j.ID] = &stored
	telemetry.JobsEnqueued.Inc()
	return j, nil
}

func (s *Memory) ClaimBatch(_ context.Context, workerID string, limit int, lease time.Duration) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	candidates := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if j.Claimable(now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].ScheduledAt.Before(candidates[k].ScheduledAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]models.Job, 0, len(candidates))
	exp := now.Add(lease)
	for _, j := range candidates {
		j.Status = models.StatusRunning
		worker := workerID
		j.ClaimedBy = &worker
		expiry := exp
		j.ClaimExpiresAt = &expiry
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *Memory) CompleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = models.StatusSucceeded
	j.CompletedAt = &now
	j.ClaimedBy = nil
	j.ClaimExpiresAt = nil
	j.LastError = nil
	return nil
}

func (s *Memory) FailJob(_ context.Context, jobID, errMsg string, retryAt time.Time, permanent bool) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	j.Attempts++
	msg := errMsg
	j.LastError = &msg
	j.ClaimedBy = nil
	j.ClaimExpiresAt = nil
	if permanent || j.Attempts >= j.MaxAttempts {
		now := time.Now().UTC()
		j.Status = models.StatusFailed
		j.CompletedAt = &now
	} else {
		j.Status = models.StatusPending
		j.ScheduledAt = retryAt
	}
	return *j, nil
}

func (s *Memory) CancelJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return models.ErrNotFound
	}
	if j.Status != models.StatusPending {
		return models.ErrRaceLost
	}
	now := time.Now().UTC()
	j.Status = models.StatusCancelled
	j.CompletedAt = &now
	return nil
}

func (s *Memory) GetJob(_ context.Context, jobID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *j, nil
}

func (s *Memory) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status == models.StatusRunning && j.ClaimExpiresAt != nil && j.ClaimExpiresAt.Before(now) {
			j.Status = models.StatusPending
			j.ClaimedBy = nil
			j.ClaimExpiresAt = nil
			n++
		}
	}
	return n, nil
}

func (s *Memory) PendingDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.ScheduledAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) CreateWorkflow(_ context.Context, w models.Workflow) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.ID = uuid.New().String()
	w.CreatedAt = time.Now().UTC()
	w.Version = 1
	for _, existing := range s.workflows {
		if existing.Tenant == w.Tenant && existing.Name == w.Name {
			if existing.Version >= w.Version {
				w.Version = existing.Version + 1
			}
			existing.Enabled = false
		}
	}
	s.workflows[w.ID] = &w
	return w, nil
}

func (s *Memory) GetWorkflow(_ context.Context, id string) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return models.Workflow{}, models.ErrNotFound
	}
	return *w, nil
}

func (s *Memory) ListWorkflows(_ context.Context, tenant string) ([]models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Workflow
	for _, w := range s.workflows {
		if w.Tenant == tenant {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Name != out[k].Name {
			return out[i].Name < out[k].Name
		}
		return out[i].Version < out[k].Version
	})
	return out, nil
}

func (s *Memory) EnabledWorkflows(_ context.Context, tenant, triggerType string) ([]models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Workflow
	for _, w := range s.workflows {
		if w.Tenant == tenant && w.Enabled && w.TriggerType == triggerType {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (s *Memory) CreateExecution(_ context.Context, e models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := e
	s.executions[e.ID] = &stored
	return nil
}

func (s *Memory) GetExecution(_ context.Context, id string) (models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return models.Execution{}, models.ErrNotFound
	}
	return *e, nil
}

func (s *Memory) UpdateExecution(_ context.Context, e models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[e.ID]
	if !ok {
		return models.ErrNotFound
	}
	// Entering waiting_approval is exclusive per workflow+entity, mirroring
	// the partial unique index in Postgres.
	if e.State == models.ExecWaitingApproval && stored.State != models.ExecWaitingApproval {
		for id, other := range s.executions {
			if id == e.ID {
				continue
			}
			if other.Tenant == e.Tenant && other.WorkflowID == e.WorkflowID &&
				other.Entity == e.Entity && other.State == models.ExecWaitingApproval {
				return models.ErrRaceLost
			}
		}
	}
	stored.State = e.State
	stored.CurrentActionIndex = e.CurrentActionIndex
	stored.CompletedAt = e.CompletedAt
	stored.FailureReason = e.FailureReason
	return nil
}

func (s *Memory) HasWaitingExecution(_ context.Context, tenant, workflowID string, entity models.EntityRef) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.executions {
		if e.Tenant == tenant && e.WorkflowID == workflowID && e.Entity == entity && e.State == models.ExecWaitingApproval {
			return true, nil
		}
	}
	return false, nil
}

func (s *Memory) CreateApproval(_ context.Context, a models.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := a
	s.approvals[a.ID] = &stored
	return nil
}

func (s *Memory) GetApproval(_ context.Context, id string) (models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return models.ApprovalRequest{}, models.ErrNotFound
	}
	return *a, nil
}

func (s *Memory) ApprovalForAction(_ context.Context, executionID string, actionIndex int) (models.ApprovalRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.ApprovalRequest
	for _, a := range s.approvals {
		if a.ExecutionID == executionID && a.ActionIndex == actionIndex {
			if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
				latest = a
			}
		}
	}
	if latest == nil {
		return models.ApprovalRequest{}, false, nil
	}
	return *latest, true, nil
}

func (s *Memory) DecideApproval(_ context.Context, id, decision string, decidedBy, reason *string) (models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return models.ApprovalRequest{}, models.ErrNotFound
	}
	if a.Decision != models.DecisionPending {
		return models.ApprovalRequest{}, models.ErrRaceLost
	}
	now := time.Now().UTC()
	a.Decision = decision
	a.DecidedBy = decidedBy
	a.Reason = reason
	a.DecidedAt = &now
	return *a, nil
}

func (s *Memory) PendingApprovalsForEntity(_ context.Context, tenant string, entity models.EntityRef) ([]models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.ApprovalRequest
	for _, a := range s.approvals {
		if a.Tenant != tenant || a.Decision != models.DecisionPending {
			continue
		}
		e, ok := s.executions[a.ExecutionID]
		if ok && e.Entity == entity {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Memory) AppendAudit(_ context.Context, rec models.AuditRecord) (models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.audit[rec.Tenant]
	rec.Seq = 1
	rec.PrevHash = models.GenesisHash
	if len(chain) > 0 {
		last := chain[len(chain)-1]
		rec.Seq = last.Seq + 1
		rec.PrevHash = last.ThisHash
	}
	rec.ThisHash = rec.ComputeHash(rec.PrevHash)
	s.audit[rec.Tenant] = append(chain, rec)
	return rec, nil
}

func (s *Memory) AuditRecords(_ context.Context, tenant string, fromSeq int64, limit int) ([]models.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AuditRecord
	for _, rec := range s.audit[tenant] {
		if rec.Seq >= fromSeq {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
