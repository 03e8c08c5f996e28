package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-engine/internal/audit"
	"automation-engine/internal/hours"
	"automation-engine/internal/models"
	"automation-engine/internal/notify"
	"automation-engine/internal/store"
)

// recorder captures action dispatches and notifications for assertions.
type recorder struct {
	mu      sync.Mutex
	runs    []string
	notices []string
	fail    error
}

func (r *recorder) action(_ context.Context, ac ActionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		err := r.fail
		r.fail = nil
		return err
	}
	r.runs = append(r.runs, ac.Action.Kind)
	return nil
}

func (r *recorder) notify(_ context.Context, user, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, user+": "+message)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *recorder) {
	t.Helper()
	st := store.NewMemory()
	rec := &recorder{}

	cal, err := hours.NewCalendar(time.UTC, 9, 17, nil)
	require.NoError(t, err)
	provider := hours.NewProvider(t.TempDir(), cal)

	registry := NewRegistry()
	registry.Register("record", rec.action)
	registry.Register("record_too", rec.action)

	eng := New(st, audit.New(st), provider, notify.Func(rec.notify), registry, 48)
	return eng, st, rec
}

func createWorkflow(t *testing.T, st *store.Memory, conditions []models.Condition, actions []models.Action) models.Workflow {
	t.Helper()
	wf, err := st.CreateWorkflow(context.Background(), models.Workflow{
		Tenant:      "acme",
		Name:        "big-deal",
		Enabled:     true,
		TriggerType: "deal_stage_changed",
		Conditions:  conditions,
		Actions:     actions,
	})
	require.NoError(t, err)
	return wf
}

func dealEvent(snapshot map[string]any) models.Event {
	return models.Event{
		Tenant:   "acme",
		Type:     "deal_stage_changed",
		Entity:   models.EntityRef{Type: "deal", ID: "d-1"},
		Snapshot: snapshot,
		Actor:    "rep@acme.test",
	}
}

func auditActions(t *testing.T, st *store.Memory) []string {
	t.Helper()
	recs, err := st.AuditRecords(context.Background(), "acme", 1, 100)
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Action)
	}
	return out
}

// claimJob pulls the one due job of the given type off the queue.
func claimJob(t *testing.T, st *store.Memory, jobType string) models.Job {
	t.Helper()
	claimed, err := st.ClaimBatch(context.Background(), "test-worker", 10, time.Minute)
	require.NoError(t, err)
	for _, j := range claimed {
		if j.Type == jobType {
			return j
		}
	}
	t.Fatalf("no due %s job found among %d claimed", jobType, len(claimed))
	return models.Job{}
}

func TestHandleEventRunsActionsToCompletion(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{{Kind: "record"}, {Kind: "record_too"}})

	spawned, err := eng.HandleEvent(ctx, dealEvent(map[string]any{"stage": "won"}))
	require.NoError(t, err)
	require.Len(t, spawned, 1)

	exec, err := st.GetExecution(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, exec.State)
	assert.Equal(t, 2, exec.CurrentActionIndex)
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, []string{"record", "record_too"}, rec.runs)

	assert.Equal(t, []string{
		"execution_started",
		"action_executed",
		"action_executed",
		"execution_completed",
	}, auditActions(t, st))
}

func TestHandleEventSkipsNonMatchingConditions(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	createWorkflow(t, st,
		[]models.Condition{{Field: "stage", Op: "eq", Value: "won"}},
		[]models.Action{{Kind: "record"}})

	spawned, err := eng.HandleEvent(context.Background(), dealEvent(map[string]any{"stage": "lost"}))
	require.NoError(t, err)
	assert.Empty(t, spawned)
	assert.Empty(t, rec.runs)
	assert.Empty(t, auditActions(t, st))
}

func TestApprovalGateOpensAndWaits(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{{
		Kind:             "record",
		RequiresApproval: true,
		Params:           map[string]any{"approvers": []any{"manager@acme.test"}},
	}})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	require.Len(t, spawned, 1)

	exec, err := st.GetExecution(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecWaitingApproval, exec.State)
	assert.Empty(t, rec.runs, "gated action must not run before approval")

	apr, found, err := st.ApprovalForAction(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.DecisionPending, apr.Decision)
	assert.Equal(t, []string{"manager@acme.test"}, apr.Approvers)
	assert.True(t, apr.ExpiresAt.After(apr.CreatedAt))

	require.Len(t, rec.notices, 1)
	assert.Contains(t, rec.notices[0], "manager@acme.test")
	assert.Equal(t, []string{"execution_started", "approval_created"}, auditActions(t, st))
}

func TestApproveResumesAndCompletes(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true, Params: map[string]any{"approvers": []any{"boss@acme.test"}}},
		{Kind: "record_too"},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	exec := spawned[0]

	apr, found, err := st.ApprovalForAction(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.True(t, found)

	decided, err := eng.Decide(ctx, apr.ID, models.DecisionApproved, "boss@acme.test")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, decided.Decision)

	// The decision only enqueues the resume job; the action runs when a
	// worker picks it up.
	assert.Empty(t, rec.runs)
	resume := claimJob(t, st, models.JobWorkflowResume)
	require.NoError(t, eng.ResumeHandler(ctx, resume))

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, got.State)
	assert.Equal(t, []string{"record", "record_too"}, rec.runs)

	assert.Equal(t, []string{
		"execution_started",
		"approval_created",
		"approval_approved",
		"action_executed",
		"action_executed",
		"execution_completed",
	}, auditActions(t, st))
}

func TestDenyCancelsWithExactlyThreeAuditRecords(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true, Params: map[string]any{"approvers": []any{"boss@acme.test"}}},
		{Kind: "record_too"},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	exec := spawned[0]

	apr, _, err := st.ApprovalForAction(ctx, exec.ID, 0)
	require.NoError(t, err)

	_, err = eng.Decide(ctx, apr.ID, models.DecisionDenied, "boss@acme.test")
	require.NoError(t, err)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCancelled, got.State)
	assert.Empty(t, rec.runs, "denied gate must block every remaining action")

	actions := auditActions(t, st)
	require.Len(t, actions, 3)
	assert.Equal(t, []string{"execution_started", "approval_created", "approval_denied"}, actions)
}

func TestResumeAfterDenialIsANoOp(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	apr, _, err := st.ApprovalForAction(ctx, spawned[0].ID, 0)
	require.NoError(t, err)
	_, err = eng.Decide(ctx, apr.ID, models.DecisionDenied, "boss@acme.test")
	require.NoError(t, err)

	err = eng.ResumeHandler(ctx, models.Job{
		ID:      "j-resume",
		Payload: map[string]any{"execution_id": spawned[0].ID},
	})
	require.NoError(t, err)
	assert.Empty(t, rec.runs)
}

func TestExpiryWinsOverLateApproval(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true, Params: map[string]any{"approvers": []any{"boss@acme.test"}}},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	apr, _, err := st.ApprovalForAction(ctx, spawned[0].ID, 0)
	require.NoError(t, err)

	// Deadline fires before anyone decides.
	err = eng.ExpiryHandler(ctx, models.Job{
		ID:      "j-expiry",
		Payload: map[string]any{"approval_id": apr.ID},
	})
	require.NoError(t, err)

	got, err := st.GetApproval(ctx, apr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExpired, got.Decision)
	require.NotNil(t, got.Reason)
	assert.Equal(t, models.ReasonTimeout, *got.Reason)

	exec, err := st.GetExecution(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCancelled, exec.State)

	// A human approving after the deadline loses the race.
	_, err = eng.Decide(ctx, apr.ID, models.DecisionApproved, "boss@acme.test")
	assert.ErrorIs(t, err, models.ErrRaceLost)
}

func TestHumanDecisionWinsOverLateExpiry(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	apr, _, err := st.ApprovalForAction(ctx, spawned[0].ID, 0)
	require.NoError(t, err)

	_, err = eng.Decide(ctx, apr.ID, models.DecisionApproved, "boss@acme.test")
	require.NoError(t, err)

	// A late expiry job is a silent no-op, not a failure.
	err = eng.ExpiryHandler(ctx, models.Job{
		ID:      "j-expiry",
		Payload: map[string]any{"approval_id": apr.ID},
	})
	require.NoError(t, err)

	got, err := st.GetApproval(ctx, apr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionApproved, got.Decision)
}

func TestDuplicateTriggerWhileWaitingSpawnsNothing(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true},
	})

	first, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	assert.Empty(t, second, "an entity with an open gate must not gain a second execution")
}

func TestConcurrentTriggersOpenSingleGate(t *testing.T) {
	// Many interleaved identical events must never leave more than one
	// waiting_approval execution (and one pending approval) per
	// workflow+entity; losers of the gate claim cancel themselves.
	for round := 0; round < 25; round++ {
		eng, st, _ := newTestEngine(t)
		ctx := context.Background()
		createWorkflow(t, st, nil, []models.Action{
			{Kind: "record", RequiresApproval: true},
		})

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := eng.HandleEvent(ctx, dealEvent(nil))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		pending, err := st.PendingApprovalsForEntity(ctx, "acme", models.EntityRef{Type: "deal", ID: "d-1"})
		require.NoError(t, err)
		require.Len(t, pending, 1, "round %d opened %d gates", round, len(pending))
	}
}

func TestOwnerChangeInvalidatesPendingApprovals(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true, Params: map[string]any{"approvers": []any{"boss@acme.test"}}},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	apr, _, err := st.ApprovalForAction(ctx, spawned[0].ID, 0)
	require.NoError(t, err)

	_, err = eng.HandleEvent(ctx, models.Event{
		Tenant: "acme",
		Type:   EventOwnerChanged,
		Entity: models.EntityRef{Type: "deal", ID: "d-1"},
		Actor:  "admin@acme.test",
	})
	require.NoError(t, err)

	got, err := st.GetApproval(ctx, apr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionExpired, got.Decision)
	require.NotNil(t, got.Reason)
	assert.Equal(t, models.ReasonOwnershipChanged, *got.Reason)

	exec, err := st.GetExecution(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCancelled, exec.State)
	assert.Empty(t, rec.runs)
}

func TestSequentialGatesOpenOneAtATime(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{
		{Kind: "record", RequiresApproval: true},
		{Kind: "record_too", RequiresApproval: true},
	})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	execID := spawned[0].ID

	first, found, err := st.ApprovalForAction(ctx, execID, 0)
	require.NoError(t, err)
	require.True(t, found)

	// The second gate must not exist while the first is pending.
	_, found, err = st.ApprovalForAction(ctx, execID, 1)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = eng.Decide(ctx, first.ID, models.DecisionApproved, "boss@acme.test")
	require.NoError(t, err)
	require.NoError(t, eng.ResumeHandler(ctx, claimJob(t, st, models.JobWorkflowResume)))

	assert.Equal(t, []string{"record"}, rec.runs)
	second, found, err := st.ApprovalForAction(ctx, execID, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.DecisionPending, second.Decision)

	exec, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecWaitingApproval, exec.State)

	_, err = eng.Decide(ctx, second.ID, models.DecisionApproved, "boss@acme.test")
	require.NoError(t, err)
	require.NoError(t, eng.ResumeHandler(ctx, claimJob(t, st, models.JobWorkflowResume)))

	exec, err = st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, exec.State)
	assert.Equal(t, []string{"record", "record_too"}, rec.runs)
}

func TestPermanentActionFailureFailsExecution(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{{Kind: "unregistered"}})

	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err)
	require.Len(t, spawned, 1)

	exec, err := st.GetExecution(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecFailed, exec.State)
	require.NotNil(t, exec.FailureReason)
	assert.Contains(t, *exec.FailureReason, "unregistered")

	actions := auditActions(t, st)
	assert.Equal(t, []string{"execution_started", "execution_failed"}, actions)
}

func TestTransientFailureDefersToResumeJob(t *testing.T) {
	eng, st, rec := newTestEngine(t)
	ctx := context.Background()
	createWorkflow(t, st, nil, []models.Action{{Kind: "record"}})

	rec.fail = errors.New("downstream hiccup")
	spawned, err := eng.HandleEvent(ctx, dealEvent(nil))
	require.NoError(t, err, "transient failures defer, they do not surface")
	require.Len(t, spawned, 1)

	exec, err := st.GetExecution(ctx, spawned[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecRunning, exec.State)
	assert.Equal(t, 0, exec.CurrentActionIndex)

	resume := claimJob(t, st, models.JobWorkflowResume)
	require.NoError(t, eng.ResumeHandler(ctx, resume))

	exec, err = st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, exec.State)
	assert.Equal(t, []string{"record"}, rec.runs)
}

func TestDecideRejectsInvalidDecision(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.Decide(context.Background(), "ap-1", "maybe", "boss@acme.test")
	assert.Error(t, err)
}

func TestResumeHandlerMissingExecutionIsPermanent(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	err := eng.ResumeHandler(context.Background(), models.Job{
		ID:      "j-1",
		Payload: map[string]any{"execution_id": "ghost"},
	})
	assert.True(t, models.IsPermanent(err))

	err = eng.ResumeHandler(context.Background(), models.Job{ID: "j-2", Payload: map[string]any{}})
	assert.True(t, models.IsPermanent(err))
}
