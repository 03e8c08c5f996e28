package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automation-engine/internal/audit"
	"automation-engine/internal/config"
	"automation-engine/internal/engine"
	"automation-engine/internal/hours"
	"automation-engine/internal/models"
	"automation-engine/internal/notify"
	"automation-engine/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, *engine.Engine) {
	t.Helper()
	st := store.NewMemory()
	chain := audit.New(st)

	cal, err := hours.NewCalendar(time.UTC, 9, 17, nil)
	require.NoError(t, err)
	provider := hours.NewProvider(t.TempDir(), cal)

	registry := engine.NewRegistry()
	registry.Register("noop", func(context.Context, engine.ActionContext) error { return nil })

	eng := engine.New(st, chain, provider, notify.LogSink{}, registry, 48)
	srv := New(config.Config{MaxAttempts: 5}, st, eng, chain, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st, eng
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateWorkflowAndIngestEvent(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/workflows", map[string]any{
		"tenant":       "acme",
		"name":         "big-deal",
		"enabled":      true,
		"trigger_type": "deal_stage_changed",
		"actions":      []map[string]any{{"kind": "noop"}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/events", map[string]any{
		"tenant": "acme",
		"type":   "deal_stage_changed",
		"entity": map[string]string{"type": "deal", "id": "d-1"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Executions []models.Execution `json:"executions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Executions, 1)
}

func TestEventRequiresTypeAndEntity(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/events", map[string]any{"tenant": "acme"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalDecisionConflictAfterResolution(t *testing.T) {
	ts, st, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.CreateExecution(ctx, models.Execution{
		ID:     "ex-1",
		Tenant: "acme",
		Entity: models.EntityRef{Type: "deal", ID: "d-1"},
		State:  models.ExecWaitingApproval,
		Actions: []models.Action{
			{Kind: "noop", RequiresApproval: true},
		},
	}))
	require.NoError(t, st.CreateApproval(ctx, models.ApprovalRequest{
		ID:          "ap-1",
		Tenant:      "acme",
		ExecutionID: "ex-1",
		Decision:    models.DecisionPending,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}))

	resp := postJSON(t, ts.URL+"/approvals/ap-1/approve", map[string]string{"decided_by": "boss@acme.test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Second decision on the same request loses the race.
	resp = postJSON(t, ts.URL+"/approvals/ap-1/deny", map[string]string{"decided_by": "boss@acme.test"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/approvals/ghost/approve", map[string]string{"decided_by": "boss@acme.test"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/jobs", map[string]any{
		"type":          models.JobSendEmail,
		"payload":       map[string]any{"to": "alice@acme.test"},
		"delay_seconds": 60,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job models.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.NotEmpty(t, job.ID)

	got, err := http.Get(ts.URL + "/jobs/" + job.ID)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)

	resp = postJSON(t, ts.URL+"/jobs/"+job.ID+"/cancel", map[string]any{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Cancelling twice conflicts: the job is no longer pending.
	resp = postJSON(t, ts.URL+"/jobs/"+job.ID+"/cancel", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuditVerifyEndpoint(t *testing.T) {
	ts, st, _ := newTestServer(t)
	chain := audit.New(st)
	_, err := chain.Append(context.Background(), "acme", "tester", "execution_started",
		models.EntityRef{Type: "deal", ID: "d-1"}, nil, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/audit/verify?tenant=acme")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["valid"])
}
