package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/agent/pkg/unified"
)

func workflowRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/workflows", StartWorkflow)
	r.Get("/api/workflows/{id}", GetWorkflow)
	r.Get("/api/workflows/{id}/stream", StreamWorkflow)
	r.Post("/api/workflows/{id}/cancel", CancelWorkflow)
	r.Get("/api/conversations/{id}/workflow", GetWorkflowForConversation)
	r.Get("/api/interventions/{request_id}", GetIntervention)
	r.Post("/api/interventions/{request_id}/respond", RespondIntervention)
	return r
}

func startWorkflow(t *testing.T, router http.Handler, body map[string]any) uuid.UUID {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		WorkflowID uuid.UUID `json:"workflow_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.WorkflowID
}

func TestStartWorkflowCompletes(t *testing.T) {
	setupManager(t)
	router := workflowRouter()

	id := startWorkflow(t, router, map[string]any{"query": "total revenue"})
	run := waitForRunStatus(t, id, RunStatusCompleted)
	assert.Equal(t, "completed", run.Stage)

	// Terminal responses include the state blob.
	req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status string          `json:"status"`
		State  json.RawMessage `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, RunStatusCompleted, resp.Status)
	require.NotEmpty(t, resp.State)

	st := &unified.State{}
	require.NoError(t, json.Unmarshal(resp.State, st))
	assert.Equal(t, unified.OutcomeCompleted, st.Outcome)
	require.NotNil(t, st.Analysis)
	assert.Equal(t, 1, st.Analysis.RowCount)
	assert.NotEmpty(t, st.Insights())
}

func TestStartWorkflowValidation(t *testing.T) {
	setupManager(t)
	router := workflowRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewReader([]byte(`not json`)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartWorkflowConversationBusy(t *testing.T) {
	fx := setupManager(t)
	fx.exec.release = make(chan struct{})
	router := workflowRouter()

	conversationID := uuid.NewString()
	id := startWorkflow(t, router, map[string]any{
		"query":           "total revenue",
		"conversation_id": conversationID,
	})

	payload, _ := json.Marshal(map[string]any{
		"query":           "another question",
		"conversation_id": conversationID,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(fx.exec.release)
	waitForRunStatus(t, id, RunStatusCompleted)

	// A finished conversation accepts new runs again.
	id2 := startWorkflow(t, router, map[string]any{
		"query":           "another question",
		"conversation_id": conversationID,
	})
	waitForRunStatus(t, id2, RunStatusCompleted)
}

func TestCancelWorkflow(t *testing.T) {
	fx := setupManager(t)
	fx.exec.release = make(chan struct{})
	defer close(fx.exec.release)
	router := workflowRouter()

	id := startWorkflow(t, router, map[string]any{"query": "total revenue"})

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/"+id.String()+"/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run := waitForRunStatus(t, id, RunStatusCancelled)
	assert.Equal(t, RunStatusCancelled, run.Status)

	// Cancelling a terminal run conflicts.
	req = httptest.NewRequest(http.MethodPost, "/api/workflows/"+id.String()+"/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown and malformed IDs.
	req = httptest.NewRequest(http.MethodPost, "/api/workflows/"+uuid.NewString()+"/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/workflows/nope/cancel", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestWorkflowSuspendRespondResume drives the full human-review loop through
// the HTTP surface: low generation confidence suspends the run, a response
// wakes it, and it finishes with the approved SQL executed.
func TestWorkflowSuspendRespondResume(t *testing.T) {
	fx := setupManager(t)
	fx.gen.result.Confidence = 0.4
	router := workflowRouter()

	id := startWorkflow(t, router, map[string]any{"query": "total revenue", "user_id": "analyst-1"})
	run := waitForRunStatus(t, id, RunStatusSuspended)
	require.NotNil(t, run.PendingRequestID)
	requestID := *run.PendingRequestID

	// The intervention is pending and offers the approval actions.
	req := httptest.NewRequest(http.MethodGet, "/api/interventions/"+requestID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var iv hitl.Intervention
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &iv))
	assert.Equal(t, hitl.StatusPending, iv.Status)
	assert.Equal(t, hitl.TypeLowConfidenceApproval, iv.Type)
	assert.Equal(t, id.String(), iv.WorkflowID)

	// Suspended runs report the pending request but no state blob yet.
	req = httptest.NewRequest(http.MethodGet, "/api/workflows/"+id.String(), nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var wfResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wfResp))
	assert.Equal(t, requestID, wfResp["pending_request_id"])
	assert.NotContains(t, wfResp, "state")

	// Approve; the run resumes in the background and completes.
	payload, _ := json.Marshal(map[string]any{"action": "approve", "responder_id": "analyst-2"})
	req = httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/interventions/%s/respond", requestID), bytes.NewReader(payload))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run = waitForRunStatus(t, id, RunStatusCompleted)
	assert.Nil(t, run.PendingRequestID)

	st := &unified.State{}
	require.NoError(t, json.Unmarshal(run.State, st))
	assert.Equal(t, unified.OutcomeCompleted, st.Outcome)
	require.NotNil(t, st.Analysis)
	assert.True(t, st.Analysis.QuerySuccess)
}

// TestWorkflowResponseBeforeSuspensionCheckpointResumes covers the responder
// who answers between intervention creation and the suspension checkpoint:
// their resume attempt finds no suspended row and gives up, so the suspending
// process must pick the resolution up itself once the checkpoint lands.
func TestWorkflowResponseBeforeSuspensionCheckpointResumes(t *testing.T) {
	fx := setupManager(t)
	fx.gen.result.Confidence = 0.4
	router := workflowRouter()

	var requestID string
	fx.onNotify = func(ctx context.Context, iv *hitl.Intervention) {
		requestID = iv.RequestID
		updated, err := fx.store.RecordResponse(ctx, iv.RequestID, &hitl.Response{
			Action:      hitl.ActionApprove,
			ResponderID: "analyst-1",
		})
		require.NoError(t, err)
		// The suspended row does not exist yet, so this resume attempt finds
		// nothing, exactly like the respond handler's would.
		require.NoError(t, Manager.ResumeForRequest(ctx, iv.RequestID, updated))
	}

	id := startWorkflow(t, router, map[string]any{"query": "total revenue"})
	run := waitForRunStatus(t, id, RunStatusCompleted)
	assert.Nil(t, run.PendingRequestID)

	st := &unified.State{}
	require.NoError(t, json.Unmarshal(run.State, st))
	assert.Equal(t, unified.OutcomeCompleted, st.Outcome)
	require.NotNil(t, st.Analysis)
	assert.True(t, st.Analysis.QuerySuccess)

	// The early response is the single recorded resolution.
	stored, err := fx.store.Get(context.Background(), requestID)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusResponded, stored.Status)
	require.NotNil(t, stored.Response)
	assert.Equal(t, hitl.ActionApprove, stored.Response.Action)
}

func TestWorkflowRejectFails(t *testing.T) {
	fx := setupManager(t)
	fx.gen.result.Confidence = 0.4
	router := workflowRouter()

	id := startWorkflow(t, router, map[string]any{"query": "total revenue"})
	run := waitForRunStatus(t, id, RunStatusSuspended)
	require.NotNil(t, run.PendingRequestID)

	payload, _ := json.Marshal(map[string]any{"action": "reject", "feedback": "wrong table"})
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/interventions/%s/respond", *run.PendingRequestID), bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	run = waitForRunStatus(t, id, RunStatusFailed)

	st := &unified.State{}
	require.NoError(t, json.Unmarshal(run.State, st))
	assert.Equal(t, unified.OutcomeFailed, st.Outcome)
	assert.Contains(t, st.Errors()[len(st.Errors())-1], "rejected")
}

// TestWorkflowTimeoutFailsRequiredReview expires the pending review through
// the sweeper path and checks the run fails.
func TestWorkflowTimeoutFailsRequiredReview(t *testing.T) {
	fx := setupManager(t)
	fx.gen.result.Confidence = 0.4
	router := workflowRouter()

	id := startWorkflow(t, router, map[string]any{"query": "total revenue"})
	run := waitForRunStatus(t, id, RunStatusSuspended)
	require.NotNil(t, run.PendingRequestID)

	ctx := context.Background()
	expired, err := fx.store.SweepTimeouts(ctx, run.UpdatedAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, *run.PendingRequestID, expired[0].RequestID)

	Manager.handleTimeout(ctx, expired[0])

	run = waitForRunStatus(t, id, RunStatusFailed)
	st := &unified.State{}
	require.NoError(t, json.Unmarshal(run.State, st))
	assert.Equal(t, unified.OutcomeFailed, st.Outcome)
}

func TestStreamWorkflowCatchUp(t *testing.T) {
	fx := setupManager(t)
	router := workflowRouter()

	t.Run("completed run replays done", func(t *testing.T) {
		id := startWorkflow(t, router, map[string]any{"query": "total revenue"})
		waitForRunStatus(t, id, RunStatusCompleted)

		req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+id.String()+"/stream", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		body := rec.Body.String()
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Contains(t, body, "event: workflow_status")
		assert.Contains(t, body, "event: done")
	})

	t.Run("suspended run replays intervention", func(t *testing.T) {
		fx.gen.result.Confidence = 0.4
		t.Cleanup(func() { fx.gen.result.Confidence = 0.95 })

		id := startWorkflow(t, router, map[string]any{"query": "total revenue"})
		run := waitForRunStatus(t, id, RunStatusSuspended)

		req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+id.String()+"/stream", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		body := rec.Body.String()
		assert.Contains(t, body, "event: intervention_required")
		assert.Contains(t, body, *run.PendingRequestID)
	})

	t.Run("unknown run sends error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/workflows/"+uuid.NewString()+"/stream", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Contains(t, rec.Body.String(), "event: error")
	})
}

func TestGetWorkflowForConversation(t *testing.T) {
	setupManager(t)
	router := workflowRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/"+uuid.NewString()+"/workflow", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	conversationID := uuid.NewString()
	id := startWorkflow(t, router, map[string]any{
		"query":           "total revenue",
		"conversation_id": conversationID,
	})
	waitForRunStatus(t, id, RunStatusCompleted)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations/"+conversationID+"/workflow", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		WorkflowID uuid.UUID `json:"workflow_id"`
		Status     string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.WorkflowID)
	assert.Equal(t, RunStatusCompleted, resp.Status)
}
