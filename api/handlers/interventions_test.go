package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xentoshi/insight/agent/pkg/hitl"
)

func interventionRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/api/interventions", ListInterventions)
	r.Get("/api/interventions/{request_id}", GetIntervention)
	r.Post("/api/interventions/{request_id}/respond", RespondIntervention)
	r.Post("/api/interventions/{request_id}/cancel", CancelIntervention)
	return r
}

func createPendingIntervention(t *testing.T, store hitl.Store) *hitl.Intervention {
	t.Helper()
	iv := &hitl.Intervention{
		RequestID:      uuid.NewString(),
		WorkflowID:     uuid.NewString(),
		ConversationID: uuid.NewString(),
		Type:           hitl.TypeSQLReview,
		Context:        map[string]any{"generated_sql": "SELECT 1"},
		Options:        hitl.ApprovalOptions(),
		TimeoutSeconds: 300,
		Required:       true,
	}
	require.NoError(t, store.Create(context.Background(), iv))
	return iv
}

func postRespond(t *testing.T, router http.Handler, requestID string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/interventions/%s/respond", requestID), bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRespondIntervention(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()
	iv := createPendingIntervention(t, fx.store)

	rec := postRespond(t, router, iv.RequestID, map[string]any{
		"action":       "approve",
		"responder_id": "analyst-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got hitl.Intervention
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, hitl.StatusResponded, got.Status)
	require.NotNil(t, got.Response)
	assert.Equal(t, hitl.ActionApprove, got.Response.Action)
	assert.Equal(t, "analyst-1", got.Response.ResponderID)
	require.NotNil(t, got.ResponseTimeMS)
}

func TestRespondInterventionConflict(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()
	iv := createPendingIntervention(t, fx.store)

	first := postRespond(t, router, iv.RequestID, map[string]any{"action": "approve"})
	require.Equal(t, http.StatusOK, first.Code)

	second := postRespond(t, router, iv.RequestID, map[string]any{"action": "reject"})
	assert.Equal(t, http.StatusConflict, second.Code)

	// The stored response is still the winner's.
	stored, err := fx.store.Get(context.Background(), iv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, hitl.ActionApprove, stored.Response.Action)
}

func TestRespondInterventionInvalidAction(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()
	iv := createPendingIntervention(t, fx.store)

	rec := postRespond(t, router, iv.RequestID, map[string]any{"action": "escalate"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Rejected action leaves the request pending.
	stored, err := fx.store.Get(context.Background(), iv.RequestID)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusPending, stored.Status)
}

func TestRespondResolvedInterventionConflictsOverInvalidAction(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()
	iv := createPendingIntervention(t, fx.store)

	first := postRespond(t, router, iv.RequestID, map[string]any{"action": "approve"})
	require.Equal(t, http.StatusOK, first.Code)

	// Once resolved, even an un-offered action reports the conflict.
	late := postRespond(t, router, iv.RequestID, map[string]any{"action": "escalate"})
	assert.Equal(t, http.StatusConflict, late.Code)
}

func TestRespondInterventionValidation(t *testing.T) {
	setupManager(t)
	router := interventionRouter()

	rec := postRespond(t, router, uuid.NewString(), map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postRespond(t, router, uuid.NewString(), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRespondInterventionRaceSingleWinner(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()
	iv := createPendingIntervention(t, fx.store)

	const racers = 10
	codes := make(chan int, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := postRespond(t, router, iv.RequestID, map[string]any{
				"action":       "approve",
				"responder_id": fmt.Sprintf("analyst-%d", n),
			})
			codes <- rec.Code
		}(i)
	}
	wg.Wait()
	close(codes)

	var ok, conflict int
	for code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		default:
			t.Fatalf("unexpected status code %d", code)
		}
	}
	assert.Equal(t, 1, ok, "exactly one responder wins")
	assert.Equal(t, racers-1, conflict)
}

func TestCancelIntervention(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()
	iv := createPendingIntervention(t, fx.store)

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/interventions/%s/cancel", iv.RequestID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got hitl.Intervention
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, hitl.StatusCancelled, got.Status)

	// A response after cancellation conflicts.
	resp := postRespond(t, router, iv.RequestID, map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestListInterventions(t *testing.T) {
	fx := setupManager(t)
	router := interventionRouter()

	first := createPendingIntervention(t, fx.store)
	createPendingIntervention(t, fx.store)

	req := httptest.NewRequest(http.MethodGet, "/api/interventions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Interventions []hitl.Intervention `json:"interventions"`
		Count         int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	// Filter by workflow.
	req = httptest.NewRequest(http.MethodGet, "/api/interventions?workflow_id="+first.WorkflowID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, first.RequestID, list.Interventions[0].RequestID)
}

func TestGetInterventionNotFound(t *testing.T) {
	setupManager(t)
	router := interventionRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/interventions/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
