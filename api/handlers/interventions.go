package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/api/metrics"
)

// ListInterventions returns pending intervention requests, optionally
// filtered by workflow or company.
func ListInterventions(w http.ResponseWriter, r *http.Request) {
	filter := hitl.Filter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		CompanyID:  r.URL.Query().Get("company_id"),
	}

	pending, err := Manager.Store().ListPending(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to list interventions", err))
		return
	}
	if pending == nil {
		pending = []hitl.Intervention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interventions": pending,
		"count":         len(pending),
	})
}

// GetIntervention returns one intervention request with its response, if any.
func GetIntervention(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	iv, err := Manager.Store().Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Intervention not found")
			return
		}
		writeError(w, http.StatusInternalServerError, internalError("Failed to get intervention", err))
		return
	}
	writeJSON(w, http.StatusOK, iv)
}

// RespondRequest is the POST /api/interventions/{request_id}/respond body.
type RespondRequest struct {
	Action      string         `json:"action"`
	Feedback    string         `json:"feedback,omitempty"`
	ModifiedSQL string         `json:"modified_sql,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ResponderID string         `json:"responder_id,omitempty"`
}

// RespondIntervention records a human response. First writer wins: a request
// that is no longer pending returns 409, an action outside the offered
// options returns 422. After the store transition succeeds the suspended run
// resumes in the background.
func RespondIntervention(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	iv, err := Manager.Store().RecordResponse(r.Context(), requestID, &hitl.Response{
		Action:      req.Action,
		Feedback:    req.Feedback,
		ModifiedSQL: req.ModifiedSQL,
		Data:        req.Data,
		ResponderID: req.ResponderID,
	})
	if err != nil {
		switch {
		case errors.Is(err, hitl.ErrNotFound):
			writeError(w, http.StatusNotFound, "Intervention not found")
		case errors.Is(err, hitl.ErrInvalidAction):
			writeError(w, http.StatusUnprocessableEntity, "Action is not offered by this intervention")
		case errors.Is(err, hitl.ErrConflict):
			writeError(w, http.StatusConflict, "Intervention is already resolved")
		default:
			writeError(w, http.StatusInternalServerError, internalError("Failed to record response", err))
		}
		return
	}

	metrics.RecordIntervention("responded")
	resumeInBackground(requestID, iv)

	writeJSON(w, http.StatusOK, iv)
}

// CancelIntervention cancels a pending request. The owning run resumes and
// fails with an aborted outcome.
func CancelIntervention(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	iv, err := Manager.Store().Cancel(r.Context(), requestID)
	if err != nil {
		switch {
		case errors.Is(err, hitl.ErrNotFound):
			writeError(w, http.StatusNotFound, "Intervention not found")
		case errors.Is(err, hitl.ErrConflict):
			writeError(w, http.StatusConflict, "Intervention is already resolved")
		default:
			writeError(w, http.StatusInternalServerError, internalError("Failed to cancel intervention", err))
		}
		return
	}

	metrics.RecordIntervention("cancelled")
	resumeInBackground(requestID, iv)

	writeJSON(w, http.StatusOK, iv)
}

// resumeInBackground wakes the suspended run without holding the HTTP
// request open. The reclaim CAS inside makes concurrent wakes safe.
func resumeInBackground(requestID string, iv *hitl.Intervention) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := Manager.ResumeForRequest(ctx, requestID, iv); err != nil {
			Manager.log.Error("Failed to resume run after intervention resolution",
				"request_id", requestID, "error", err)
		}
	}()
}
