package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xentoshi/insight/agent/pkg/unified"
)

// StartWorkflowRequest is the POST /api/workflows body.
type StartWorkflowRequest struct {
	Query          string         `json:"query"`
	Database       string         `json:"database,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	CompanyID      string         `json:"company_id,omitempty"`
	Options        map[string]any `json:"options,omitempty"`
}

// StartWorkflow launches a unified run in the background and returns 202
// with its identifiers. One run per conversation at a time.
func StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	if req.ConversationID != "" {
		if id, running := Manager.RunningForConversation(req.ConversationID); running {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "a workflow is already running for this conversation",
				"workflow_id": id,
			})
			return
		}
	}

	run, err := Manager.StartRun(r.Context(), &unified.Request{
		Query:          req.Query,
		Database:       req.Database,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		CompanyID:      req.CompanyID,
		Options:        req.Options,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to start workflow", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id":     run.ID,
		"conversation_id": run.ConversationID,
		"status":          run.Status,
	})
}

// GetWorkflow returns a run's status and stage; the full state blob is
// included once the run is terminal.
func GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	run, err := GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to get workflow", err))
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}

	resp := map[string]any{
		"workflow_id":     run.ID,
		"conversation_id": run.ConversationID,
		"query":           run.Query,
		"status":          run.Status,
		"stage":           run.Stage,
		"started_at":      run.StartedAt,
		"updated_at":      run.UpdatedAt,
	}
	if run.CompletedAt != nil {
		resp["completed_at"] = run.CompletedAt
	}
	if run.Error != nil {
		resp["error"] = *run.Error
	}
	if run.PendingRequestID != nil {
		resp["pending_request_id"] = *run.PendingRequestID
	}
	if RunTerminal(run.Status) && len(run.State) > 0 {
		resp["state"] = json.RawMessage(run.State)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelWorkflow stops a non-terminal run.
func CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	run, err := Manager.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to cancel workflow", err))
		return
	}
	if run == nil {
		existing, err := GetRun(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, internalError("Failed to cancel workflow", err))
			return
		}
		if existing == nil {
			writeError(w, http.StatusNotFound, "Workflow not found")
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "workflow is already finished",
			"status": existing.Status,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": run.ID,
		"status":      run.Status,
	})
}

// StreamWorkflow streams run progress over SSE. The handler first replays
// the stored row as a catch-up event, then subscribes to the live run. A run
// executing on another replica gets a "retry" event so the client can poll.
func StreamWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid workflow ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sendEvent := func(event string, data any) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
		flusher.Flush()
	}

	run, err := GetRun(r.Context(), id)
	if err != nil {
		sendEvent("error", map[string]string{"error": internalError("Failed to get workflow", err)})
		return
	}
	if run == nil {
		sendEvent("error", map[string]string{"error": "Workflow not found"})
		return
	}

	// Catch-up: the stored row reflects everything up to the last checkpoint.
	sendEvent("workflow_status", map[string]any{
		"workflow_id": run.ID,
		"status":      run.Status,
		"stage":       run.Stage,
	})

	switch {
	case RunTerminal(run.Status):
		if run.Status == RunStatusFailed && run.Error != nil {
			sendEvent("error", map[string]string{"error": *run.Error})
		} else {
			sendEvent("done", json.RawMessage(run.State))
		}
		return

	case run.Status == RunStatusSuspended:
		if run.PendingRequestID != nil {
			if iv, err := Manager.Store().Get(r.Context(), *run.PendingRequestID); err == nil {
				sendEvent("intervention_required", iv)
			}
		}
		return
	}

	sub := Manager.Subscribe(id)
	if sub == nil {
		// Running on another replica; nothing to stream from this process.
		sendEvent("retry", map[string]string{"reason": "workflow running on another server"})
		return
	}
	defer Manager.Unsubscribe(id, sub)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			// Run goroutine exited; final event was already broadcast.
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event := <-sub.Events:
			sendEvent(event.Type, event.Data)
			if event.Type == "done" || event.Type == "error" || event.Type == "cancelled" || event.Type == "intervention_required" {
				return
			}
		}
	}
}

// GetWorkflowForConversation returns the latest run in a conversation, 204
// when the conversation has none.
func GetWorkflowForConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	run, err := GetLatestRunForConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, internalError("Failed to get workflow for conversation", err))
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": run.ID,
		"status":      run.Status,
		"stage":       run.Stage,
		"started_at":  run.StartedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
