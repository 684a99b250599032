package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/agent/pkg/unified"
	"github.com/xentoshi/insight/api/handlers"
)

// RunResult is the outcome of one workflow run started from Slack. Exactly
// one of State or Intervention is set: State when the run reached a terminal
// outcome, Intervention when it suspended for human review.
type RunResult struct {
	WorkflowID   uuid.UUID
	State        *unified.State
	Intervention *hitl.Intervention
}

// Runner starts unified workflow runs through the shared run manager, so
// Slack-initiated runs get the same durability, claiming and intervention
// handling as API-initiated ones.
type Runner struct {
	log *slog.Logger
}

// NewRunner creates a new workflow runner.
func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log}
}

// Run starts a workflow and waits for it to finish or suspend. Progress
// callbacks fire on stage changes.
func (r *Runner) Run(
	ctx context.Context,
	query, conversationID, userID string,
	onProgress func(unified.Progress),
) (*RunResult, error) {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	if id, running := handlers.Manager.RunningForConversation(conversationID); running {
		return nil, fmt.Errorf("an analysis is already running for this thread (workflow %s)", id)
	}

	run, err := handlers.Manager.StartRun(ctx, &unified.Request{
		Query:          query,
		ConversationID: conversationID,
		UserID:         userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}

	sub := handlers.Manager.Subscribe(run.ID)
	if sub == nil {
		// Run finished before we could subscribe
		return r.fetchResult(ctx, run.ID)
	}
	defer handlers.Manager.Unsubscribe(run.ID, sub)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-sub.Done:
			// Final event may have been dropped on a full channel; the row is
			// authoritative either way.
			return r.fetchResult(context.WithoutCancel(ctx), run.ID)

		case ev := <-sub.Events:
			switch ev.Type {
			case "progress":
				if p, ok := ev.Data.(unified.Progress); ok && onProgress != nil {
					onProgress(p)
				}

			case "done":
				blob, ok := ev.Data.(json.RawMessage)
				if !ok {
					return r.fetchResult(ctx, run.ID)
				}
				st := &unified.State{}
				if err := json.Unmarshal(blob, st); err != nil {
					return nil, fmt.Errorf("failed to decode workflow result: %w", err)
				}
				return &RunResult{WorkflowID: run.ID, State: st}, nil

			case "error":
				if data, ok := ev.Data.(map[string]any); ok {
					if msg, ok := data["error"].(string); ok {
						return nil, fmt.Errorf("workflow failed: %s", msg)
					}
				}
				return nil, fmt.Errorf("workflow failed")

			case "cancelled":
				return nil, fmt.Errorf("workflow was cancelled")

			case "intervention_required":
				iv, ok := ev.Data.(*hitl.Intervention)
				if !ok {
					return r.fetchResult(ctx, run.ID)
				}
				return &RunResult{WorkflowID: run.ID, Intervention: iv}, nil
			}
		}
	}
}

// fetchResult reads the stored run row when the live events were missed.
func (r *Runner) fetchResult(ctx context.Context, id uuid.UUID) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	run, err := handlers.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("workflow %s not found", id)
	}

	switch run.Status {
	case handlers.RunStatusSuspended:
		if run.PendingRequestID == nil {
			return nil, fmt.Errorf("workflow %s is suspended without a pending request", id)
		}
		iv, err := handlers.Manager.Store().Get(ctx, *run.PendingRequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to load intervention: %w", err)
		}
		return &RunResult{WorkflowID: id, Intervention: iv}, nil

	case handlers.RunStatusFailed:
		if run.Error != nil {
			return nil, fmt.Errorf("workflow failed: %s", *run.Error)
		}
		return nil, fmt.Errorf("workflow failed")

	case handlers.RunStatusCancelled:
		return nil, fmt.Errorf("workflow was cancelled")

	case handlers.RunStatusCompleted, handlers.RunStatusPartialSuccess:
		st := &unified.State{}
		if err := json.Unmarshal(run.State, st); err != nil {
			return nil, fmt.Errorf("failed to decode workflow result: %w", err)
		}
		return &RunResult{WorkflowID: id, State: st}, nil

	default:
		return nil, fmt.Errorf("workflow %s is still %s", id, run.Status)
	}
}
