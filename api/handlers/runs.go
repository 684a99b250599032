package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xentoshi/insight/api/config"
)

// Run statuses as stored in workflow_runs. Terminal statuses mirror the
// unified run outcomes, plus cancelled.
const (
	RunStatusRunning        = "running"
	RunStatusSuspended      = "suspended"
	RunStatusCompleted      = "completed"
	RunStatusPartialSuccess = "partial_success"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
)

// RunTerminal reports whether a stored status is an end state.
func RunTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusPartialSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is one row of workflow_runs: a unified workflow execution with its
// JSONB state checkpoint and replica-claiming columns.
type Run struct {
	ID               uuid.UUID       `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	Query            string          `json:"query"`
	Database         string          `json:"database"`
	UserID           *string         `json:"user_id,omitempty"`
	CompanyID        *string         `json:"company_id,omitempty"`
	Status           string          `json:"status"`
	Stage            string          `json:"stage"`
	State            json.RawMessage `json:"state,omitempty"`
	PendingRequestID *string         `json:"pending_request_id,omitempty"`
	Error            *string         `json:"error,omitempty"`
	ClaimedBy        *string         `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

const runColumns = `
	id, conversation_id, query, database_name, user_id, company_id,
	status, stage, state, pending_request_id, error,
	claimed_by, claimed_at, started_at, updated_at, completed_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.ConversationID, &r.Query, &r.Database, &r.UserID, &r.CompanyID,
		&r.Status, &r.Stage, &r.State, &r.PendingRequestID, &r.Error,
		&r.ClaimedBy, &r.ClaimedAt, &r.StartedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a new running row claimed by this server.
func CreateRun(ctx context.Context, run *Run, serverID string) error {
	err := config.PgPool.QueryRow(ctx, `
		INSERT INTO workflow_runs (
			id, conversation_id, query, database_name, user_id, company_id,
			status, stage, state, claimed_by, claimed_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), 'running', 'init', $7, $8, NOW())
		RETURNING started_at, updated_at
	`, run.ID, run.ConversationID, run.Query, run.Database,
		deref(run.UserID), deref(run.CompanyID), run.State, serverID,
	).Scan(&run.StartedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	run.Status = RunStatusRunning
	run.Stage = "init"
	return nil
}

// UpdateRunCheckpoint saves the latest state blob for a live run.
func UpdateRunCheckpoint(ctx context.Context, id uuid.UUID, stage string, state []byte) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE workflow_runs
		SET stage = $2, state = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('running', 'suspended')
	`, id, stage, state)
	if err != nil {
		return fmt.Errorf("failed to checkpoint workflow run: %w", err)
	}
	return nil
}

// SuspendRun parks a run on a pending intervention. The state blob is the
// durable checkpoint the resume path restores from.
func SuspendRun(ctx context.Context, id uuid.UUID, requestID, stage string, state []byte) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'suspended', stage = $2, state = $3, pending_request_id = $4,
		    claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('running', 'suspended')
	`, id, stage, state, requestID)
	if err != nil {
		return fmt.Errorf("failed to suspend workflow run: %w", err)
	}
	return nil
}

// CompleteRun records the terminal outcome and final state of a run.
func CompleteRun(ctx context.Context, id uuid.UUID, outcome string, state []byte) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $2, stage = 'completed', state = $3, pending_request_id = NULL,
		    claimed_by = NULL, claimed_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, outcome, state)
	if err != nil {
		return fmt.Errorf("failed to complete workflow run: %w", err)
	}
	return nil
}

// FailRun records a terminal failure with its error message.
func FailRun(ctx context.Context, id uuid.UUID, errMsg string, state []byte) error {
	_, err := config.PgPool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = 'failed', error = $2, state = COALESCE($3, state), pending_request_id = NULL,
		    claimed_by = NULL, claimed_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, errMsg, state)
	if err != nil {
		return fmt.Errorf("failed to fail workflow run: %w", err)
	}
	return nil
}

// CancelRun marks a non-terminal run cancelled. Returns the updated row, or
// nil when the run was already terminal.
func CancelRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		UPDATE workflow_runs
		SET status = 'cancelled', pending_request_id = NULL,
		    claimed_by = NULL, claimed_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('running', 'suspended')
		RETURNING `+runColumns+`
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to cancel workflow run: %w", err)
	}
	return run, nil
}

// GetRun fetches a run by ID. Returns nil when it does not exist.
func GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

// GetRunByPendingRequest finds the suspended run waiting on the given
// intervention. Returns nil when no run is parked on it.
func GetRunByPendingRequest(ctx context.Context, requestID string) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE pending_request_id = $1 AND status = 'suspended'
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow run by pending request: %w", err)
	}
	return run, nil
}

// GetLatestRunForConversation returns the newest run in a conversation, or
// nil when the conversation has none.
func GetLatestRunForConversation(ctx context.Context, conversationID string) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM workflow_runs
		WHERE conversation_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest run for conversation: %w", err)
	}
	return run, nil
}

// ClaimIncompleteRun atomically claims one orphaned running row for this
// server. A row is claimable when it was never claimed, or when its claim
// and its checkpoints have both gone stale (the owning replica died).
// Suspended rows are excluded; a response or timeout wakes those.
// Returns nil when nothing is claimable.
func ClaimIncompleteRun(ctx context.Context, serverID string, staleAfter time.Duration) (*Run, error) {
	interval := fmt.Sprintf("%d seconds", int(staleAfter.Seconds()))
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		UPDATE workflow_runs
		SET claimed_by = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM workflow_runs
			WHERE status = 'running'
			  AND (claimed_by IS DISTINCT FROM $1)
			  AND (claimed_at IS NULL OR (claimed_at < NOW() - $2::interval AND updated_at < NOW() - $2::interval))
			ORDER BY started_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns+`
	`, serverID, interval))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim incomplete workflow run: %w", err)
	}
	return run, nil
}

// ReclaimSuspendedRun flips a suspended run back to running under this
// server. Exactly one caller wins when a response and a sweep race; the
// loser gets nil and stops.
func ReclaimSuspendedRun(ctx context.Context, id uuid.UUID, serverID string) (*Run, error) {
	run, err := scanRun(config.PgPool.QueryRow(ctx, `
		UPDATE workflow_runs
		SET status = 'running', pending_request_id = NULL,
		    claimed_by = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'suspended'
		RETURNING `+runColumns+`
	`, id, serverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reclaim suspended workflow run: %w", err)
	}
	return run, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
