package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store. The single-terminal-transition
// guarantee rests on conditional UPDATE ... WHERE status = 'pending'
// statements: whichever writer flips the row first wins, everyone else
// matches zero rows and gets ErrConflict. RecordResponse additionally locks
// the row first so its pending and offered-action checks share one snapshot.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const interventionColumns = `
	request_id, workflow_id, conversation_id, intervention_type, context, options,
	requester_id, company_id, status, requested_at, timeout_seconds, timeout_at,
	responded_at, response_time_ms, required`

func scanIntervention(row pgx.Row) (*Intervention, error) {
	var iv Intervention
	var contextJSON, optionsJSON []byte
	var conversationID, requesterID, companyID *string
	err := row.Scan(
		&iv.RequestID, &iv.WorkflowID, &conversationID, &iv.Type, &contextJSON, &optionsJSON,
		&requesterID, &companyID, &iv.Status, &iv.RequestedAt, &iv.TimeoutSeconds, &iv.TimeoutAt,
		&iv.RespondedAt, &iv.ResponseTimeMS, &iv.Required,
	)
	if err != nil {
		return nil, err
	}
	if conversationID != nil {
		iv.ConversationID = *conversationID
	}
	if requesterID != nil {
		iv.RequesterID = *requesterID
	}
	if companyID != nil {
		iv.CompanyID = *companyID
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &iv.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intervention context: %w", err)
		}
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &iv.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intervention options: %w", err)
		}
	}
	return &iv, nil
}

// Create persists a new pending request.
func (s *PGStore) Create(ctx context.Context, iv *Intervention) error {
	if iv.RequestID == "" {
		iv.RequestID = uuid.NewString()
	}
	if iv.RequestedAt.IsZero() {
		iv.RequestedAt = time.Now().UTC()
	}
	if iv.TimeoutAt.IsZero() {
		iv.TimeoutAt = iv.RequestedAt.Add(time.Duration(iv.TimeoutSeconds) * time.Second)
	}
	iv.Status = StatusPending

	contextJSON, err := json.Marshal(iv.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal intervention context: %w", err)
	}
	optionsJSON, err := json.Marshal(iv.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal intervention options: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO interventions (
			request_id, workflow_id, conversation_id, intervention_type, context, options,
			requester_id, company_id, status, requested_at, timeout_seconds, timeout_at, required
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), 'pending', $9, $10, $11, $12)
	`, iv.RequestID, iv.WorkflowID, iv.ConversationID, iv.Type, contextJSON, optionsJSON,
		iv.RequesterID, iv.CompanyID, iv.RequestedAt, iv.TimeoutSeconds, iv.TimeoutAt, iv.Required)
	if err != nil {
		return fmt.Errorf("failed to create intervention: %w", err)
	}
	return nil
}

// Get returns the request with its response, if any.
func (s *PGStore) Get(ctx context.Context, requestID string) (*Intervention, error) {
	iv, err := scanIntervention(s.pool.QueryRow(ctx, `
		SELECT `+interventionColumns+`
		FROM interventions
		WHERE request_id = $1
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get intervention: %w", err)
	}

	if iv.Status == StatusResponded {
		resp, err := s.getResponse(ctx, requestID)
		if err != nil {
			return nil, err
		}
		iv.Response = resp
	}
	return iv, nil
}

func (s *PGStore) getResponse(ctx context.Context, requestID string) (*Response, error) {
	var resp Response
	var dataJSON []byte
	var feedback, modifiedSQL, responderID *string
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, action, data, feedback, modified_sql, responder_id, responded_at
		FROM intervention_responses
		WHERE request_id = $1
	`, requestID).Scan(&resp.RequestID, &resp.Action, &dataJSON, &feedback, &modifiedSQL, &responderID, &resp.RespondedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get intervention response: %w", err)
	}
	if feedback != nil {
		resp.Feedback = *feedback
	}
	if modifiedSQL != nil {
		resp.ModifiedSQL = *modifiedSQL
	}
	if responderID != nil {
		resp.ResponderID = *responderID
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &resp.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response data: %w", err)
		}
	}
	return &resp, nil
}

// ListPending returns pending requests matching the filter, oldest first.
// Requests past their timeout are excluded; they belong to the sweeper.
func (s *PGStore) ListPending(ctx context.Context, filter Filter) ([]Intervention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+interventionColumns+`
		FROM interventions
		WHERE status = 'pending'
		  AND timeout_at > NOW()
		  AND ($1 = '' OR workflow_id = $1)
		  AND ($2 = '' OR company_id = $2)
		ORDER BY requested_at ASC
	`, filter.WorkflowID, filter.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending interventions: %w", err)
	}
	defer rows.Close()

	var out []Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intervention: %w", err)
		}
		out = append(out, *iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interventions: %w", err)
	}
	return out, nil
}

// RecordResponse resolves a pending request. The status flip and the response
// row insert share one transaction so the 1:1 request/response invariant holds.
func (s *PGStore) RecordResponse(ctx context.Context, requestID string, resp *Response) (*Intervention, error) {
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now().UTC()
	}
	resp.RequestID = requestID

	dataJSON, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the row so the pending check and the action check see the same
	// version: a request resolved elsewhere always reports ErrConflict,
	// never ErrInvalidAction.
	current, err := scanIntervention(tx.QueryRow(ctx, `
		SELECT `+interventionColumns+`
		FROM interventions
		WHERE request_id = $1
		FOR UPDATE
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load intervention: %w", err)
	}
	if current.Status != StatusPending {
		return nil, ErrConflict
	}
	if !current.OffersAction(resp.Action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, resp.Action)
	}

	responseTimeMS := resp.RespondedAt.Sub(current.RequestedAt).Milliseconds()

	iv, err := scanIntervention(tx.QueryRow(ctx, `
		UPDATE interventions
		SET status = 'responded', responded_at = $2, response_time_ms = $3
		WHERE request_id = $1 AND status = 'pending'
		RETURNING `+interventionColumns+`
	`, requestID, resp.RespondedAt, responseTimeMS))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to record response: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO intervention_responses (request_id, action, data, feedback, modified_sql, responder_id, responded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)
	`, requestID, resp.Action, dataJSON, resp.Feedback, resp.ModifiedSQL, resp.ResponderID, resp.RespondedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert response: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit response: %w", err)
	}

	iv.Response = resp
	return iv, nil
}

// Cancel transitions a pending request to cancelled.
func (s *PGStore) Cancel(ctx context.Context, requestID string) (*Intervention, error) {
	iv, err := scanIntervention(s.pool.QueryRow(ctx, `
		UPDATE interventions
		SET status = 'cancelled', responded_at = NOW()
		WHERE request_id = $1 AND status = 'pending'
		RETURNING `+interventionColumns+`
	`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, requestID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to cancel intervention: %w", err)
	}
	return iv, nil
}

// SweepTimeouts expires every pending request past its deadline. SKIP LOCKED
// keeps concurrent sweepers from double-firing on the same rows.
func (s *PGStore) SweepTimeouts(ctx context.Context, now time.Time) ([]Intervention, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE interventions
		SET status = 'timed_out'
		WHERE request_id IN (
			SELECT request_id FROM interventions
			WHERE status = 'pending' AND timeout_at <= $1
			ORDER BY timeout_at ASC
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+interventionColumns+`
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep timeouts: %w", err)
	}
	defer rows.Close()

	var expired []Intervention
	for rows.Next() {
		iv, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired intervention: %w", err)
		}
		expired = append(expired, *iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expired interventions: %w", err)
	}
	return expired, nil
}
