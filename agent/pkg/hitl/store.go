package hitl

import (
	"context"
	"time"
)

// Store is the durable record of intervention requests and responses.
//
// The one correctness-critical contract: every request receives exactly one
// terminal transition. Two concurrent responses, a response racing a timeout
// sweep, or a cancel racing either must deterministically agree on a single
// winner; every loser receives ErrConflict, never a silent overwrite.
type Store interface {
	// Create persists a new pending request. TimeoutAt is computed from
	// RequestedAt + TimeoutSeconds if unset.
	Create(ctx context.Context, iv *Intervention) error

	// Get returns the request, or ErrNotFound.
	Get(ctx context.Context, requestID string) (*Intervention, error)

	// ListPending returns pending requests matching the filter, oldest first.
	ListPending(ctx context.Context, filter Filter) ([]Intervention, error)

	// RecordResponse resolves a pending request with the given response and
	// returns the updated record. Returns ErrConflict if the request is no
	// longer pending, ErrInvalidAction if the action was not offered.
	RecordResponse(ctx context.Context, requestID string, resp *Response) (*Intervention, error)

	// Cancel transitions a pending request to cancelled.
	// Returns ErrConflict if the request is no longer pending.
	Cancel(ctx context.Context, requestID string) (*Intervention, error)

	// SweepTimeouts transitions every pending request with timeout_at <= now
	// to timed_out and returns the newly expired requests. Each request
	// transitions at most once even under concurrent sweeps.
	SweepTimeouts(ctx context.Context, now time.Time) ([]Intervention, error)
}
