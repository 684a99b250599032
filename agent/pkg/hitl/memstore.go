package hitl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemStore is an in-memory Store with the same transition semantics as
// PGStore. Used by the workflow engine tests and as a standalone fallback
// when no Postgres pool is configured.
type MemStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	reqs  map[string]*Intervention
}

// NewMemStore creates an in-memory store. A nil clock defaults to real time.
func NewMemStore(clock clockwork.Clock) *MemStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemStore{
		clock: clock,
		reqs:  make(map[string]*Intervention),
	}
}

func (s *MemStore) Create(_ context.Context, iv *Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if iv.RequestID == "" {
		iv.RequestID = uuid.NewString()
	}
	if _, exists := s.reqs[iv.RequestID]; exists {
		return fmt.Errorf("intervention %s already exists", iv.RequestID)
	}
	if iv.RequestedAt.IsZero() {
		iv.RequestedAt = s.clock.Now().UTC()
	}
	if iv.TimeoutAt.IsZero() {
		iv.TimeoutAt = iv.RequestedAt.Add(time.Duration(iv.TimeoutSeconds) * time.Second)
	}
	iv.Status = StatusPending

	stored := *iv
	s.reqs[iv.RequestID] = &stored
	return nil
}

func (s *MemStore) Get(_ context.Context, requestID string) (*Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ok := s.reqs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *iv
	return &out, nil
}

func (s *MemStore) ListPending(_ context.Context, filter Filter) ([]Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var out []Intervention
	for _, iv := range s.reqs {
		if iv.Status != StatusPending || iv.Expired(now) {
			continue
		}
		if filter.WorkflowID != "" && iv.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.CompanyID != "" && iv.CompanyID != filter.CompanyID {
			continue
		}
		out = append(out, *iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *MemStore) RecordResponse(_ context.Context, requestID string, resp *Response) (*Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ok := s.reqs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	// Resolved requests conflict before the action is inspected, matching
	// PGStore's error precedence.
	if iv.Status != StatusPending {
		return nil, ErrConflict
	}
	if !iv.OffersAction(resp.Action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, resp.Action)
	}

	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = s.clock.Now().UTC()
	}
	resp.RequestID = requestID
	respondedAt := resp.RespondedAt
	responseTimeMS := respondedAt.Sub(iv.RequestedAt).Milliseconds()

	iv.Status = StatusResponded
	iv.RespondedAt = &respondedAt
	iv.ResponseTimeMS = &responseTimeMS
	iv.Response = resp

	out := *iv
	return &out, nil
}

func (s *MemStore) Cancel(_ context.Context, requestID string) (*Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ok := s.reqs[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if iv.Status != StatusPending {
		return nil, ErrConflict
	}

	now := s.clock.Now().UTC()
	iv.Status = StatusCancelled
	iv.RespondedAt = &now

	out := *iv
	return &out, nil
}

func (s *MemStore) SweepTimeouts(_ context.Context, now time.Time) ([]Intervention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Intervention
	for _, iv := range s.reqs {
		if iv.Status == StatusPending && iv.Expired(now) {
			iv.Status = StatusTimedOut
			expired = append(expired, *iv)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TimeoutAt.Before(expired[j].TimeoutAt) })
	return expired, nil
}
