// Package hitl manages human-in-the-loop intervention requests: durable
// records of "a human must decide" moments created by suspended workflows,
// resolved exactly once by a response, a timeout sweep, or cancellation.
package hitl

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an intervention request.
// A request starts pending and receives exactly one terminal transition.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a resolved end state.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusTimedOut || s == StatusCancelled
}

// Common intervention types created by the analysis workflow.
const (
	TypeSQLReview             = "sql_review"
	TypeLowConfidenceApproval = "low_confidence_approval"
	TypeValidationEscalation  = "validation_escalation"
)

// Response actions offered to reviewers.
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionModify  = "modify"
)

var (
	// ErrNotFound is returned when no intervention exists for a request ID.
	ErrNotFound = errors.New("intervention not found")

	// ErrConflict is returned when a mutation loses the race for the single
	// terminal transition (the request is no longer pending).
	ErrConflict = errors.New("intervention already resolved")

	// ErrInvalidAction is returned when a response action is not one of the
	// options offered by the request.
	ErrInvalidAction = errors.New("response action not offered by request")
)

// Option is one response action offered to the human reviewer.
type Option struct {
	Action      string `json:"action"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// ApprovalOptions is the standard option set for SQL review requests.
func ApprovalOptions() []Option {
	return []Option{
		{Action: ActionApprove, Label: "Approve", Description: "Execute as-is"},
		{Action: ActionModify, Label: "Modify SQL", Description: "Provide corrected SQL"},
		{Action: ActionReject, Label: "Reject", Description: "Do not execute"},
	}
}

// Intervention is a persisted human-input request. RequestID is the stable
// externally-visible identifier, distinct from any storage surrogate key.
type Intervention struct {
	RequestID      string `json:"request_id"`
	WorkflowID     string `json:"workflow_id"`
	ConversationID string `json:"conversation_id,omitempty"`

	Type    string         `json:"intervention_type"`
	Context map[string]any `json:"context,omitempty"`
	Options []Option       `json:"options"`

	RequesterID string `json:"requester_id,omitempty"`
	CompanyID   string `json:"company_id,omitempty"`

	Status Status `json:"status"`

	RequestedAt    time.Time  `json:"requested_at"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	TimeoutAt      time.Time  `json:"timeout_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	ResponseTimeMS *int64     `json:"response_time_ms,omitempty"`

	// Required controls timeout behavior: a required request that expires
	// fails the owning workflow, an optional one auto-approves with a warning.
	Required bool `json:"required"`

	Response *Response `json:"response,omitempty"`
}

// Expired reports whether the request's timeout has passed.
func (iv *Intervention) Expired(now time.Time) bool {
	return !now.Before(iv.TimeoutAt)
}

// OffersAction reports whether action is one of the offered options.
func (iv *Intervention) OffersAction(action string) bool {
	for _, opt := range iv.Options {
		if opt.Action == action {
			return true
		}
	}
	return false
}

// Response is the single human answer to an intervention request (1:1).
type Response struct {
	RequestID   string         `json:"request_id"`
	Action      string         `json:"action"`
	Data        map[string]any `json:"data,omitempty"`
	Feedback    string         `json:"feedback,omitempty"`
	ModifiedSQL string         `json:"modified_sql,omitempty"`
	ResponderID string         `json:"responder_id,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
}

// Filter narrows ListPending results. Zero fields are ignored.
type Filter struct {
	WorkflowID string
	CompanyID  string
}
