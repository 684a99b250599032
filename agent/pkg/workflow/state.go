package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the analysis workflow state. It moves forward only; the sole
// loop is the in-place retry of exploring_schema and generating_sql.
type Status string

const (
	StatusCreated             Status = "created"
	StatusExploringSchema     Status = "exploring_schema"
	StatusGeneratingSQL       Status = "generating_sql"
	StatusValidating          Status = "validating"
	StatusAwaitingHumanReview Status = "awaiting_human_review"
	StatusExecuting           Status = "executing"
	StatusAnalyzingResults    Status = "analyzing_results"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions enumerates the state graph. failed is reachable from any
// non-terminal state and is handled separately in transition.
var validTransitions = map[Status][]Status{
	StatusCreated:             {StatusExploringSchema, StatusCompleted},
	StatusExploringSchema:     {StatusGeneratingSQL},
	StatusGeneratingSQL:       {StatusValidating, StatusAwaitingHumanReview},
	StatusValidating:          {StatusExecuting, StatusAwaitingHumanReview},
	StatusAwaitingHumanReview: {StatusValidating, StatusExecuting},
	StatusExecuting:           {StatusAnalyzingResults},
	StatusAnalyzingResults:    {StatusCompleted},
}

// State is the accumulating record for one analysis run. Append-only fields
// are unexported; the Append* methods are the only mutation path, so they can
// grow but never shrink or get overwritten.
type State struct {
	SessionID string
	UserID    string
	CompanyID string

	// Input
	Query    string
	Database string
	Options  map[string]any

	// Intent classification
	QueryIntent      string
	IntentConfidence float64
	IntentReasoning  string
	IntentRejection  bool

	// Schema
	Schema *Schema

	// SQL generation
	GeneratedSQL     string
	Intent           string
	Confidence       float64
	Explanation      string
	NeedsHumanReview bool

	// Validation
	SQLValid bool

	// Human review
	PendingRequestID string
	ReviewReason     string

	// Execution
	QuerySuccess    bool
	QueryData       []map[string]any
	RowCount        int
	ExecutionTimeMS int64
	QueryError      string

	// Analysis
	AnalysisResults *Analysis

	// Response for non-analysis queries
	FinalMessage string

	// Workflow control
	Status     Status
	RetryCount int

	// Metadata
	TotalTokensUsed int
	StartedAt       time.Time
	CompletedAt     *time.Time

	// Append-only accumulators
	tablesUsed           []string
	warnings             []string
	errors               []string
	validationErrors     []string
	validationWarnings   []string
	insights             []string
	recommendations      []string
	interventions        []InterventionRecord
	interventionOutcomes []string
}

// InterventionRecord is the state's embedded snapshot of one human review
// request and how it resolved.
type InterventionRecord struct {
	RequestID string    `json:"request_id"`
	Type      string    `json:"intervention_type"`
	Required  bool      `json:"required"`
	CreatedAt time.Time `json:"created_at"`
}

// NewState creates the initial state for an analysis run.
func NewState(sessionID, query, database string, opts map[string]any) *State {
	if opts == nil {
		opts = map[string]any{}
	}
	return &State{
		SessionID: sessionID,
		Query:     query,
		Database:  database,
		Options:   opts,
		Status:    StatusCreated,
		StartedAt: time.Now().UTC(),
	}
}

// transition moves the state machine forward, rejecting any edge not in the
// graph. failed is always reachable; terminal states never leave.
func (st *State) transition(to Status) error {
	if st.Status.Terminal() {
		return fmt.Errorf("invalid transition: %s is terminal", st.Status)
	}
	if to == StatusFailed {
		st.Status = StatusFailed
		st.stampCompleted()
		return nil
	}
	for _, next := range validTransitions[st.Status] {
		if next == to {
			st.Status = to
			if to.Terminal() {
				st.stampCompleted()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid transition: %s -> %s", st.Status, to)
}

func (st *State) stampCompleted() {
	if st.CompletedAt == nil {
		now := time.Now().UTC()
		st.CompletedAt = &now
	}
}

// Append-only accessors. Each returns a copy so callers cannot mutate the
// underlying slice.

func (st *State) AppendTablesUsed(tables ...string) { st.tablesUsed = append(st.tablesUsed, tables...) }
func (st *State) TablesUsed() []string              { return copySlice(st.tablesUsed) }

func (st *State) AppendWarning(w string)      { st.warnings = append(st.warnings, w) }
func (st *State) AppendWarnings(ws ...string) { st.warnings = append(st.warnings, ws...) }
func (st *State) Warnings() []string          { return copySlice(st.warnings) }

func (st *State) AppendError(e string) { st.errors = append(st.errors, e) }
func (st *State) Errors() []string     { return copySlice(st.errors) }

func (st *State) AppendValidationErrors(es ...string) {
	st.validationErrors = append(st.validationErrors, es...)
}
func (st *State) ValidationErrors() []string { return copySlice(st.validationErrors) }

func (st *State) AppendValidationWarnings(ws ...string) {
	st.validationWarnings = append(st.validationWarnings, ws...)
}
func (st *State) ValidationWarnings() []string { return copySlice(st.validationWarnings) }

func (st *State) AppendInsights(is ...string) { st.insights = append(st.insights, is...) }
func (st *State) Insights() []string          { return copySlice(st.insights) }

func (st *State) AppendRecommendations(rs ...string) {
	st.recommendations = append(st.recommendations, rs...)
}
func (st *State) Recommendations() []string { return copySlice(st.recommendations) }

func (st *State) AppendIntervention(rec InterventionRecord) {
	st.interventions = append(st.interventions, rec)
}
func (st *State) Interventions() []InterventionRecord {
	out := make([]InterventionRecord, len(st.interventions))
	copy(out, st.interventions)
	return out
}

func (st *State) AppendInterventionOutcome(outcome string) {
	st.interventionOutcomes = append(st.interventionOutcomes, outcome)
}
func (st *State) InterventionOutcomes() []string { return copySlice(st.interventionOutcomes) }

func copySlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// stateJSON is the serialized form used for durable checkpoints.
type stateJSON struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`

	Query    string         `json:"query"`
	Database string         `json:"database"`
	Options  map[string]any `json:"options,omitempty"`

	QueryIntent      string  `json:"query_intent,omitempty"`
	IntentConfidence float64 `json:"intent_confidence,omitempty"`
	IntentReasoning  string  `json:"intent_reasoning,omitempty"`
	IntentRejection  bool    `json:"intent_rejection,omitempty"`

	Schema *Schema `json:"schema,omitempty"`

	GeneratedSQL     string  `json:"generated_sql,omitempty"`
	Intent           string  `json:"intent,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Explanation      string  `json:"explanation,omitempty"`
	NeedsHumanReview bool    `json:"needs_human_review"`

	SQLValid bool `json:"sql_valid"`

	PendingRequestID string `json:"pending_request_id,omitempty"`
	ReviewReason     string `json:"review_reason,omitempty"`

	QuerySuccess    bool             `json:"query_success"`
	QueryData       []map[string]any `json:"query_data,omitempty"`
	RowCount        int              `json:"row_count"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
	QueryError      string           `json:"query_error,omitempty"`

	AnalysisResults *Analysis `json:"analysis_results,omitempty"`

	FinalMessage string `json:"final_message,omitempty"`

	Status     Status `json:"workflow_status"`
	RetryCount int    `json:"retry_count"`

	TotalTokensUsed int        `json:"total_tokens_used"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	TablesUsed           []string             `json:"tables_used,omitempty"`
	Warnings             []string             `json:"warnings,omitempty"`
	Errors               []string             `json:"errors,omitempty"`
	ValidationErrors     []string             `json:"validation_errors,omitempty"`
	ValidationWarnings   []string             `json:"validation_warnings,omitempty"`
	Insights             []string             `json:"insights,omitempty"`
	Recommendations      []string             `json:"recommendations,omitempty"`
	Interventions        []InterventionRecord `json:"human_interventions,omitempty"`
	InterventionOutcomes []string             `json:"intervention_outcomes,omitempty"`
}

// MarshalJSON serializes the full state including the accumulators.
func (st *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		SessionID:            st.SessionID,
		UserID:               st.UserID,
		CompanyID:            st.CompanyID,
		Query:                st.Query,
		Database:             st.Database,
		Options:              st.Options,
		QueryIntent:          st.QueryIntent,
		IntentConfidence:     st.IntentConfidence,
		IntentReasoning:      st.IntentReasoning,
		IntentRejection:      st.IntentRejection,
		Schema:               st.Schema,
		GeneratedSQL:         st.GeneratedSQL,
		Intent:               st.Intent,
		Confidence:           st.Confidence,
		Explanation:          st.Explanation,
		NeedsHumanReview:     st.NeedsHumanReview,
		SQLValid:             st.SQLValid,
		PendingRequestID:     st.PendingRequestID,
		ReviewReason:         st.ReviewReason,
		QuerySuccess:         st.QuerySuccess,
		QueryData:            st.QueryData,
		RowCount:             st.RowCount,
		ExecutionTimeMS:      st.ExecutionTimeMS,
		QueryError:           st.QueryError,
		AnalysisResults:      st.AnalysisResults,
		FinalMessage:         st.FinalMessage,
		Status:               st.Status,
		RetryCount:           st.RetryCount,
		TotalTokensUsed:      st.TotalTokensUsed,
		StartedAt:            st.StartedAt,
		CompletedAt:          st.CompletedAt,
		TablesUsed:           st.tablesUsed,
		Warnings:             st.warnings,
		Errors:               st.errors,
		ValidationErrors:     st.validationErrors,
		ValidationWarnings:   st.validationWarnings,
		Insights:             st.insights,
		Recommendations:      st.recommendations,
		Interventions:        st.interventions,
		InterventionOutcomes: st.interventionOutcomes,
	})
}

// UnmarshalJSON restores a checkpointed state.
func (st *State) UnmarshalJSON(data []byte) error {
	var s stateJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*st = State{
		SessionID:            s.SessionID,
		UserID:               s.UserID,
		CompanyID:            s.CompanyID,
		Query:                s.Query,
		Database:             s.Database,
		Options:              s.Options,
		QueryIntent:          s.QueryIntent,
		IntentConfidence:     s.IntentConfidence,
		IntentReasoning:      s.IntentReasoning,
		IntentRejection:      s.IntentRejection,
		Schema:               s.Schema,
		GeneratedSQL:         s.GeneratedSQL,
		Intent:               s.Intent,
		Confidence:           s.Confidence,
		Explanation:          s.Explanation,
		NeedsHumanReview:     s.NeedsHumanReview,
		SQLValid:             s.SQLValid,
		PendingRequestID:     s.PendingRequestID,
		ReviewReason:         s.ReviewReason,
		QuerySuccess:         s.QuerySuccess,
		QueryData:            s.QueryData,
		RowCount:             s.RowCount,
		ExecutionTimeMS:      s.ExecutionTimeMS,
		QueryError:           s.QueryError,
		AnalysisResults:      s.AnalysisResults,
		FinalMessage:         s.FinalMessage,
		Status:               s.Status,
		RetryCount:           s.RetryCount,
		TotalTokensUsed:      s.TotalTokensUsed,
		StartedAt:            s.StartedAt,
		CompletedAt:          s.CompletedAt,
		tablesUsed:           s.TablesUsed,
		warnings:             s.Warnings,
		errors:               s.Errors,
		validationErrors:     s.ValidationErrors,
		validationWarnings:   s.ValidationWarnings,
		insights:             s.Insights,
		recommendations:      s.Recommendations,
		interventions:        s.Interventions,
		interventionOutcomes: s.InterventionOutcomes,
	}
	return nil
}
