// Package unified composes the analysis and visualization workflows into one
// top-level run: analyze, decide whether to visualize, visualize, aggregate.
package unified

import (
	"encoding/json"
	"time"

	"github.com/xentoshi/insight/agent/pkg/viz"
	"github.com/xentoshi/insight/agent/pkg/workflow"
)

// Stage is the coarse position of a unified run.
type Stage string

const (
	StageInit        Stage = "init"
	StageAnalyzing   Stage = "analyzing"
	StageDeciding    Stage = "deciding"
	StageVisualizing Stage = "visualizing"
	StageAggregating Stage = "aggregating"
	StageCompleted   Stage = "completed"
)

// Final run outcomes.
const (
	OutcomeCompleted      = "completed"
	OutcomePartialSuccess = "partial_success"
	OutcomeFailed         = "failed"
)

// State is the accumulating record for one unified run. WorkflowID is unique
// per execution; ConversationID is stable across a multi-turn conversation
// and keys resumption of suspended runs.
type State struct {
	WorkflowID     string
	ConversationID string

	// Input
	Query     string
	Database  string
	UserID    string
	CompanyID string
	Options   map[string]any

	Stage        Stage
	Outcome      string // set during aggregation
	CurrentAgent string

	// Sub-workflow states
	Analysis      *workflow.State
	Visualization *viz.State

	// Visualization decision
	ShouldVisualize         bool
	VisualizationReasoning  string
	SkipVisualizationReason string
	RecommendedChartType    string

	PartialSuccess bool

	CreatedAt       time.Time
	CompletedAt     *time.Time
	ExecutionTimeMS int64

	// Append-only accumulators, union of both sub-workflows in execution order
	insights        []string
	recommendations []string
	errors          []string
	warnings        []string
	agentsExecuted  []string
}

// NewState creates the initial state for a unified run.
func NewState(workflowID, conversationID, query, database string, opts map[string]any) *State {
	if opts == nil {
		opts = map[string]any{}
	}
	return &State{
		WorkflowID:     workflowID,
		ConversationID: conversationID,
		Query:          query,
		Database:       database,
		Options:        opts,
		Stage:          StageInit,
		CreatedAt:      time.Now().UTC(),
	}
}

func (st *State) AppendInsights(is ...string) { st.insights = append(st.insights, is...) }
func (st *State) Insights() []string          { return copyStrings(st.insights) }

func (st *State) AppendRecommendations(rs ...string) {
	st.recommendations = append(st.recommendations, rs...)
}
func (st *State) Recommendations() []string { return copyStrings(st.recommendations) }

func (st *State) AppendErrors(es ...string)   { st.errors = append(st.errors, es...) }
func (st *State) Errors() []string            { return copyStrings(st.errors) }
func (st *State) AppendWarnings(ws ...string) { st.warnings = append(st.warnings, ws...) }
func (st *State) Warnings() []string          { return copyStrings(st.warnings) }

func (st *State) AppendAgentExecuted(agent string) {
	st.agentsExecuted = append(st.agentsExecuted, agent)
}
func (st *State) AgentsExecuted() []string { return copyStrings(st.agentsExecuted) }

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// stateJSON is the serialized form used for durable checkpoints.
type stateJSON struct {
	WorkflowID     string `json:"workflow_id"`
	ConversationID string `json:"conversation_id,omitempty"`

	Query     string         `json:"query"`
	Database  string         `json:"database"`
	UserID    string         `json:"user_id,omitempty"`
	CompanyID string         `json:"company_id,omitempty"`
	Options   map[string]any `json:"options,omitempty"`

	Stage        Stage  `json:"workflow_stage"`
	Outcome      string `json:"workflow_status,omitempty"`
	CurrentAgent string `json:"current_agent,omitempty"`

	Analysis      *workflow.State `json:"analysis,omitempty"`
	Visualization *vizJSON        `json:"visualization,omitempty"`

	ShouldVisualize         bool   `json:"should_visualize"`
	VisualizationReasoning  string `json:"visualization_reasoning,omitempty"`
	SkipVisualizationReason string `json:"skip_visualization_reason,omitempty"`
	RecommendedChartType    string `json:"recommended_chart_type,omitempty"`

	PartialSuccess bool `json:"partial_success"`

	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`

	Insights        []string `json:"insights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	AgentsExecuted  []string `json:"agents_executed,omitempty"`
}

// vizJSON mirrors the visualization fields that matter after the run; the
// sub-workflow is never suspended, so only its results are persisted.
type vizJSON struct {
	VisualizationID string      `json:"visualization_id"`
	Status          viz.Status  `json:"workflow_status"`
	ChartType       string      `json:"chart_type,omitempty"`
	Figure          *viz.Figure `json:"plotly_figure,omitempty"`
	ChartInsights   []string    `json:"chart_insights,omitempty"`
}

// MarshalJSON serializes the full state including the accumulators.
func (st *State) MarshalJSON() ([]byte, error) {
	var v *vizJSON
	if st.Visualization != nil {
		v = &vizJSON{
			VisualizationID: st.Visualization.VisualizationID,
			Status:          st.Visualization.Status,
			ChartType:       st.Visualization.ChartType,
			Figure:          st.Visualization.Figure,
			ChartInsights:   st.Visualization.ChartInsights(),
		}
	}
	return json.Marshal(stateJSON{
		WorkflowID:              st.WorkflowID,
		ConversationID:          st.ConversationID,
		Query:                   st.Query,
		Database:                st.Database,
		UserID:                  st.UserID,
		CompanyID:               st.CompanyID,
		Options:                 st.Options,
		Stage:                   st.Stage,
		Outcome:                 st.Outcome,
		CurrentAgent:            st.CurrentAgent,
		Analysis:                st.Analysis,
		Visualization:           v,
		ShouldVisualize:         st.ShouldVisualize,
		VisualizationReasoning:  st.VisualizationReasoning,
		SkipVisualizationReason: st.SkipVisualizationReason,
		RecommendedChartType:    st.RecommendedChartType,
		PartialSuccess:          st.PartialSuccess,
		CreatedAt:               st.CreatedAt,
		CompletedAt:             st.CompletedAt,
		ExecutionTimeMS:         st.ExecutionTimeMS,
		Insights:                st.insights,
		Recommendations:         st.recommendations,
		Errors:                  st.errors,
		Warnings:                st.warnings,
		AgentsExecuted:          st.agentsExecuted,
	})
}

// UnmarshalJSON restores a checkpointed state.
func (st *State) UnmarshalJSON(data []byte) error {
	var s stateJSON
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*st = State{
		WorkflowID:              s.WorkflowID,
		ConversationID:          s.ConversationID,
		Query:                   s.Query,
		Database:                s.Database,
		UserID:                  s.UserID,
		CompanyID:               s.CompanyID,
		Options:                 s.Options,
		Stage:                   s.Stage,
		Outcome:                 s.Outcome,
		CurrentAgent:            s.CurrentAgent,
		Analysis:                s.Analysis,
		ShouldVisualize:         s.ShouldVisualize,
		VisualizationReasoning:  s.VisualizationReasoning,
		SkipVisualizationReason: s.SkipVisualizationReason,
		RecommendedChartType:    s.RecommendedChartType,
		PartialSuccess:          s.PartialSuccess,
		CreatedAt:               s.CreatedAt,
		CompletedAt:             s.CompletedAt,
		ExecutionTimeMS:         s.ExecutionTimeMS,
		insights:                s.Insights,
		recommendations:         s.Recommendations,
		errors:                  s.Errors,
		warnings:                s.Warnings,
		agentsExecuted:          s.AgentsExecuted,
	}
	if s.Visualization != nil {
		vst := &viz.State{
			VisualizationID: s.Visualization.VisualizationID,
			SessionID:       s.WorkflowID,
			Status:          s.Visualization.Status,
			ChartType:       s.Visualization.ChartType,
			Figure:          s.Visualization.Figure,
		}
		vst.AppendChartInsights(s.Visualization.ChartInsights...)
		st.Visualization = vst
	}
	return nil
}

// PendingRequestID returns the analysis sub-run's pending intervention, if
// the run is suspended.
func (st *State) PendingRequestID() string {
	if st.Analysis == nil {
		return ""
	}
	return st.Analysis.PendingRequestID
}
