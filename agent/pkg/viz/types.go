// Package viz implements the visualization workflow: chart-type
// recommendation, Plotly figure construction, and styling, run as a short
// state machine over the analysis output.
package viz

import (
	"time"
)

// Status is the visualization workflow state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRecommending Status = "recommending"
	StatusCreating     Status = "creating"
	StatusStyling      Status = "styling"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Supported chart types.
const (
	ChartBar     = "bar"
	ChartLine    = "line"
	ChartPie     = "pie"
	ChartArea    = "area"
	ChartScatter = "scatter"
)

// ChartTypes lists the supported chart types in preference order.
func ChartTypes() []string {
	return []string{ChartBar, ChartLine, ChartPie, ChartArea, ChartScatter}
}

// ValidChartType reports whether t is a supported chart type.
func ValidChartType(t string) bool {
	for _, ct := range ChartTypes() {
		if ct == t {
			return true
		}
	}
	return false
}

// Recommendation is the chart-recommendation tool output.
type Recommendation struct {
	ChartType    string   `json:"chartType"`
	XAxis        string   `json:"xAxis"`
	YAxis        []string `json:"yAxis"`
	Reasoning    string   `json:"reasoning"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// State is the accumulating record for one visualization run. Like the
// analysis state, the accumulators are append-only.
type State struct {
	VisualizationID string
	SessionID       string

	// Input
	Query           string
	Data            []map[string]any
	AnalysisSummary string
	Options         map[string]any

	Status Status

	// Recommendation
	RecommendedChartType     string
	RecommendationReasoning  string
	RecommendationConfidence float64
	AlternativeChartTypes    []string

	// Figure
	ChartType string // resolved type; may be pre-specified by the caller
	Figure    *Figure

	// Styling
	Theme              string
	CustomStyleProfile map[string]any
	StyleOverrides     map[string]any
	ChartTemplate      map[string]any

	CreatedAt   time.Time
	CompletedAt *time.Time

	chartInsights []string
	errors        []string
	warnings      []string

	// resolved axis mapping carried from recommendation to figure creation
	recommendation *Recommendation
}

// NewState creates the initial visualization state. A non-empty chartType
// pre-specifies the chart and skips recommendation.
func NewState(visualizationID, sessionID, query string, data []map[string]any, chartType string, opts map[string]any) *State {
	if opts == nil {
		opts = map[string]any{}
	}
	st := &State{
		VisualizationID: visualizationID,
		SessionID:       sessionID,
		Query:           query,
		Data:            data,
		Options:         opts,
		Status:          StatusPending,
		ChartType:       chartType,
		Theme:           "plotly",
		CreatedAt:       time.Now().UTC(),
	}
	if theme, ok := opts["plotly_theme"].(string); ok && theme != "" {
		st.Theme = theme
	}
	if overrides, ok := opts["style_overrides"].(map[string]any); ok {
		st.StyleOverrides = overrides
	}
	return st
}

func (st *State) AppendChartInsights(is ...string) {
	st.chartInsights = append(st.chartInsights, is...)
}
func (st *State) ChartInsights() []string { return copyStrings(st.chartInsights) }

func (st *State) AppendError(e string)   { st.errors = append(st.errors, e) }
func (st *State) Errors() []string       { return copyStrings(st.errors) }
func (st *State) AppendWarning(w string) { st.warnings = append(st.warnings, w) }
func (st *State) Warnings() []string     { return copyStrings(st.warnings) }

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
