package unified

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/agent/pkg/viz"
	"github.com/xentoshi/insight/agent/pkg/workflow"
)

// Progress reports a stage change of a unified run.
type Progress struct {
	Stage          Stage           `json:"stage"`
	AnalysisStatus workflow.Status `json:"analysis_status,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
}

// ProgressCallback is invoked on stage changes. May be nil.
type ProgressCallback func(Progress)

// CheckpointCallback persists the unified state. Same durability contract as
// the analysis engine: tolerated everywhere except at the suspension point.
type CheckpointCallback func(st *State) error

// Config holds the orchestrator dependencies. Engine is required; the
// visualization workflow and decision LLM default from the engine's config.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Engine        *workflow.Engine
	Visualization *viz.Workflow

	// DecisionLLM judges whether a chart helps; nil means rules only.
	DecisionLLM workflow.LLMClient
}

// Orchestrator composes the analysis and visualization workflows into one
// top-level run with a single suspension point (the analysis review).
type Orchestrator struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   *Config
}

// New creates an orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("analysis engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Visualization == nil {
		w, err := viz.New(&viz.Config{Logger: cfg.Logger, LLM: cfg.DecisionLLM})
		if err != nil {
			return nil, err
		}
		cfg.Visualization = w
	}
	return &Orchestrator{log: cfg.Logger, clock: cfg.Clock, cfg: cfg}, nil
}

// Request is the caller input for one unified run.
type Request struct {
	Query          string
	Database       string
	UserID         string
	CompanyID      string
	ConversationID string
	Options        map[string]any
}

// Execute starts a new unified run. The returned state carries the workflow
// ID; a non-nil suspension means the run is parked on a human review.
func (o *Orchestrator) Execute(ctx context.Context, req *Request, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*State, *workflow.Suspension, error) {
	st := NewState(uuid.NewString(), req.ConversationID, req.Query, req.Database, req.Options)
	st.UserID = req.UserID
	st.CompanyID = req.CompanyID
	susp, err := o.Run(ctx, st, onProgress, onCheckpoint)
	return st, susp, err
}

// Run advances a unified run from its current stage to a terminal stage or a
// suspension. Safe to call again on a restored state after a crash.
func (o *Orchestrator) Run(ctx context.Context, st *State, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*workflow.Suspension, error) {
	for st.Stage != StageCompleted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch st.Stage {
		case StageInit:
			st.Stage = StageAnalyzing

		case StageAnalyzing:
			susp, err := o.stepAnalyze(ctx, st, onProgress, onCheckpoint)
			if err != nil {
				return nil, err
			}
			if susp != nil {
				return susp, nil
			}

		case StageDeciding:
			o.stepDecide(ctx, st)

		case StageVisualizing:
			o.stepVisualize(ctx, st)

		case StageAggregating:
			o.stepAggregate(st)

		default:
			return nil, fmt.Errorf("unknown workflow stage %s", st.Stage)
		}

		o.notifyProgress(onProgress, st)
		o.checkpoint(onCheckpoint, st)
	}
	return nil, nil
}

// Resume applies a resolved intervention to a suspended run and continues it.
func (o *Orchestrator) Resume(ctx context.Context, st *State, iv *hitl.Intervention, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*workflow.Suspension, error) {
	if st.Stage != StageAnalyzing || st.Analysis == nil {
		return nil, fmt.Errorf("workflow %s is not suspended in analysis", st.WorkflowID)
	}

	susp, err := o.cfg.Engine.Resume(ctx, st.Analysis, iv,
		o.analysisProgress(onProgress, st), o.analysisCheckpoint(onCheckpoint, st))
	if err != nil {
		return nil, err
	}
	if susp != nil {
		return susp, nil
	}

	o.mergeAnalysis(st)
	return o.Run(ctx, st, onProgress, onCheckpoint)
}

func (o *Orchestrator) stepAnalyze(ctx context.Context, st *State, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*workflow.Suspension, error) {
	st.CurrentAgent = "analysis"
	if st.Analysis == nil {
		st.Analysis = workflow.NewState(st.WorkflowID, st.Query, st.Database, st.Options)
		st.Analysis.UserID = st.UserID
		st.Analysis.CompanyID = st.CompanyID
	}

	ctx = workflow.ContextWithWorkflowIDs(ctx, st.ConversationID, st.WorkflowID)
	susp, err := o.cfg.Engine.Run(ctx, st.Analysis,
		o.analysisProgress(onProgress, st), o.analysisCheckpoint(onCheckpoint, st))
	if err != nil {
		return nil, err
	}
	if susp != nil {
		return susp, nil
	}

	o.mergeAnalysis(st)
	return nil, nil
}

// mergeAnalysis folds the finished analysis sub-run into the unified state
// and moves to the decision stage.
func (o *Orchestrator) mergeAnalysis(st *State) {
	a := st.Analysis
	st.AppendAgentExecuted("analysis")
	st.AppendInsights(a.Insights()...)
	st.AppendRecommendations(a.Recommendations()...)
	st.AppendWarnings(a.Warnings()...)
	st.AppendErrors(a.Errors()...)
	st.Stage = StageDeciding
}

const decideSystemPrompt = `You are a data visualization expert. Determine if a visualization would add value.

Guidelines:
- Visualize if: trends, comparisons, distributions, patterns, or relationships would be clearer in a chart
- Don't visualize if: simple data lookup, metadata query, or a single aggregation
- Don't visualize if: data is too sparse or unsuitable for charts

Respond with JSON only:
{"should_visualize": true, "reasoning": "one sentence", "suggested_chart_type": "bar|line|pie|area|scatter or null"}`

func (o *Orchestrator) stepDecide(ctx context.Context, st *State) {
	a := st.Analysis

	// Rule gates first; the LLM only refines the remaining cases.
	switch {
	case a.Status == workflow.StatusFailed || !a.QuerySuccess:
		o.skipVisualization(st, "Analysis query failed")
		return
	case a.RowCount == 0 || len(a.QueryData) == 0:
		o.skipVisualization(st, "No data to visualize")
		return
	case !autoVisualize(st.Options):
		o.skipVisualization(st, "Auto-visualization disabled by user")
		return
	case a.RowCount == 1 && len(a.QueryData[0]) == 1:
		o.skipVisualization(st, "Single scalar value - visualization not helpful")
		return
	}

	if o.cfg.DecisionLLM == nil {
		st.ShouldVisualize = true
		st.VisualizationReasoning = "Visualization recommended"
		st.Stage = StageVisualizing
		return
	}

	decision, err := o.llmDecision(ctx, st)
	if err != nil {
		// Bias toward visualizing when the judge is unavailable.
		o.log.Warn("Visualization decision failed, defaulting to visualize", "workflow_id", st.WorkflowID, "error", err)
		st.AppendWarnings(fmt.Sprintf("visualization decision failed: %v", err))
		st.ShouldVisualize = true
		st.VisualizationReasoning = "LLM decision unavailable, defaulting to visualize"
		st.Stage = StageVisualizing
		return
	}

	st.ShouldVisualize = decision.ShouldVisualize
	st.VisualizationReasoning = decision.Reasoning
	if decision.SuggestedChartType != "" && viz.ValidChartType(decision.SuggestedChartType) {
		st.RecommendedChartType = decision.SuggestedChartType
	}
	if decision.ShouldVisualize {
		st.Stage = StageVisualizing
	} else {
		st.SkipVisualizationReason = decision.Reasoning
		st.Stage = StageAggregating
	}
}

func (o *Orchestrator) skipVisualization(st *State, reason string) {
	o.log.Info("Skipping visualization", "workflow_id", st.WorkflowID, "reason", reason)
	st.ShouldVisualize = false
	st.SkipVisualizationReason = reason
	st.Stage = StageAggregating
}

type vizDecision struct {
	ShouldVisualize    bool   `json:"should_visualize"`
	Reasoning          string `json:"reasoning"`
	SuggestedChartType string `json:"suggested_chart_type"`
}

func (o *Orchestrator) llmDecision(ctx context.Context, st *State) (*vizDecision, error) {
	a := st.Analysis
	columns := columnNames(a.QueryData)

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "User question: %s\n", st.Query)
	fmt.Fprintf(&prompt, "Rows: %d\nColumns: %s\n", a.RowCount, strings.Join(columns, ", "))
	if a.AnalysisResults != nil {
		fmt.Fprintf(&prompt, "Analysis summary: %s\n", a.AnalysisResults.Summary)
	}

	text, _, err := o.cfg.DecisionLLM.Complete(ctx, decideSystemPrompt, prompt.String())
	if err != nil {
		return nil, err
	}

	var decision vizDecision
	if err := json.Unmarshal([]byte(extractJSON(text)), &decision); err != nil {
		return nil, fmt.Errorf("failed to parse visualization decision: %w", err)
	}
	return &decision, nil
}

func (o *Orchestrator) stepVisualize(ctx context.Context, st *State) {
	st.CurrentAgent = "visualization"
	a := st.Analysis

	chartType, _ := st.Options["chart_type"].(string)
	if chartType == "" {
		chartType = st.RecommendedChartType
	}

	summary := ""
	if a.AnalysisResults != nil {
		summary = a.AnalysisResults.Summary
	}

	vst := viz.NewState(uuid.NewString(), st.WorkflowID, st.Query, a.QueryData, chartType, st.Options)
	vst.AnalysisSummary = summary
	st.Visualization = vst

	if err := o.cfg.Visualization.Run(ctx, vst); err != nil || vst.Status == viz.StatusFailed {
		// Visualization failure never invalidates the analysis result.
		if err == nil {
			err = fmt.Errorf("%s", strings.Join(vst.Errors(), "; "))
		}
		o.log.Warn("Visualization failed, returning analysis only", "workflow_id", st.WorkflowID, "error", err)
		st.PartialSuccess = true
		st.AppendErrors(fmt.Sprintf("visualization failed: %v", err))
		st.AppendWarnings("Visualization failed, returning analysis results only")
		st.Stage = StageAggregating
		return
	}

	st.AppendAgentExecuted("visualization")
	st.AppendInsights(vst.ChartInsights()...)
	st.AppendWarnings(vst.Warnings()...)
	st.Stage = StageAggregating
}

func (o *Orchestrator) stepAggregate(st *State) {
	now := o.clock.Now().UTC()
	st.CompletedAt = &now
	st.ExecutionTimeMS = now.Sub(st.CreatedAt).Milliseconds()

	analysisFailed := st.Analysis != nil && st.Analysis.Status == workflow.StatusFailed
	switch {
	case analysisFailed:
		st.PartialSuccess = false
		st.Outcome = OutcomeFailed
	case st.PartialSuccess:
		st.Outcome = OutcomePartialSuccess
	default:
		st.Outcome = OutcomeCompleted
	}
	st.CurrentAgent = ""
	st.Stage = StageCompleted

	o.log.Info("Unified workflow finished",
		"workflow_id", st.WorkflowID,
		"outcome", st.Outcome,
		"agents", st.AgentsExecuted(),
		"execution_time_ms", st.ExecutionTimeMS)
}

func (o *Orchestrator) notifyProgress(onProgress ProgressCallback, st *State) {
	if onProgress == nil {
		return
	}
	p := Progress{Stage: st.Stage}
	if st.Analysis != nil {
		p.AnalysisStatus = st.Analysis.Status
		p.RequestID = st.Analysis.PendingRequestID
	}
	onProgress(p)
}

func (o *Orchestrator) checkpoint(onCheckpoint CheckpointCallback, st *State) {
	if onCheckpoint == nil {
		return
	}
	if err := onCheckpoint(st); err != nil {
		o.log.Warn("Failed to checkpoint unified state", "workflow_id", st.WorkflowID, "stage", st.Stage, "error", err)
	}
}

// analysisProgress adapts the engine's progress callback to the unified one.
func (o *Orchestrator) analysisProgress(onProgress ProgressCallback, st *State) workflow.ProgressCallback {
	if onProgress == nil {
		return nil
	}
	return func(p workflow.Progress) {
		onProgress(Progress{Stage: st.Stage, AnalysisStatus: p.Status, RequestID: p.RequestID})
	}
}

// analysisCheckpoint persists the whole unified state whenever the analysis
// sub-run checkpoints, so the suspension durability contract carries through.
func (o *Orchestrator) analysisCheckpoint(onCheckpoint CheckpointCallback, st *State) workflow.CheckpointCallback {
	if onCheckpoint == nil {
		return nil
	}
	return func(*workflow.State) error {
		return onCheckpoint(st)
	}
}

func autoVisualize(opts map[string]any) bool {
	if v, ok := opts["auto_visualize"].(bool); ok {
		return v
	}
	return true
}

func columnNames(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	names := make([]string, 0, len(rows[0]))
	for name := range rows[0] {
		names = append(names, name)
	}
	return names
}

// extractJSON strips markdown fences from an LLM response.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```json"); idx != -1 {
		text = text[idx+len("```json"):]
	} else if idx := strings.Index(text, "```"); idx != -1 {
		text = text[idx+3:]
	}
	if idx := strings.Index(text, "```"); idx != -1 {
		text = text[:idx]
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start != -1 && end > start {
			text = text[start : end+1]
		}
	}
	return text
}
