package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xentoshi/insight/agent/pkg/workflow"
)

// Config holds the visualization workflow dependencies. Only the logger is
// required; without an LLM the workflow uses rule-based recommendation and
// skips chart insights.
type Config struct {
	Logger      *slog.Logger
	LLM         workflow.LLMClient
	Recommender Recommender
}

// Workflow drives the visualization state machine:
// pending -> recommending -> creating -> styling -> completed, with failed
// terminal. A pre-specified chart type skips recommending.
type Workflow struct {
	log         *slog.Logger
	llm         workflow.LLMClient
	recommender Recommender
}

// New creates a visualization workflow.
func New(cfg *Config) (*Workflow, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	rec := cfg.Recommender
	if rec == nil {
		if cfg.LLM != nil {
			rec = NewLLMRecommender(log, cfg.LLM)
		} else {
			rec = RuleRecommender{}
		}
	}
	return &Workflow{log: log, llm: cfg.LLM, recommender: rec}, nil
}

// Run advances the state to a terminal status. Tool failures are folded into
// the state; the returned error is reserved for context cancellation.
func (w *Workflow) Run(ctx context.Context, st *State) error {
	for !st.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch st.Status {
		case StatusPending:
			st.Status = StatusRecommending
		case StatusRecommending:
			w.stepRecommend(ctx, st)
		case StatusCreating:
			w.stepCreate(st)
		case StatusStyling:
			w.stepStyle(ctx, st)
		default:
			return fmt.Errorf("unknown visualization status %s", st.Status)
		}
	}
	return nil
}

func (w *Workflow) stepRecommend(ctx context.Context, st *State) {
	if st.ChartType != "" {
		// Caller pre-specified the chart; recommendation is skipped.
		if !ValidChartType(st.ChartType) {
			st.AppendError(fmt.Sprintf("unsupported chart type %q", st.ChartType))
			w.fail(st)
			return
		}
		st.RecommendedChartType = st.ChartType
		st.RecommendationReasoning = "User specified chart type"
		st.RecommendationConfidence = 1.0
		st.Status = StatusCreating
		return
	}

	rec, err := w.recommender.RecommendChart(ctx, st.Query, st.Data)
	if err != nil {
		// The rule fallback cannot fail, so this only happens with a custom
		// recommender; degrade the same way.
		w.log.Warn("Chart recommendation failed, using rules", "visualization_id", st.VisualizationID, "error", err)
		st.AppendWarning(fmt.Sprintf("chart recommendation failed: %v", err))
		rec, _ = RuleRecommender{}.RecommendChart(ctx, st.Query, st.Data)
	}

	st.RecommendedChartType = rec.ChartType
	st.RecommendationReasoning = rec.Reasoning
	st.RecommendationConfidence = rec.Confidence
	st.AlternativeChartTypes = rec.Alternatives
	st.ChartType = rec.ChartType
	st.recommendation = rec
	st.Status = StatusCreating
}

func (w *Workflow) stepCreate(st *State) {
	rec := st.recommendation
	if rec == nil {
		// Pre-specified chart type: resolve axes from the data shape.
		x, y := pickAxes(profileColumns(st.Data))
		rec = &Recommendation{ChartType: st.ChartType, XAxis: x, YAxis: y}
		st.recommendation = rec
	}

	fig, err := BuildFigure(st.ChartType, rec, st.Query, st.Data)
	if err != nil {
		// No fallback chart exists; creation failure ends the run.
		st.AppendError(fmt.Sprintf("failed to create figure: %v", err))
		w.fail(st)
		return
	}
	st.Figure = fig
	st.Status = StatusStyling
}

func (w *Workflow) stepStyle(ctx context.Context, st *State) {
	err := ApplyTheme(st.Figure, st.Theme, st.CustomStyleProfile, st.ChartTemplate, st.StyleOverrides)
	if err != nil {
		// Styling never fails the run: keep the default theme and move on.
		w.log.Warn("Styling failed, using default theme", "visualization_id", st.VisualizationID, "error", err)
		st.AppendWarning(fmt.Sprintf("styling failed, using default theme: %v", err))
		if themeErr := ApplyTheme(st.Figure, "plotly", nil, nil, nil); themeErr != nil {
			st.AppendWarning(fmt.Sprintf("default theme failed: %v", themeErr))
		}
	}

	if w.llm != nil && includeInsights(st.Options) {
		insights, err := w.chartInsights(ctx, st)
		if err != nil {
			st.AppendWarning(fmt.Sprintf("chart insight generation failed: %v", err))
		} else {
			st.AppendChartInsights(insights...)
		}
	}

	st.Status = StatusCompleted
	st.stampCompleted()
}

func (w *Workflow) fail(st *State) {
	st.Status = StatusFailed
	st.stampCompleted()
}

func includeInsights(opts map[string]any) bool {
	if v, ok := opts["include_insights"].(bool); ok {
		return v
	}
	return true
}

const chartInsightsSystemPrompt = `You describe a chart to a business user.

Given the user's question, the chart type, and the underlying rows, list the
2-4 most notable observations a reader should take from the chart. Ground
every statement in the rows; never invent numbers.

Respond with JSON only:
{"insights": ["..."]}`

func (w *Workflow) chartInsights(ctx context.Context, st *State) ([]string, error) {
	rows := st.Data
	if len(rows) > 25 {
		rows = rows[:25]
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "User question: %s\n", st.Query)
	fmt.Fprintf(&prompt, "Chart type: %s\n", st.ChartType)
	if st.AnalysisSummary != "" {
		fmt.Fprintf(&prompt, "Analysis summary: %s\n", st.AnalysisSummary)
	}
	fmt.Fprintf(&prompt, "Rows:\n%s", rowsJSON)

	text, _, err := w.llm.Complete(ctx, chartInsightsSystemPrompt, prompt.String())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Insights []string `json:"insights"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chart insights: %w", err)
	}
	return parsed.Insights, nil
}

func (st *State) stampCompleted() {
	if st.CompletedAt == nil {
		now := time.Now().UTC()
		st.CompletedAt = &now
	}
}
