package viz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func monthlyRevenue() []map[string]any {
	return []map[string]any{
		{"month": "2026-01-01", "revenue": 1200.0},
		{"month": "2026-02-01", "revenue": 1350.5},
		{"month": "2026-03-01", "revenue": 980.25},
	}
}

func regionCounts() []map[string]any {
	return []map[string]any{
		{"region": "EMEA", "orders": 41},
		{"region": "APAC", "orders": 33},
		{"region": "AMER", "orders": 58},
	}
}

type fixedRecommender struct {
	rec *Recommendation
	err error
}

func (f *fixedRecommender) RecommendChart(context.Context, string, []map[string]any) (*Recommendation, error) {
	return f.rec, f.err
}

func TestRunCompletesWithRecommendation(t *testing.T) {
	w, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "monthly revenue trend", monthlyRevenue(), "", nil)
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, ChartLine, st.ChartType)
	assert.Equal(t, ChartLine, st.RecommendedChartType)
	assert.Positive(t, st.RecommendationConfidence)
	require.NotNil(t, st.Figure)
	require.Len(t, st.Figure.Data, 1)
	assert.Equal(t, "scatter", st.Figure.Data[0].Type)
	assert.Equal(t, "lines", st.Figure.Data[0].Mode)
	assert.Equal(t, "plotly", st.Figure.Layout.Template)
	assert.NotNil(t, st.CompletedAt)
	assert.Empty(t, st.Errors())
}

func TestPreSpecifiedChartTypeSkipsRecommendation(t *testing.T) {
	failing := &fixedRecommender{err: errors.New("must not be called")}
	w, err := New(&Config{Logger: testLogger(), Recommender: failing})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "orders by region", regionCounts(), ChartBar, nil)
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, ChartBar, st.ChartType)
	assert.Equal(t, "User specified chart type", st.RecommendationReasoning)
	assert.Equal(t, 1.0, st.RecommendationConfidence)
	require.NotNil(t, st.Figure)
	assert.Equal(t, "bar", st.Figure.Data[0].Type)
	assert.Empty(t, st.Warnings())
}

func TestRecommenderFailureDegradesToRules(t *testing.T) {
	w, err := New(&Config{Logger: testLogger(), Recommender: &fixedRecommender{err: errors.New("llm down")}})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "orders by region", regionCounts(), "", nil)
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, ChartBar, st.ChartType)
	assert.NotEmpty(t, st.Warnings())
}

func TestCreationFailureIsTerminal(t *testing.T) {
	w, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "anything", nil, ChartBar, nil)
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusFailed, st.Status)
	assert.Nil(t, st.Figure)
	assert.NotEmpty(t, st.Errors())
	assert.NotNil(t, st.CompletedAt)
}

func TestUnsupportedPreSpecifiedChartFails(t *testing.T) {
	w, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "anything", regionCounts(), "treemap", nil)
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Errors()[0], "treemap")
}

func TestStylingFailureDegradesToDefaultTheme(t *testing.T) {
	w, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "orders by region", regionCounts(), ChartBar,
		map[string]any{"plotly_theme": "solarized"})
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	require.NotEmpty(t, st.Warnings())
	assert.Contains(t, st.Warnings()[0], "using default theme")
	assert.Equal(t, "plotly", st.Figure.Layout.Template)
}

func TestStyleOverridesWinOverTheme(t *testing.T) {
	w, err := New(&Config{Logger: testLogger()})
	require.NoError(t, err)

	st := NewState("viz-1", "sess-1", "orders by region", regionCounts(), ChartBar, map[string]any{
		"plotly_theme":    "plotly_dark",
		"style_overrides": map[string]any{"paper_bgcolor": "#222244", "watermark": "ACME"},
	})
	require.NoError(t, w.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "plotly_dark", st.Figure.Layout.Template)
	assert.Equal(t, "#222244", st.Figure.Layout.PaperBGColor)
	require.Len(t, st.Figure.Layout.Annotations, 1)
	assert.Equal(t, "ACME", st.Figure.Layout.Annotations[0]["text"])
	assert.Empty(t, st.Warnings())
}

func TestRuleRecommenderPicksPieForBreakdowns(t *testing.T) {
	rec, err := RuleRecommender{}.RecommendChart(context.Background(), "breakdown of orders by region", regionCounts())
	require.NoError(t, err)
	assert.Equal(t, ChartPie, rec.ChartType)
	assert.Equal(t, "region", rec.XAxis)
	assert.Equal(t, []string{"orders"}, rec.YAxis)
}

func TestRuleRecommenderPicksScatterForNumericPairs(t *testing.T) {
	data := []map[string]any{
		{"price": 9.5, "quantity": 12.0},
		{"price": 14.0, "quantity": 7.0},
	}
	rec, err := RuleRecommender{}.RecommendChart(context.Background(), "price vs quantity", data)
	require.NoError(t, err)
	assert.Equal(t, ChartScatter, rec.ChartType)
}

func TestBuildFigurePie(t *testing.T) {
	fig, err := BuildFigure(ChartPie, &Recommendation{XAxis: "region", YAxis: []string{"orders"}}, "orders", regionCounts())
	require.NoError(t, err)
	require.Len(t, fig.Data, 1)
	assert.Equal(t, "pie", fig.Data[0].Type)
	assert.Len(t, fig.Data[0].Labels, 3)
	assert.Len(t, fig.Data[0].Values, 3)
}

func TestBuildFigureRejectsEmptyData(t *testing.T) {
	_, err := BuildFigure(ChartBar, &Recommendation{XAxis: "region", YAxis: []string{"orders"}}, "orders", nil)
	assert.Error(t, err)
}
