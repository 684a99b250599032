package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/xentoshi/insight/agent/pkg/workflow"
)

// Recommender picks a chart type for a result set.
type Recommender interface {
	RecommendChart(ctx context.Context, query string, data []map[string]any) (*Recommendation, error)
}

// columnKind classifies a result column for chart selection.
type columnKind int

const (
	kindNumeric columnKind = iota
	kindTemporal
	kindCategorical
)

type columnProfile struct {
	Name        string
	Kind        columnKind
	UniqueCount int
}

// profileColumns classifies each column from the row values. Column order
// follows the first row's key order sorted for determinism.
func profileColumns(data []map[string]any) []columnProfile {
	if len(data) == 0 {
		return nil
	}

	names := make([]string, 0, len(data[0]))
	for name := range data[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]columnProfile, 0, len(names))
	for _, name := range names {
		p := columnProfile{Name: name, Kind: kindCategorical}
		unique := map[string]struct{}{}
		numeric, temporal, nonNull := 0, 0, 0
		for _, row := range data {
			v, ok := row[name]
			if !ok || v == nil {
				continue
			}
			nonNull++
			unique[fmt.Sprintf("%v", v)] = struct{}{}
			if isNumeric(v) {
				numeric++
			}
			if isTemporal(v) {
				temporal++
			}
		}
		p.UniqueCount = len(unique)
		switch {
		case nonNull > 0 && temporal == nonNull:
			p.Kind = kindTemporal
		case nonNull > 0 && numeric == nonNull:
			p.Kind = kindNumeric
		}
		profiles = append(profiles, p)
	}
	return profiles
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func isTemporal(v any) bool {
	switch val := v.(type) {
	case time.Time:
		return true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if _, err := time.Parse(layout, val); err == nil {
				return true
			}
		}
	}
	return false
}

// pickAxes chooses default X and Y columns: prefer a temporal X, then a
// categorical one; Y is every numeric column.
func pickAxes(profiles []columnProfile) (x string, y []string) {
	for _, p := range profiles {
		if p.Kind == kindTemporal {
			x = p.Name
			break
		}
	}
	if x == "" {
		for _, p := range profiles {
			if p.Kind == kindCategorical {
				x = p.Name
				break
			}
		}
	}
	if x == "" && len(profiles) > 0 {
		x = profiles[0].Name
	}
	for _, p := range profiles {
		if p.Kind == kindNumeric && p.Name != x {
			y = append(y, p.Name)
		}
	}
	return x, y
}

// RuleRecommender picks a chart type from the data shape alone. It is the
// fallback when no LLM is configured or the LLM call fails, and it never
// returns an error.
type RuleRecommender struct{}

func (RuleRecommender) RecommendChart(_ context.Context, query string, data []map[string]any) (*Recommendation, error) {
	profiles := profileColumns(data)
	x, y := pickAxes(profiles)

	var numeric, categorical, temporal int
	var catUnique int
	for _, p := range profiles {
		switch p.Kind {
		case kindNumeric:
			numeric++
		case kindCategorical:
			categorical++
			if p.Name == x {
				catUnique = p.UniqueCount
			}
		case kindTemporal:
			temporal++
		}
	}

	q := strings.ToLower(query)
	switch {
	case temporal >= 1 && numeric >= 1:
		chart := ChartLine
		if strings.Contains(q, "cumulative") || strings.Contains(q, "total over") {
			chart = ChartArea
		}
		return &Recommendation{
			ChartType:    chart,
			XAxis:        x,
			YAxis:        y,
			Reasoning:    "temporal axis with numeric values",
			Confidence:   0.85,
			Alternatives: []string{ChartArea, ChartBar},
		}, nil

	case categorical >= 1 && numeric >= 1 && catUnique > 0 && catUnique <= 10 &&
		(strings.Contains(q, "share") || strings.Contains(q, "proportion") || strings.Contains(q, "breakdown")):
		return &Recommendation{
			ChartType:    ChartPie,
			XAxis:        x,
			YAxis:        y,
			Reasoning:    "part-to-whole question over a small category set",
			Confidence:   0.8,
			Alternatives: []string{ChartBar},
		}, nil

	case categorical == 0 && temporal == 0 && numeric >= 2:
		return &Recommendation{
			ChartType:    ChartScatter,
			XAxis:        x,
			YAxis:        y,
			Reasoning:    "two numeric columns suggest a correlation view",
			Confidence:   0.7,
			Alternatives: []string{ChartLine},
		}, nil

	default:
		return &Recommendation{
			ChartType:    ChartBar,
			XAxis:        x,
			YAxis:        y,
			Reasoning:    "categorical comparison",
			Confidence:   0.7,
			Alternatives: []string{ChartLine, ChartPie},
		}, nil
	}
}

// LLMRecommender asks an LLM for a chart recommendation, falling back to
// rules when the response is unusable.
type LLMRecommender struct {
	log      *slog.Logger
	llm      workflow.LLMClient
	fallback RuleRecommender
	maxRows  int
}

// NewLLMRecommender creates the default chart recommender.
func NewLLMRecommender(log *slog.Logger, llm workflow.LLMClient) *LLMRecommender {
	return &LLMRecommender{log: log, llm: llm, maxRows: 10}
}

const recommendSystemPrompt = `You are a data visualization expert. Given SQL query results, recommend the best chart type.

Consider:
- Bar charts: categorical X axis with numeric Y values
- Line charts: temporal/sequential X axis with numeric Y values
- Pie charts: single categorical column with counts/sums, best with <=10 categories
- Area charts: temporal X axis with numeric Y values (good for cumulative data)
- Scatter charts: two numeric columns to show correlation

Respond with JSON only:
{
  "chartType": "bar" | "line" | "pie" | "area" | "scatter",
  "xAxis": "column_name for X axis",
  "yAxis": ["column_name(s) for Y axis"],
  "reasoning": "brief explanation of why this visualization was chosen",
  "confidence": 0.0-1.0,
  "alternatives": ["other suitable chart types"]
}`

func (r *LLMRecommender) RecommendChart(ctx context.Context, query string, data []map[string]any) (*Recommendation, error) {
	sample := data
	if len(sample) > r.maxRows {
		sample = sample[:r.maxRows]
	}
	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		return r.fallback.RecommendChart(ctx, query, data)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "User question: %s\n", query)
	fmt.Fprintf(&prompt, "Total rows: %d\n", len(data))
	fmt.Fprintf(&prompt, "Sample rows:\n%s", sampleJSON)

	text, _, err := r.llm.Complete(ctx, recommendSystemPrompt, prompt.String())
	if err != nil {
		r.log.Warn("Chart recommendation LLM call failed, using rules", "error", err)
		return r.fallback.RecommendChart(ctx, query, data)
	}

	var rec Recommendation
	if err := json.Unmarshal([]byte(extractJSON(text)), &rec); err != nil || !ValidChartType(rec.ChartType) {
		r.log.Warn("Unusable chart recommendation from LLM, using rules", "error", err, "chart_type", rec.ChartType)
		return r.fallback.RecommendChart(ctx, query, data)
	}
	if rec.XAxis == "" || len(rec.YAxis) == 0 {
		x, y := pickAxes(profileColumns(data))
		if rec.XAxis == "" {
			rec.XAxis = x
		}
		if len(rec.YAxis) == 0 {
			rec.YAxis = y
		}
	}
	return &rec, nil
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
