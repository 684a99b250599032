package bot

import (
	"fmt"
	"strings"

	"github.com/snormore/slackmd"

	"github.com/xentoshi/insight/agent/pkg/unified"
)

// maxSlackMessageLen keeps rendered answers under Slack's message limit.
const maxSlackMessageLen = 3900

// renderAnswer formats a finished run as Slack mrkdwn.
func renderAnswer(st *unified.State, webBaseURL string) string {
	var md strings.Builder

	if st.Analysis != nil && st.Analysis.FinalMessage != "" {
		md.WriteString(st.Analysis.FinalMessage)
		md.WriteString("\n")
	}

	if st.Analysis != nil && st.Analysis.AnalysisResults != nil {
		a := st.Analysis.AnalysisResults
		if a.Summary != "" {
			md.WriteString(a.Summary)
			md.WriteString("\n")
		}
		if len(a.Insights) > 0 {
			md.WriteString("\n**Insights**\n")
			for _, in := range a.Insights {
				md.WriteString("- " + in + "\n")
			}
		}
		if len(a.Recommendations) > 0 {
			md.WriteString("\n**Recommendations**\n")
			for _, rec := range a.Recommendations {
				md.WriteString("- " + rec + "\n")
			}
		}
	}

	if st.Analysis != nil && st.Analysis.GeneratedSQL != "" {
		md.WriteString(fmt.Sprintf("\n```sql\n%s\n```\n", strings.TrimSpace(st.Analysis.GeneratedSQL)))
		md.WriteString(fmt.Sprintf("_%d rows_\n", st.Analysis.RowCount))
	}

	if st.Visualization != nil && st.Visualization.Figure != nil {
		chart := st.Visualization.ChartType
		if chart == "" {
			chart = "chart"
		}
		if webBaseURL != "" {
			md.WriteString(fmt.Sprintf("\n:bar_chart: [View %s in the web UI](%s/workflows/%s)\n",
				chart, webBaseURL, st.WorkflowID))
		} else {
			md.WriteString(fmt.Sprintf("\n:bar_chart: A %s was generated for this result.\n", chart))
		}
	}

	if st.Outcome == unified.OutcomePartialSuccess {
		md.WriteString("\n:warning: Some steps did not complete:\n")
		for _, e := range st.Errors() {
			md.WriteString("- " + e + "\n")
		}
	}

	text := strings.TrimSpace(md.String())
	if text == "" {
		text = "The analysis finished without producing a result."
	}

	out := slackmd.Convert(text)
	if len(out) > maxSlackMessageLen {
		out = out[:maxSlackMessageLen] + "\n_(truncated)_"
	}
	return out
}

// progressText maps a run stage to the status line shown while working.
func progressText(p unified.Progress) string {
	switch p.Stage {
	case unified.StageAnalyzing:
		return fmt.Sprintf(":mag: Analyzing your question... (%s)", p.AnalysisStatus)
	case unified.StageDeciding:
		return ":thinking_face: Deciding whether to visualize..."
	case unified.StageVisualizing:
		return ":bar_chart: Building a visualization..."
	case unified.StageAggregating:
		return ":memo: Putting the answer together..."
	default:
		return ":mag: Working on it..."
	}
}
