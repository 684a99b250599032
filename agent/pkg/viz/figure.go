package viz

import (
	"fmt"
)

// Figure is a Plotly-compatible figure document: a list of traces plus a
// layout. It marshals to the JSON shape plotly.js renders directly.
type Figure struct {
	Data   []Trace `json:"data"`
	Layout Layout  `json:"layout"`
}

// Trace is one Plotly trace. Fields are populated per chart type.
type Trace struct {
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
	X      []any  `json:"x,omitempty"`
	Y      []any  `json:"y,omitempty"`
	Labels []any  `json:"labels,omitempty"`
	Values []any  `json:"values,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Fill   string `json:"fill,omitempty"`
}

// Layout holds the figure-level presentation settings.
type Layout struct {
	Title        string           `json:"title,omitempty"`
	Template     string           `json:"template,omitempty"`
	XAxis        *AxisSpec        `json:"xaxis,omitempty"`
	YAxis        *AxisSpec        `json:"yaxis,omitempty"`
	Colorway     []string         `json:"colorway,omitempty"`
	PaperBGColor string           `json:"paper_bgcolor,omitempty"`
	PlotBGColor  string           `json:"plot_bgcolor,omitempty"`
	Font         *FontSpec        `json:"font,omitempty"`
	ShowLegend   *bool            `json:"showlegend,omitempty"`
	Annotations  []map[string]any `json:"annotations,omitempty"`
}

// AxisSpec is one axis configuration.
type AxisSpec struct {
	Title string `json:"title,omitempty"`
}

// FontSpec is the layout font configuration.
type FontSpec struct {
	Family string `json:"family,omitempty"`
	Size   int    `json:"size,omitempty"`
	Color  string `json:"color,omitempty"`
}

// BuildFigure constructs the figure for a resolved chart type and axis
// mapping. It fails when the data cannot support the requested chart, which
// terminates the visualization run.
func BuildFigure(chartType string, rec *Recommendation, title string, data []map[string]any) (*Figure, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no data to chart")
	}
	if !ValidChartType(chartType) {
		return nil, fmt.Errorf("unsupported chart type %q", chartType)
	}
	if rec.XAxis == "" {
		return nil, fmt.Errorf("no X axis column resolved for %s chart", chartType)
	}

	x := columnValues(data, rec.XAxis)

	fig := &Figure{Layout: Layout{Title: title}}
	switch chartType {
	case ChartPie:
		if len(rec.YAxis) == 0 {
			return nil, fmt.Errorf("pie chart needs a value column")
		}
		fig.Data = append(fig.Data, Trace{
			Type:   "pie",
			Labels: x,
			Values: columnValues(data, rec.YAxis[0]),
		})

	case ChartBar, ChartLine, ChartArea, ChartScatter:
		if len(rec.YAxis) == 0 {
			return nil, fmt.Errorf("%s chart needs at least one Y column", chartType)
		}
		for _, col := range rec.YAxis {
			tr := Trace{Name: col, X: x, Y: columnValues(data, col)}
			switch chartType {
			case ChartBar:
				tr.Type = "bar"
			case ChartLine:
				tr.Type = "scatter"
				tr.Mode = "lines"
			case ChartArea:
				tr.Type = "scatter"
				tr.Mode = "lines"
				tr.Fill = "tozeroy"
			case ChartScatter:
				tr.Type = "scatter"
				tr.Mode = "markers"
			}
			fig.Data = append(fig.Data, tr)
		}
		fig.Layout.XAxis = &AxisSpec{Title: rec.XAxis}
		if len(rec.YAxis) == 1 {
			fig.Layout.YAxis = &AxisSpec{Title: rec.YAxis[0]}
		}
	}
	return fig, nil
}

func columnValues(data []map[string]any, col string) []any {
	out := make([]any, len(data))
	for i, row := range data {
		out[i] = row[col]
	}
	return out
}

// builtinThemes maps theme names to layout defaults matching the Plotly
// built-in templates.
var builtinThemes = map[string]Layout{
	"plotly": {
		Template:     "plotly",
		PaperBGColor: "#ffffff",
		PlotBGColor:  "#e5ecf6",
	},
	"plotly_white": {
		Template:     "plotly_white",
		PaperBGColor: "#ffffff",
		PlotBGColor:  "#ffffff",
	},
	"plotly_dark": {
		Template:     "plotly_dark",
		PaperBGColor: "#111111",
		PlotBGColor:  "#111111",
		Font:         &FontSpec{Color: "#f2f5fa"},
	},
}

// ApplyTheme styles a figure in place: built-in theme first, then the custom
// profile, then the user template, then ad-hoc overrides, later layers
// winning. Unknown theme names are an error so the caller can degrade.
func ApplyTheme(fig *Figure, theme string, profile, template, overrides map[string]any) error {
	if theme == "" {
		theme = "plotly"
	}
	base, ok := builtinThemes[theme]
	if !ok {
		return fmt.Errorf("unknown theme %q", theme)
	}

	fig.Layout.Template = base.Template
	fig.Layout.PaperBGColor = base.PaperBGColor
	fig.Layout.PlotBGColor = base.PlotBGColor
	if base.Font != nil {
		fig.Layout.Font = base.Font
	}

	for _, layer := range []map[string]any{profile, template, overrides} {
		if err := applyLayer(fig, layer); err != nil {
			return err
		}
	}
	return nil
}

func applyLayer(fig *Figure, layer map[string]any) error {
	for key, val := range layer {
		switch key {
		case "colorway":
			colors, err := stringList(val)
			if err != nil {
				return fmt.Errorf("colorway: %w", err)
			}
			fig.Layout.Colorway = colors
		case "paper_bgcolor":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("paper_bgcolor must be a string")
			}
			fig.Layout.PaperBGColor = s
		case "plot_bgcolor":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("plot_bgcolor must be a string")
			}
			fig.Layout.PlotBGColor = s
		case "font_family":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("font_family must be a string")
			}
			if fig.Layout.Font == nil {
				fig.Layout.Font = &FontSpec{}
			}
			fig.Layout.Font.Family = s
		case "font_color":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("font_color must be a string")
			}
			if fig.Layout.Font == nil {
				fig.Layout.Font = &FontSpec{}
			}
			fig.Layout.Font.Color = s
		case "title":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("title must be a string")
			}
			fig.Layout.Title = s
		case "showlegend":
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("showlegend must be a bool")
			}
			fig.Layout.ShowLegend = &b
		case "watermark":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("watermark must be a string")
			}
			fig.Layout.Annotations = append(fig.Layout.Annotations, map[string]any{
				"text":      s,
				"opacity":   0.15,
				"showarrow": false,
				"xref":      "paper",
				"yref":      "paper",
				"x":         0.5,
				"y":         0.5,
			})
		default:
			return fmt.Errorf("unknown style key %q", key)
		}
	}
	return nil
}

func stringList(val any) ([]string, error) {
	switch v := val.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is not a string", i)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list of strings")
}
