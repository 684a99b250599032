package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// SQLErrorCategory classifies a validation issue.
type SQLErrorCategory string

const (
	CategoryNullHandling     SQLErrorCategory = "null_handling"
	CategoryUnionMisuse      SQLErrorCategory = "union_misuse"
	CategoryDataTypeMismatch SQLErrorCategory = "data_type_mismatch"
	CategoryInjectionRisk    SQLErrorCategory = "injection_risk"
	CategoryPerformance      SQLErrorCategory = "performance"
	CategorySyntax           SQLErrorCategory = "syntax"
	CategoryJoinIssues       SQLErrorCategory = "join_issues"
	CategoryFunctionUsage    SQLErrorCategory = "function_usage"
	CategoryQuoting          SQLErrorCategory = "quoting"
	CategoryRangeIssues      SQLErrorCategory = "range_issues"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// SQLValidationIssue is one categorized finding.
type SQLValidationIssue struct {
	Severity   string           `json:"severity"`
	Category   SQLErrorCategory `json:"category"`
	Message    string           `json:"message"`
	Line       int              `json:"line,omitempty"`
	Suggestion string           `json:"suggestion,omitempty"`
}

// SQLValidationResult is the structured verdict of the validation tool.
// The tool never fails: internal errors degrade to a verdict built from the
// basic checks alone.
type SQLValidationResult struct {
	Valid        bool                 `json:"valid"`
	Confidence   float64              `json:"confidence"`
	Errors       []SQLValidationIssue `json:"errors,omitempty"`
	Warnings     []SQLValidationIssue `json:"warnings,omitempty"`
	Info         []SQLValidationIssue `json:"info,omitempty"`
	SuggestedFix string               `json:"suggested_fix,omitempty"`
	FixApplied   bool                 `json:"fix_applied,omitempty"`
	Analysis     string               `json:"analysis,omitempty"`
	TokensUsed   int                  `json:"-"`
}

// ErrorMessages flattens error issues into plain strings for the state record.
func (r *SQLValidationResult) ErrorMessages() []string {
	out := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		out[i] = fmt.Sprintf("[%s] %s", issue.Category, issue.Message)
	}
	return out
}

// WarningMessages flattens warning issues into plain strings.
func (r *SQLValidationResult) WarningMessages() []string {
	out := make([]string, len(r.Warnings))
	for i, issue := range r.Warnings {
		out[i] = fmt.Sprintf("[%s] %s", issue.Category, issue.Message)
	}
	return out
}

// LLMValidator runs basic structural checks and then an LLM review pass.
// The LLM pass is advisory: if it errors, the basic verdict stands.
type LLMValidator struct {
	log *slog.Logger
	llm LLMClient
}

// NewLLMValidator creates the default two-stage validator.
func NewLLMValidator(log *slog.Logger, llm LLMClient) *LLMValidator {
	return &LLMValidator{log: log, llm: llm}
}

var (
	forbiddenStatements = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke)\b`)
	multiStatement      = regexp.MustCompile(`;\s*\S`)
)

// ValidateQuery checks the SQL and returns a structured verdict.
func (v *LLMValidator) ValidateQuery(ctx context.Context, sql string, schema *Schema) *SQLValidationResult {
	result := v.basicChecks(sql, schema)
	if !result.Valid {
		// Structurally broken SQL doesn't need the LLM pass.
		return result
	}

	advanced, err := v.llmReview(ctx, sql, schema)
	if err != nil {
		v.log.Warn("Advanced SQL validation unavailable, using basic verdict", "error", err)
		result.Warnings = append(result.Warnings, SQLValidationIssue{
			Severity: SeverityWarning,
			Category: CategoryPerformance,
			Message:  "advanced validation unavailable",
		})
		return result
	}

	advanced.Warnings = append(result.Warnings, advanced.Warnings...)
	advanced.Info = append(result.Info, advanced.Info...)
	return advanced
}

func (v *LLMValidator) basicChecks(sql string, schema *Schema) *SQLValidationResult {
	result := &SQLValidationResult{Valid: true, Confidence: 0.5}
	trimmed := strings.TrimSpace(sql)

	if trimmed == "" {
		result.Valid = false
		result.Confidence = 1.0
		result.Errors = append(result.Errors, SQLValidationIssue{
			Severity: SeverityError,
			Category: CategorySyntax,
			Message:  "empty SQL statement",
		})
		return result
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		result.Valid = false
		result.Errors = append(result.Errors, SQLValidationIssue{
			Severity: SeverityError,
			Category: CategoryInjectionRisk,
			Message:  "only SELECT statements are allowed",
		})
	}
	if forbiddenStatements.MatchString(trimmed) && !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		result.Valid = false
		result.Errors = append(result.Errors, SQLValidationIssue{
			Severity: SeverityError,
			Category: CategoryInjectionRisk,
			Message:  "statement contains a data-modifying keyword",
		})
	}
	if multiStatement.MatchString(trimmed) {
		result.Valid = false
		result.Errors = append(result.Errors, SQLValidationIssue{
			Severity: SeverityError,
			Category: CategoryInjectionRisk,
			Message:  "multiple statements are not allowed",
		})
	}

	if strings.Count(trimmed, "(") != strings.Count(trimmed, ")") {
		result.Valid = false
		result.Errors = append(result.Errors, SQLValidationIssue{
			Severity: SeverityError,
			Category: CategorySyntax,
			Message:  "unbalanced parentheses",
		})
	}
	if strings.Count(trimmed, "'")%2 != 0 {
		result.Valid = false
		result.Errors = append(result.Errors, SQLValidationIssue{
			Severity: SeverityError,
			Category: CategoryQuoting,
			Message:  "unbalanced single quotes",
		})
	}

	if schema != nil && len(schema.Tables) > 0 {
		known := make(map[string]bool, len(schema.Tables))
		for _, t := range schema.Tables {
			known[strings.ToLower(t.Name)] = true
		}
		for _, ref := range referencedTables(trimmed) {
			if !known[strings.ToLower(ref)] {
				result.Warnings = append(result.Warnings, SQLValidationIssue{
					Severity: SeverityWarning,
					Category: CategoryJoinIssues,
					Message:  fmt.Sprintf("table %q not found in discovered schema", ref),
				})
			}
		}
	}

	return result
}

var tableRefPattern = regexp.MustCompile(`(?i)\b(?:from|join)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

func referencedTables(sql string) []string {
	var tables []string
	for _, m := range tableRefPattern.FindAllStringSubmatch(sql, -1) {
		name := m[1]
		if idx := strings.LastIndex(name, "."); idx != -1 {
			name = name[idx+1:]
		}
		tables = append(tables, name)
	}
	return tables
}

func (v *LLMValidator) llmReview(ctx context.Context, sql string, schema *Schema) (*SQLValidationResult, error) {
	schemaText := ""
	if schema != nil {
		schemaText = schema.Format()
	}
	userPrompt := fmt.Sprintf("Schema:\n%s\nSQL to review:\n%s", schemaText, sql)

	text, tokens, err := v.llm.Complete(ctx, validateSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to run LLM validation: %w", err)
	}

	var result SQLValidationResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &result); err != nil {
		return nil, fmt.Errorf("failed to parse validation response: %w", err)
	}
	result.TokensUsed = tokens
	return &result, nil
}
