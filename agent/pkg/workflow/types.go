// Package workflow implements the per-query analysis state machine: schema
// exploration, SQL generation, validation, an optional human-review
// suspension point, execution, and result analysis.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/notify"
)

// Context keys for workflow tracing
type ctxKeyConversationID struct{}
type ctxKeyWorkflowID struct{}

// ContextWithWorkflowIDs adds conversation and workflow IDs to a context for tracing.
func ContextWithWorkflowIDs(ctx context.Context, conversationID, workflowID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeyConversationID{}, conversationID)
	ctx = context.WithValue(ctx, ctxKeyWorkflowID{}, workflowID)
	return ctx
}

// ConversationIDFromContext extracts the conversation ID from context, if present.
func ConversationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyConversationID{}).(string)
	return id, ok
}

// WorkflowIDFromContext extracts the workflow ID from context, if present.
func WorkflowIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyWorkflowID{}).(string)
	return id, ok
}

// Config holds the configuration for the analysis engine. LLM, Executor and
// SchemaFetcher are required; the LLM-backed tools default from LLM when nil.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Tools
	LLM           LLMClient
	SchemaFetcher SchemaFetcher
	Generator     SQLGenerator
	Validator     Validator
	Executor      SQLExecutor
	Analyzer      Analyzer
	Classifier    IntentClassifier

	// Human review
	Interventions hitl.Store
	Notifier      notify.Notifier

	// Policy knobs
	ConfidenceThreshold float64       // review below this generation confidence (default 0.7)
	MaxRetries          int           // workflow-scoped retry bound for transient tool failures (default 3)
	InterventionTimeout time.Duration // default 300s
	EscalateOnInvalid   bool          // route validation failures to human review instead of failing
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text plus token usage.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, int, error)
}

// SchemaFetcher retrieves warehouse schema information for a database.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context, database string) (*Schema, error)
}

// SQLGenerator turns a natural-language query into SQL against a schema.
type SQLGenerator interface {
	GenerateSQL(ctx context.Context, query string, schema *Schema, intentContext string) (*GenerationResult, error)
}

// Validator checks generated SQL. It never fails: any internal error degrades
// to a structured verdict so the workflow always gets a usable result.
type Validator interface {
	ValidateQuery(ctx context.Context, sql string, schema *Schema) *SQLValidationResult
}

// SQLExecutor runs a query against the warehouse.
type SQLExecutor interface {
	ExecuteQuery(ctx context.Context, sql, database string) (*QueryResult, error)
}

// Analyzer interprets result rows into insights and recommendations.
type Analyzer interface {
	AnalyzeData(ctx context.Context, query string, result *QueryResult) (*Analysis, error)
}

// IntentClassifier decides whether a query is a data-analysis request at all.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, query string) (*IntentResult, error)
}

// Schema describes the discovered warehouse schema for one database.
type Schema struct {
	Database string  `json:"database"`
	Tables   []Table `json:"tables"`
}

// Table is one table with its columns.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Column is one column with its warehouse type.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Format renders the schema for LLM prompts.
func (s *Schema) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n", s.Database)
	for _, t := range s.Tables {
		fmt.Fprintf(&b, "\nTable %s:\n", t.Name)
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  %s %s\n", c.Name, c.Type)
		}
	}
	return b.String()
}

// TableNames returns the table names in schema order.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// GenerationResult is the SQL-generation tool output.
type GenerationResult struct {
	SQL              string   `json:"sql"`
	Intent           string   `json:"intent"`
	Confidence       float64  `json:"confidence"`
	Explanation      string   `json:"explanation"`
	TablesUsed       []string `json:"tables_used"`
	Warnings         []string `json:"warnings"`
	NeedsHumanReview bool     `json:"needs_human_review"`
	TokensUsed       int      `json:"-"`
}

// IntentResult is the intent-classification tool output.
type IntentResult struct {
	Intent         string  `json:"intent"` // "data_analysis" or "other"
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	DirectResponse string  `json:"direct_response,omitempty"`
	TokensUsed     int     `json:"-"`
}

// Query intents.
const (
	IntentDataAnalysis = "data_analysis"
	IntentOther        = "other"
)

// QueryResult holds the result of executing SQL against the warehouse.
type QueryResult struct {
	SQL             string           `json:"sql"`
	Columns         []string         `json:"columns"`
	Rows            []map[string]any `json:"rows"`
	Count           int              `json:"count"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
}

// Analysis is the data-analysis tool output.
type Analysis struct {
	Summary         string         `json:"summary"`
	Insights        []string       `json:"insights"`
	Recommendations []string       `json:"recommendations"`
	Stats           map[string]any `json:"stats,omitempty"`
	TokensUsed      int            `json:"-"`
}

// Progress reports a stage transition to interested observers.
type Progress struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`

	// Set when entering awaiting_human_review
	RequestID string `json:"request_id,omitempty"`
}

// ProgressCallback is invoked on every stage transition. May be nil.
type ProgressCallback func(Progress)

// CheckpointCallback persists the state after a transition. May be nil.
// Checkpoint errors are logged and tolerated everywhere except at the
// suspension point, where durability is mandatory before control returns.
type CheckpointCallback func(st *State) error

// Suspension describes a run parked on a pending intervention.
type Suspension struct {
	Request *hitl.Intervention
}
