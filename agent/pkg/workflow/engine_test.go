package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xentoshi/insight/agent/pkg/hitl"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClassifier struct {
	result *IntentResult
	err    error
}

func (f *fakeClassifier) ClassifyIntent(context.Context, string) (*IntentResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &IntentResult{Intent: IntentDataAnalysis, Confidence: 0.99}, nil
}

type fakeFetcher struct {
	schema *Schema
	errs   []error // consumed per call; nil entries succeed
	calls  int
}

func (f *fakeFetcher) FetchSchema(context.Context, string) (*Schema, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.schema != nil {
		return f.schema, nil
	}
	return salesSchema(), nil
}

func salesSchema() *Schema {
	return &Schema{
		Database: "analytics",
		Tables: []Table{
			{Name: "sales", Columns: []Column{
				{Name: "amount", Type: "Float64"},
				{Name: "sold_at", Type: "DateTime"},
			}},
		},
	}
}

type fakeGenerator struct {
	result *GenerationResult
	err    error
	calls  int
}

func (f *fakeGenerator) GenerateSQL(context.Context, string, *Schema, string) (*GenerationResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeValidator struct {
	results []*SQLValidationResult // consumed per call; last one repeats
	calls   int
	lastSQL string
}

func (f *fakeValidator) ValidateQuery(_ context.Context, sql string, _ *Schema) *SQLValidationResult {
	f.calls++
	f.lastSQL = sql
	if len(f.results) == 0 {
		return &SQLValidationResult{Valid: true, Confidence: 0.95}
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result
}

type fakeExecutor struct {
	result *QueryResult
	err    error
	calls  int
}

func (f *fakeExecutor) ExecuteQuery(_ context.Context, sql, _ string) (*QueryResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		out := *f.result
		out.SQL = sql
		return &out, nil
	}
	return &QueryResult{
		SQL:             sql,
		Columns:         []string{"total"},
		Rows:            []map[string]any{{"total": 1234.5}},
		Count:           1,
		ExecutionTimeMS: 12,
	}, nil
}

type fakeAnalyzer struct {
	analysis *Analysis
	err      error
	calls    int
}

func (f *fakeAnalyzer) AnalyzeData(context.Context, string, *QueryResult) (*Analysis, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.analysis != nil {
		return f.analysis, nil
	}
	return &Analysis{
		Summary:         "Total sales were 1234.5",
		Insights:        []string{"sales concentrated in one row"},
		Recommendations: []string{"compare against the previous month"},
	}, nil
}

type testHarness struct {
	engine     *Engine
	store      *hitl.MemStore
	clock      *clockwork.FakeClock
	fetcher    *fakeFetcher
	generator  *fakeGenerator
	validator  *fakeValidator
	executor   *fakeExecutor
	analyzer   *fakeAnalyzer
	classifier *fakeClassifier
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *testHarness {
	t.Helper()
	h := &testHarness{
		clock:      clockwork.NewFakeClock(),
		fetcher:    &fakeFetcher{},
		generator:  &fakeGenerator{result: &GenerationResult{SQL: "SELECT sum(amount) AS total FROM sales", Confidence: 0.95, TablesUsed: []string{"sales"}}},
		validator:  &fakeValidator{},
		executor:   &fakeExecutor{},
		analyzer:   &fakeAnalyzer{},
		classifier: &fakeClassifier{},
	}
	h.store = hitl.NewMemStore(h.clock)

	cfg := &Config{
		Logger:              testLogger(),
		Clock:               h.clock,
		SchemaFetcher:       h.fetcher,
		Generator:           h.generator,
		Validator:           h.validator,
		Executor:            h.executor,
		Analyzer:            h.analyzer,
		Classifier:          h.classifier,
		Interventions:       h.store,
		ConfidenceThreshold: 0.7,
		MaxRetries:          3,
		InterventionTimeout: 300 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	engine, err := New(cfg)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *testHarness) run(t *testing.T, st *State) *Suspension {
	t.Helper()
	susp, err := h.engine.Run(context.Background(), st, nil, nil)
	require.NoError(t, err)
	return susp
}

func TestHighConfidenceRunsStraightThrough(t *testing.T) {
	h := newHarness(t, nil)
	st := NewState("sess-1", "Show total sales last month", "analytics", nil)

	var seen []Status
	susp, err := h.engine.Run(context.Background(), st, func(p Progress) {
		seen = append(seen, p.Status)
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, susp)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.False(t, st.NeedsHumanReview)
	assert.True(t, st.QuerySuccess)
	assert.Equal(t, 1, st.RowCount)
	assert.NotNil(t, st.CompletedAt)
	assert.Empty(t, st.Errors())
	assert.Equal(t, []string{"sales"}, st.TablesUsed())
	require.NotNil(t, st.AnalysisResults)
	assert.NotEmpty(t, st.Insights())

	// No review stop anywhere in the stage sequence.
	assert.Equal(t, []Status{
		StatusExploringSchema,
		StatusGeneratingSQL,
		StatusValidating,
		StatusExecuting,
		StatusAnalyzingResults,
		StatusCompleted,
	}, seen)
	assert.Empty(t, st.Interventions())
}

func TestLowConfidenceSuspendsForReview(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT sum(amount) FROM sales", Confidence: 0.4}

	st := NewState("sess-1", "Show total sales last month", "analytics", nil)
	checkpoints := 0
	susp, err := h.engine.Run(context.Background(), st, nil, func(*State) error {
		checkpoints++
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, susp)

	assert.Equal(t, StatusAwaitingHumanReview, st.Status)
	assert.True(t, st.NeedsHumanReview)
	assert.Equal(t, susp.Request.RequestID, st.PendingRequestID)
	assert.True(t, susp.Request.Required)
	assert.Equal(t, hitl.TypeLowConfidenceApproval, susp.Request.Type)
	assert.Equal(t, 300, susp.Request.TimeoutSeconds)
	assert.Equal(t, susp.Request.RequestedAt.Add(300*time.Second), susp.Request.TimeoutAt)
	assert.Positive(t, checkpoints, "suspended state must be checkpointed before returning")
	assert.Zero(t, h.executor.calls)

	stored, err := h.store.Get(context.Background(), susp.Request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, hitl.StatusPending, stored.Status)
}

func TestRequiredTimeoutFailsWorkflow(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "Show total sales last month", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	h.clock.Advance(300 * time.Second)
	expired, err := h.store.SweepTimeouts(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	resumed, err := h.engine.Resume(context.Background(), st, &expired[0], nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, []string{"timeout"}, st.InterventionOutcomes())
	assert.Zero(t, h.executor.calls)
	assert.NotNil(t, st.CompletedAt)
}

func TestOptionalTimeoutAutoApproves(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "Show total sales last month", "analytics",
		map[string]any{"review_optional": true})
	susp := h.run(t, st)
	require.NotNil(t, susp)
	assert.False(t, susp.Request.Required)

	h.clock.Advance(301 * time.Second)
	expired, err := h.store.SweepTimeouts(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)

	resumed, err := h.engine.Resume(context.Background(), st, &expired[0], nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Contains(t, st.Warnings(), "human review timed out, proceeding without approval")
	assert.Equal(t, 1, h.executor.calls)
}

func TestResumeApproveProceedsToValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	resolved, err := h.store.RecordResponse(context.Background(), susp.Request.RequestID,
		&hitl.Response{Action: hitl.ActionApprove, ResponderID: "user-1"})
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), st, resolved, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, []string{"approved"}, st.InterventionOutcomes())
	assert.Equal(t, 1, h.validator.calls)
	assert.Equal(t, 1, h.executor.calls)
}

func TestResumeModifyReplacesSQL(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	resolved, err := h.store.RecordResponse(context.Background(), susp.Request.RequestID,
		&hitl.Response{Action: hitl.ActionModify, ModifiedSQL: "SELECT count() FROM sales"})
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), st, resolved, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "SELECT count() FROM sales", st.GeneratedSQL)
	assert.Equal(t, []string{"modified"}, st.InterventionOutcomes())
	// The modified SQL is re-validated before execution.
	assert.Equal(t, "SELECT count() FROM sales", h.validator.lastSQL)
}

func TestResumeRejectFailsWithFeedback(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	resolved, err := h.store.RecordResponse(context.Background(), susp.Request.RequestID,
		&hitl.Response{Action: hitl.ActionReject, Feedback: "wrong table"})
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), st, resolved, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, []string{"rejected"}, st.InterventionOutcomes())
	assert.Contains(t, st.Errors(), "Query rejected by user: wrong table")
	assert.Zero(t, h.executor.calls)
}

func TestExplicitReviewFlagSuspendsDespiteHighConfidence(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.95, NeedsHumanReview: true}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)
	assert.Equal(t, hitl.TypeSQLReview, susp.Request.Type)
}

func TestSchemaRetriesAreBounded(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.errs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, 3, st.RetryCount)
	assert.Equal(t, 3, h.fetcher.calls)
}

func TestSchemaRetryRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.errs = []error{errors.New("flaky"), nil}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	// The transient failure stays on the record.
	assert.NotEmpty(t, st.Errors())
}

func TestExecutionFailureIsFatalAndNeverRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.executor.err = errors.New("table sales does not exist")

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusFailed, st.Status)
	assert.False(t, st.QuerySuccess)
	assert.Equal(t, "table sales does not exist", st.QueryError)
	assert.Equal(t, 1, h.executor.calls)
	assert.Zero(t, h.analyzer.calls)
}

func TestAnalysisFailureCompletesWithWarning(t *testing.T) {
	h := newHarness(t, nil)
	h.analyzer.err = errors.New("llm overloaded")

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.True(t, st.QuerySuccess)
	assert.Nil(t, st.AnalysisResults)
	assert.NotEmpty(t, st.Warnings())
	assert.Empty(t, st.Errors())
}

func TestValidationAutoFixReValidatesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.validator.results = []*SQLValidationResult{
		{
			Valid:        false,
			Confidence:   0.95,
			SuggestedFix: "SELECT sum(amount) FROM sales LIMIT 1000",
			Errors: []SQLValidationIssue{
				{Severity: SeverityError, Category: CategoryPerformance, Message: "missing LIMIT"},
			},
		},
		{Valid: true, Confidence: 0.9},
	}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "SELECT sum(amount) FROM sales LIMIT 1000", st.GeneratedSQL)
	assert.Equal(t, 2, h.validator.calls)
	assert.Contains(t, st.Warnings(), "validator auto-fix applied to generated SQL")
}

func TestValidationFailureWithoutEscalationFails(t *testing.T) {
	h := newHarness(t, nil)
	h.validator.results = []*SQLValidationResult{{
		Valid:      false,
		Confidence: 0.5,
		Errors: []SQLValidationIssue{
			{Severity: SeverityError, Category: CategorySyntax, Message: "unbalanced parentheses"},
		},
	}}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusFailed, st.Status)
	assert.False(t, st.SQLValid)
	assert.Contains(t, st.ValidationErrors(), "[syntax] unbalanced parentheses")
	assert.Zero(t, h.executor.calls)
}

func TestValidationEscalationRoutesToReview(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.EscalateOnInvalid = true })
	h.validator.results = []*SQLValidationResult{{
		Valid:      false,
		Confidence: 0.5,
		Errors: []SQLValidationIssue{
			{Severity: SeverityError, Category: CategoryJoinIssues, Message: "suspicious cross join"},
		},
	}}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)
	assert.Equal(t, hitl.TypeValidationEscalation, susp.Request.Type)

	// The human overrides the validator.
	resolved, err := h.store.RecordResponse(context.Background(), susp.Request.RequestID,
		&hitl.Response{Action: hitl.ActionApprove})
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), st, resolved, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, h.executor.calls)
	// Approving an escalation skips re-validation.
	assert.Equal(t, 1, h.validator.calls)
}

func TestNonAnalysisQueryShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.result = &IntentResult{
		Intent:         IntentOther,
		Confidence:     0.9,
		DirectResponse: "I can only answer questions about your data.",
	}

	st := NewState("sess-1", "tell me a joke", "analytics", nil)
	susp := h.run(t, st)
	assert.Nil(t, susp)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.True(t, st.IntentRejection)
	assert.Equal(t, "I can only answer questions about your data.", st.FinalMessage)
	assert.Zero(t, h.fetcher.calls)
	assert.Zero(t, h.executor.calls)
}

func TestSuspendedStateSurvivesCheckpointRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4, Warnings: []string{"ambiguous date range"}}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	// Serialize at the suspension point, restore on a "different process",
	// then resume with the recorded response.
	blob, err := st.MarshalJSON()
	require.NoError(t, err)

	restored := &State{}
	require.NoError(t, restored.UnmarshalJSON(blob))
	assert.Equal(t, StatusAwaitingHumanReview, restored.Status)
	assert.Equal(t, st.PendingRequestID, restored.PendingRequestID)
	assert.Equal(t, st.Warnings(), restored.Warnings())
	assert.Equal(t, st.Interventions(), restored.Interventions())

	resolved, err := h.store.RecordResponse(context.Background(), susp.Request.RequestID,
		&hitl.Response{Action: hitl.ActionApprove})
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), restored, resolved, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusCompleted, restored.Status)
}

func TestRerunningSuspendedStateReattachesWithoutDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "q", "analytics", nil)
	first := h.run(t, st)
	require.NotNil(t, first)

	// Crash recovery re-runs the restored suspended state.
	second := h.run(t, st)
	require.NotNil(t, second)
	assert.Equal(t, first.Request.RequestID, second.Request.RequestID)

	pending, err := h.store.ListPending(context.Background(), hitl.Filter{})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResumeRejectsUnresolvedIntervention(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	_, err := h.engine.Resume(context.Background(), st, susp.Request, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, StatusAwaitingHumanReview, st.Status)
}

func TestAppendOnlyFieldsOnlyGrow(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.errs = []error{errors.New("flaky"), nil}
	h.generator.result = &GenerationResult{
		SQL:        "SELECT 1",
		Confidence: 0.95,
		TablesUsed: []string{"sales"},
		Warnings:   []string{"assumed UTC"},
	}

	st := NewState("sess-1", "q", "analytics", nil)

	var prevErrors, prevWarnings, prevTables, prevInsights int
	susp, err := h.engine.Run(context.Background(), st, nil, func(s *State) error {
		require.GreaterOrEqual(t, len(s.Errors()), prevErrors)
		require.GreaterOrEqual(t, len(s.Warnings()), prevWarnings)
		require.GreaterOrEqual(t, len(s.TablesUsed()), prevTables)
		require.GreaterOrEqual(t, len(s.Insights()), prevInsights)
		prevErrors, prevWarnings = len(s.Errors()), len(s.Warnings())
		prevTables, prevInsights = len(s.TablesUsed()), len(s.Insights())
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, susp)
	assert.Equal(t, StatusCompleted, st.Status)

	// Accessors hand out copies; mutating them must not touch the state.
	tables := st.TablesUsed()
	require.NotEmpty(t, tables)
	tables[0] = "mutated"
	assert.Equal(t, "sales", st.TablesUsed()[0])
}

func TestCancelledInterventionFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	h.generator.result = &GenerationResult{SQL: "SELECT 1", Confidence: 0.4}

	st := NewState("sess-1", "q", "analytics", nil)
	susp := h.run(t, st)
	require.NotNil(t, susp)

	cancelled, err := h.store.Cancel(context.Background(), susp.Request.RequestID)
	require.NoError(t, err)

	resumed, err := h.engine.Resume(context.Background(), st, cancelled, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, resumed)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, []string{"aborted"}, st.InterventionOutcomes())
}
