package handlers

import (
	"context"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/agent/pkg/unified"
	"github.com/xentoshi/insight/agent/pkg/workflow"
	"github.com/xentoshi/insight/api/config"
	apitesting "github.com/xentoshi/insight/api/testing"
)

// notifierFunc adapts a function to the notification channel interface.
type notifierFunc func(context.Context, *hitl.Intervention) error

func (f notifierFunc) Notify(ctx context.Context, iv *hitl.Intervention) error { return f(ctx, iv) }

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(context.Context, string, string) (string, int, error) {
	if f.err != nil {
		return "", 0, f.err
	}
	return f.response, 10, nil
}

type fakeClassifier struct{}

func (f *fakeClassifier) ClassifyIntent(context.Context, string) (*workflow.IntentResult, error) {
	return &workflow.IntentResult{Intent: workflow.IntentDataAnalysis, Confidence: 0.99}, nil
}

type fakeFetcher struct{}

func (f *fakeFetcher) FetchSchema(context.Context, string) (*workflow.Schema, error) {
	return &workflow.Schema{
		Database: "analytics",
		Tables: []workflow.Table{
			{Name: "sales", Columns: []workflow.Column{
				{Name: "amount", Type: "Float64"},
				{Name: "sold_at", Type: "DateTime"},
			}},
		},
	}, nil
}

type fakeGenerator struct {
	result *workflow.GenerationResult
}

func (f *fakeGenerator) GenerateSQL(context.Context, string, *workflow.Schema, string) (*workflow.GenerationResult, error) {
	return f.result, nil
}

type fakeValidator struct{}

func (f *fakeValidator) ValidateQuery(context.Context, string, *workflow.Schema) *workflow.SQLValidationResult {
	return &workflow.SQLValidationResult{Valid: true, Confidence: 0.95}
}

// fakeExecutor optionally blocks until release is closed, so tests can hold a
// run in flight.
type fakeExecutor struct {
	release chan struct{}
	err     error
}

func (f *fakeExecutor) ExecuteQuery(ctx context.Context, sql, _ string) (*workflow.QueryResult, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &workflow.QueryResult{
		SQL:             sql,
		Columns:         []string{"total"},
		Rows:            []map[string]any{{"total": 1234.5}},
		Count:           1,
		ExecutionTimeMS: 12,
	}, nil
}

type fakeAnalyzer struct{}

func (f *fakeAnalyzer) AnalyzeData(context.Context, string, *workflow.QueryResult) (*workflow.Analysis, error) {
	return &workflow.Analysis{
		Summary:  "Total revenue is 1234.5",
		Insights: []string{"revenue concentrated in one row"},
	}, nil
}

// managerFixture wires the global run manager with a fake engine stack on top
// of a fresh test database. onNotify, when set, runs synchronously inside the
// engine's notification dispatch.
type managerFixture struct {
	store    hitl.Store
	gen      *fakeGenerator
	exec     *fakeExecutor
	onNotify func(context.Context, *hitl.Intervention)
}

func setupManager(t *testing.T) *managerFixture {
	t.Helper()
	apitesting.SetupTestPostgres(t, testPgDB)

	store := hitl.NewPGStore(config.PgPool)
	gen := &fakeGenerator{result: &workflow.GenerationResult{
		SQL:        "SELECT sum(amount) AS total FROM sales",
		Intent:     "total revenue",
		Confidence: 0.95,
	}}
	exec := &fakeExecutor{}
	fx := &managerFixture{store: store, gen: gen, exec: exec}

	engine, err := workflow.New(&workflow.Config{
		Logger:        slog.Default(),
		LLM:           &fakeLLM{response: "{}"},
		SchemaFetcher: &fakeFetcher{},
		Generator:     gen,
		Validator:     &fakeValidator{},
		Executor:      exec,
		Analyzer:      &fakeAnalyzer{},
		Classifier:    &fakeClassifier{},
		Interventions: store,
		Notifier: notifierFunc(func(ctx context.Context, iv *hitl.Intervention) error {
			if fx.onNotify != nil {
				fx.onNotify(ctx, iv)
			}
			return nil
		}),
		ConfidenceThreshold: 0.7,
		InterventionTimeout: time.Minute,
	})
	require.NoError(t, err)

	orch, err := unified.New(&unified.Config{
		Logger: slog.Default(),
		Engine: engine,
		DecisionLLM: &fakeLLM{
			response: `{"should_visualize": false, "reasoning": "single value"}`,
		},
	})
	require.NoError(t, err)

	oldOrch, oldStore, oldSweeper := Manager.orch, Manager.store, Manager.sweeper
	Manager.orch = orch
	Manager.store = store
	Manager.sweeper = hitl.NewSweeper(slog.Default(), store, nil, time.Second, Manager.handleTimeout)
	t.Cleanup(func() {
		Manager.orch, Manager.store, Manager.sweeper = oldOrch, oldStore, oldSweeper
	})

	return fx
}

// waitForRunStatus polls the run row until it reaches one of the statuses.
func waitForRunStatus(t *testing.T, id uuid.UUID, statuses ...string) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		r, err := GetRun(context.Background(), id)
		if err != nil || r == nil {
			return false
		}
		run = r
		return slices.Contains(statuses, r.Status)
	}, 10*time.Second, 50*time.Millisecond, "run %s never reached %v", id, statuses)
	return run
}
