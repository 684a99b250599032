package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/notify"
)

// Engine drives the analysis state machine. It is stateless across runs; all
// per-run data lives in the State, so a run can suspend on one process and
// resume on another from the checkpointed state.
type Engine struct {
	log   *slog.Logger
	clock clockwork.Clock
	cfg   *Config
}

// New creates an engine, validating required dependencies and applying
// defaults for the rest.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.SchemaFetcher == nil {
		return nil, fmt.Errorf("schema fetcher is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("SQL executor is required")
	}
	if cfg.Interventions == nil {
		return nil, fmt.Errorf("intervention store is required")
	}
	if cfg.LLM == nil && (cfg.Generator == nil || cfg.Validator == nil || cfg.Analyzer == nil || cfg.Classifier == nil) {
		return nil, fmt.Errorf("LLM client is required when tool implementations are not provided")
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Generator == nil {
		cfg.Generator = NewLLMGenerator(cfg.LLM)
	}
	if cfg.Validator == nil {
		cfg.Validator = NewLLMValidator(cfg.Logger, cfg.LLM)
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = NewLLMAnalyzer(cfg.LLM)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewLLMClassifier(cfg.LLM)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLog(cfg.Logger)
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InterventionTimeout <= 0 {
		cfg.InterventionTimeout = 300 * time.Second
	}

	return &Engine{log: cfg.Logger, clock: cfg.Clock, cfg: cfg}, nil
}

// Run advances the state machine until a terminal state or a suspension.
// A non-nil Suspension means the run is parked on a pending intervention and
// the state was durably checkpointed before returning.
func (e *Engine) Run(ctx context.Context, st *State, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*Suspension, error) {
	return e.run(ctx, st, onProgress, onCheckpoint)
}

// Resume applies a resolved intervention to a suspended run and continues it.
func (e *Engine) Resume(ctx context.Context, st *State, iv *hitl.Intervention, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*Suspension, error) {
	if st.Status != StatusAwaitingHumanReview {
		return nil, fmt.Errorf("cannot resume workflow in status %s", st.Status)
	}
	if st.PendingRequestID == "" || st.PendingRequestID != iv.RequestID {
		return nil, fmt.Errorf("resume request %s does not match pending request %s", iv.RequestID, st.PendingRequestID)
	}
	if !iv.Status.Terminal() {
		return nil, fmt.Errorf("cannot resume from unresolved intervention %s (status %s)", iv.RequestID, iv.Status)
	}

	st.PendingRequestID = ""
	if err := e.applyResolution(st, iv); err != nil {
		return nil, err
	}
	return e.run(ctx, st, onProgress, onCheckpoint)
}

func (e *Engine) applyResolution(st *State, iv *hitl.Intervention) error {
	escalated := iv.Type == hitl.TypeValidationEscalation

	switch iv.Status {
	case hitl.StatusResponded:
		resp := iv.Response
		if resp == nil {
			return fmt.Errorf("responded intervention %s has no response", iv.RequestID)
		}
		switch resp.Action {
		case hitl.ActionApprove:
			st.AppendInterventionOutcome("approved")
			st.NeedsHumanReview = false
			if escalated {
				// The human overrode the validator; run the query as-is.
				st.SQLValid = true
				return st.transition(StatusExecuting)
			}
			return st.transition(StatusValidating)

		case hitl.ActionModify:
			st.AppendInterventionOutcome("modified")
			st.NeedsHumanReview = false
			if resp.ModifiedSQL != "" {
				st.GeneratedSQL = resp.ModifiedSQL
			} else {
				st.AppendWarning("modify response carried no SQL, keeping generated statement")
			}
			st.SQLValid = false
			return st.transition(StatusValidating)

		case hitl.ActionReject:
			st.AppendInterventionOutcome("rejected")
			msg := "Query rejected by user"
			if resp.Feedback != "" {
				msg = fmt.Sprintf("%s: %s", msg, resp.Feedback)
			}
			st.AppendError(msg)
			return st.transition(StatusFailed)

		default:
			return fmt.Errorf("unknown response action %q", resp.Action)
		}

	case hitl.StatusTimedOut:
		st.AppendInterventionOutcome("timeout")
		if iv.Required {
			st.AppendError(fmt.Sprintf("required human review %s timed out", iv.RequestID))
			return st.transition(StatusFailed)
		}
		st.AppendWarning("human review timed out, proceeding without approval")
		st.NeedsHumanReview = false
		if escalated {
			st.SQLValid = true
			return st.transition(StatusExecuting)
		}
		return st.transition(StatusValidating)

	case hitl.StatusCancelled:
		st.AppendInterventionOutcome("aborted")
		st.AppendError(fmt.Sprintf("human review %s was cancelled", iv.RequestID))
		return st.transition(StatusFailed)

	default:
		return fmt.Errorf("unexpected intervention status %s", iv.Status)
	}
}

func (e *Engine) run(ctx context.Context, st *State, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*Suspension, error) {
	for !st.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var err error
		switch st.Status {
		case StatusCreated:
			err = e.stepClassify(ctx, st)
		case StatusExploringSchema:
			err = e.stepExploreSchema(ctx, st)
		case StatusGeneratingSQL:
			err = e.stepGenerateSQL(ctx, st)
		case StatusValidating:
			err = e.stepValidate(ctx, st)
		case StatusAwaitingHumanReview:
			return e.suspend(ctx, st, onProgress, onCheckpoint)
		case StatusExecuting:
			err = e.stepExecute(ctx, st)
		case StatusAnalyzingResults:
			err = e.stepAnalyze(ctx, st)
		default:
			return nil, fmt.Errorf("unknown workflow status %s", st.Status)
		}
		if err != nil {
			// Step errors are state-machine bugs, not tool failures; tool
			// failures are folded into the state inside each step.
			return nil, err
		}

		e.notifyProgress(onProgress, st)
		e.checkpoint(onCheckpoint, st)
	}
	return nil, nil
}

func (e *Engine) notifyProgress(onProgress ProgressCallback, st *State) {
	if onProgress == nil {
		return
	}
	onProgress(Progress{Status: st.Status, RequestID: st.PendingRequestID})
}

// checkpoint persists progress best-effort; a failed checkpoint costs replay
// work after a crash but must not fail a live run.
func (e *Engine) checkpoint(onCheckpoint CheckpointCallback, st *State) {
	if onCheckpoint == nil {
		return
	}
	if err := onCheckpoint(st); err != nil {
		e.log.Warn("Failed to checkpoint workflow state", "session_id", st.SessionID, "status", st.Status, "error", err)
	}
}

// fail records the error and moves to the terminal failed state.
func (e *Engine) fail(st *State, msg string) error {
	st.AppendError(msg)
	return st.transition(StatusFailed)
}

func (e *Engine) stepClassify(ctx context.Context, st *State) error {
	result, err := e.cfg.Classifier.ClassifyIntent(ctx, st.Query)
	if err != nil {
		// Classification is advisory; assume data analysis and move on.
		e.log.Warn("Intent classification failed, assuming data analysis", "session_id", st.SessionID, "error", err)
		st.AppendWarning("intent classification unavailable")
		return st.transition(StatusExploringSchema)
	}

	st.QueryIntent = result.Intent
	st.IntentConfidence = result.Confidence
	st.IntentReasoning = result.Reasoning
	st.TotalTokensUsed += result.TokensUsed

	if result.Intent != IntentDataAnalysis {
		st.IntentRejection = true
		st.FinalMessage = result.DirectResponse
		if st.FinalMessage == "" {
			st.FinalMessage = "This question doesn't look like a data-analysis request, so no query was run."
		}
		e.log.Info("Query classified as non-analysis", "session_id", st.SessionID, "intent", result.Intent)
		return st.transition(StatusCompleted)
	}
	return st.transition(StatusExploringSchema)
}

func (e *Engine) stepExploreSchema(ctx context.Context, st *State) error {
	schema, err := e.cfg.SchemaFetcher.FetchSchema(ctx, st.Database)
	if err != nil {
		st.RetryCount++
		st.AppendError(fmt.Sprintf("schema exploration failed: %v", err))
		if st.RetryCount >= e.cfg.MaxRetries {
			return e.fail(st, fmt.Sprintf("schema exploration failed after %d retries", st.RetryCount))
		}
		e.log.Warn("Schema exploration failed, retrying", "session_id", st.SessionID, "retry", st.RetryCount, "error", err)
		return nil // retry this state
	}

	st.Schema = schema
	return st.transition(StatusGeneratingSQL)
}

func (e *Engine) stepGenerateSQL(ctx context.Context, st *State) error {
	gen, err := e.cfg.Generator.GenerateSQL(ctx, st.Query, st.Schema, st.QueryIntent)
	if err != nil {
		st.RetryCount++
		st.AppendError(fmt.Sprintf("SQL generation failed: %v", err))
		if st.RetryCount >= e.cfg.MaxRetries {
			return e.fail(st, fmt.Sprintf("SQL generation failed after %d retries", st.RetryCount))
		}
		e.log.Warn("SQL generation failed, retrying", "session_id", st.SessionID, "retry", st.RetryCount, "error", err)
		return nil // retry this state
	}

	st.GeneratedSQL = gen.SQL
	st.Intent = gen.Intent
	st.Confidence = gen.Confidence
	st.Explanation = gen.Explanation
	st.TotalTokensUsed += gen.TokensUsed
	st.AppendTablesUsed(gen.TablesUsed...)
	st.AppendWarnings(gen.Warnings...)

	st.NeedsHumanReview = gen.NeedsHumanReview || gen.Confidence < e.cfg.ConfidenceThreshold
	if st.NeedsHumanReview {
		if gen.NeedsHumanReview {
			st.ReviewReason = hitl.TypeSQLReview
		} else {
			st.ReviewReason = hitl.TypeLowConfidenceApproval
		}
		e.log.Info("Generated SQL needs human review",
			"session_id", st.SessionID,
			"confidence", gen.Confidence,
			"threshold", e.cfg.ConfidenceThreshold,
			"reason", st.ReviewReason)
		return st.transition(StatusAwaitingHumanReview)
	}
	return st.transition(StatusValidating)
}

func (e *Engine) stepValidate(ctx context.Context, st *State) error {
	result := e.cfg.Validator.ValidateQuery(ctx, st.GeneratedSQL, st.Schema)
	st.TotalTokensUsed += result.TokensUsed

	// Apply a mechanical fix once when the validator is confident in it.
	if !result.Valid && result.SuggestedFix != "" && result.Confidence > 0.9 {
		e.log.Info("Applying suggested SQL fix", "session_id", st.SessionID)
		st.AppendWarning("validator auto-fix applied to generated SQL")
		st.GeneratedSQL = result.SuggestedFix
		result = e.cfg.Validator.ValidateQuery(ctx, st.GeneratedSQL, st.Schema)
		result.FixApplied = true
		st.TotalTokensUsed += result.TokensUsed
	}

	st.AppendValidationWarnings(result.WarningMessages()...)

	if !result.Valid {
		st.SQLValid = false
		st.AppendValidationErrors(result.ErrorMessages()...)
		if e.cfg.EscalateOnInvalid {
			st.NeedsHumanReview = true
			st.ReviewReason = hitl.TypeValidationEscalation
			return st.transition(StatusAwaitingHumanReview)
		}
		return e.fail(st, "SQL validation failed")
	}

	st.SQLValid = true
	return st.transition(StatusExecuting)
}

// suspend creates the intervention, notifies best-effort, durably checkpoints
// the state, and yields. No goroutine or worker is held while waiting.
func (e *Engine) suspend(ctx context.Context, st *State, onProgress ProgressCallback, onCheckpoint CheckpointCallback) (*Suspension, error) {
	// A restored state may already own a request (crash between checkpoint
	// and resolution). Reattach instead of creating a duplicate.
	if st.PendingRequestID != "" {
		existing, err := e.cfg.Interventions.Get(ctx, st.PendingRequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pending intervention %s: %w", st.PendingRequestID, err)
		}
		if existing.Status.Terminal() {
			st.PendingRequestID = ""
			if err := e.applyResolution(st, existing); err != nil {
				return nil, err
			}
			return e.run(ctx, st, onProgress, onCheckpoint)
		}
		return &Suspension{Request: existing}, nil
	}

	workflowID, _ := WorkflowIDFromContext(ctx)
	if workflowID == "" {
		workflowID = st.SessionID
	}
	conversationID, _ := ConversationIDFromContext(ctx)

	reviewType := st.ReviewReason
	if reviewType == "" {
		reviewType = hitl.TypeSQLReview
	}

	required := true
	if opt, ok := st.Options["review_optional"].(bool); ok && opt {
		required = false
	}

	iv := &hitl.Intervention{
		WorkflowID:     workflowID,
		ConversationID: conversationID,
		Type:           reviewType,
		Context: map[string]any{
			"query":      st.Query,
			"sql":        st.GeneratedSQL,
			"confidence": st.Confidence,
			"reason":     st.Explanation,
		},
		Options:        hitl.ApprovalOptions(),
		RequesterID:    st.UserID,
		CompanyID:      st.CompanyID,
		RequestedAt:    e.clock.Now().UTC(),
		TimeoutSeconds: int(e.cfg.InterventionTimeout.Seconds()),
		Required:       required,
	}
	if err := e.cfg.Interventions.Create(ctx, iv); err != nil {
		return nil, e.fail(st, fmt.Sprintf("failed to create intervention: %v", err))
	}

	st.PendingRequestID = iv.RequestID
	st.AppendIntervention(InterventionRecord{
		RequestID: iv.RequestID,
		Type:      iv.Type,
		Required:  iv.Required,
		CreatedAt: iv.RequestedAt,
	})

	// Best-effort: a dead channel leaves the request answerable via the API.
	if err := e.cfg.Notifier.Notify(ctx, iv); err != nil {
		e.log.Warn("Failed to notify for intervention", "request_id", iv.RequestID, "error", err)
	}

	// The suspension checkpoint is the durability boundary: the response or
	// timeout may arrive on another process, which must see this exact state.
	if onCheckpoint != nil {
		if err := onCheckpoint(st); err != nil {
			return nil, fmt.Errorf("failed to checkpoint suspended workflow: %w", err)
		}
	}

	e.notifyProgress(onProgress, st)
	e.log.Info("Workflow suspended for human review",
		"session_id", st.SessionID,
		"request_id", iv.RequestID,
		"type", iv.Type,
		"timeout_at", iv.TimeoutAt)

	return &Suspension{Request: iv}, nil
}

func (e *Engine) stepExecute(ctx context.Context, st *State) error {
	result, err := e.cfg.Executor.ExecuteQuery(ctx, st.GeneratedSQL, st.Database)
	if err != nil {
		// Side-effecting execution never auto-retries.
		st.QuerySuccess = false
		st.QueryError = err.Error()
		return e.fail(st, fmt.Sprintf("query execution failed: %v", err))
	}

	st.QuerySuccess = true
	st.QueryData = result.Rows
	st.RowCount = result.Count
	st.ExecutionTimeMS = result.ExecutionTimeMS
	return st.transition(StatusAnalyzingResults)
}

func (e *Engine) stepAnalyze(ctx context.Context, st *State) error {
	result := &QueryResult{
		SQL:             st.GeneratedSQL,
		Rows:            st.QueryData,
		Count:           st.RowCount,
		ExecutionTimeMS: st.ExecutionTimeMS,
	}
	analysis, err := e.cfg.Analyzer.AnalyzeData(ctx, st.Query, result)
	if err != nil {
		// A query that ran is still a usable result without interpretation.
		e.log.Warn("Result analysis failed", "session_id", st.SessionID, "error", err)
		st.AppendWarning(fmt.Sprintf("result analysis failed: %v", err))
		return st.transition(StatusCompleted)
	}

	st.AnalysisResults = analysis
	st.TotalTokensUsed += analysis.TokensUsed
	st.AppendInsights(analysis.Insights...)
	st.AppendRecommendations(analysis.Recommendations...)
	return st.transition(StatusCompleted)
}
