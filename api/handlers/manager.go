package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/agent/pkg/unified"
	"github.com/xentoshi/insight/agent/pkg/workflow"
	"github.com/xentoshi/insight/api/config"
	"github.com/xentoshi/insight/api/metrics"
	"github.com/xentoshi/insight/notify"
)

// RunEvent is a single SSE-able event emitted by a live run.
type RunEvent struct {
	Type string
	Data any
}

// RunSubscriber receives events from one live run. Events is buffered; a
// slow consumer drops events rather than blocking the run.
type RunSubscriber struct {
	Events chan RunEvent
	Done   chan struct{}
}

// activeRun tracks one run executing in this process.
type activeRun struct {
	ID             uuid.UUID
	ConversationID string
	Query          string
	Cancel         context.CancelFunc

	mu          sync.RWMutex
	subscribers map[*RunSubscriber]struct{}
}

func (rw *activeRun) addSubscriber(sub *RunSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.subscribers[sub] = struct{}{}
}

func (rw *activeRun) removeSubscriber(sub *RunSubscriber) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	delete(rw.subscribers, sub)
}

func (rw *activeRun) broadcast(event RunEvent) {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	for sub := range rw.subscribers {
		select {
		case sub.Events <- event:
		default:
			slog.Warn("Run subscriber buffer full, dropping event", "workflow_id", rw.ID, "event", event.Type)
		}
	}
}

func (rw *activeRun) closeAll() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for sub := range rw.subscribers {
		close(sub.Done)
	}
	rw.subscribers = make(map[*RunSubscriber]struct{})
}

// RunManager owns the in-process run registry: it starts runs, persists
// checkpoints, fans out progress events, and resumes suspended or orphaned
// runs. serverID identifies this replica in the claiming columns.
type RunManager struct {
	mu             sync.RWMutex
	running        map[uuid.UUID]*activeRun
	byConversation map[string]uuid.UUID

	serverID string
	log      *slog.Logger
	orch     *unified.Orchestrator
	store    hitl.Store
	sweeper  *hitl.Sweeper
}

// Manager is the global run manager for this process.
var Manager = &RunManager{
	running:        make(map[uuid.UUID]*activeRun),
	byConversation: make(map[string]uuid.UUID),
	serverID:       uuid.NewString(),
	log:            slog.Default(),
}

// InitManager wires the manager's engine stack: Anthropic LLM, ClickHouse
// tools, Postgres intervention store, notification channels, and the
// timeout sweeper. Must be called after config.Load and config.LoadPostgres.
func InitManager(log *slog.Logger) error {
	store := hitl.NewPGStore(config.PgPool)
	llm := NewAnthropicClient()
	settings := config.LoadWorkflowSettings()

	engine, err := workflow.New(&workflow.Config{
		Logger:              log,
		LLM:                 llm,
		SchemaFetcher:       NewCHSchemaFetcher(),
		Executor:            NewCHExecutor(),
		Interventions:       store,
		Notifier:            buildNotifier(log),
		ConfidenceThreshold: settings.ConfidenceThreshold,
		MaxRetries:          settings.MaxRetries,
		InterventionTimeout: settings.InterventionTimeout,
		EscalateOnInvalid:   settings.EscalateOnInvalid,
	})
	if err != nil {
		return fmt.Errorf("failed to create analysis engine: %w", err)
	}

	orch, err := unified.New(&unified.Config{
		Logger:      log,
		Engine:      engine,
		DecisionLLM: llm,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	Manager.log = log
	Manager.orch = orch
	Manager.store = store
	Manager.sweeper = hitl.NewSweeper(log, store, nil, 30*time.Second, Manager.handleTimeout)
	return nil
}

// buildNotifier assembles the notification fan-out: the log channel always,
// Slack when a bot token and notify channel are configured, email when an
// SMTP host and recipient list are.
func buildNotifier(log *slog.Logger) notify.Notifier {
	channels := []notify.Notifier{notify.NewLog(log)}
	if token, channel := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_NOTIFY_CHANNEL"); token != "" && channel != "" {
		channels = append(channels, notify.NewSlack(slack.New(token), channel, os.Getenv("WEB_BASE_URL")))
	}
	if host, to := os.Getenv("SMTP_HOST"), os.Getenv("HITL_NOTIFY_EMAIL"); host != "" && to != "" {
		port := 587
		if p, err := strconv.Atoi(os.Getenv("SMTP_PORT")); err == nil && p > 0 {
			port = p
		}
		channels = append(channels, notify.NewEmail(
			host, port,
			os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_FROM"),
			strings.Split(to, ","), os.Getenv("WEB_BASE_URL")))
	}
	return notify.NewMulti(log, channels...)
}

// Store exposes the intervention store to the HTTP handlers.
func (m *RunManager) Store() hitl.Store {
	return m.store
}

// Sweeper returns the timeout sweeper for main to run.
func (m *RunManager) Sweeper() *hitl.Sweeper {
	return m.sweeper
}

// StartRun creates the durable run row and executes the unified workflow in
// the background. Returns the created row immediately.
func (m *RunManager) StartRun(ctx context.Context, req *unified.Request) (*Run, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	id := uuid.New()
	st := unified.NewState(id.String(), req.ConversationID, req.Query, req.Database, req.Options)
	st.UserID = req.UserID
	st.CompanyID = req.CompanyID

	blob, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initial state: %w", err)
	}

	run := &Run{
		ID:             id,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		Database:       req.Database,
		State:          blob,
	}
	if req.UserID != "" {
		run.UserID = &req.UserID
	}
	if req.CompanyID != "" {
		run.CompanyID = &req.CompanyID
	}
	if err := CreateRun(ctx, run, m.serverID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rw := m.track(id, req.ConversationID, req.Query, cancel)

	go m.runWorkflow(runCtx, id, st, rw, false)

	return run, nil
}

func (m *RunManager) track(id uuid.UUID, conversationID, query string, cancel context.CancelFunc) *activeRun {
	rw := &activeRun{
		ID:             id,
		ConversationID: conversationID,
		Query:          query,
		Cancel:         cancel,
		subscribers:    make(map[*RunSubscriber]struct{}),
	}
	m.mu.Lock()
	m.running[id] = rw
	if conversationID != "" {
		m.byConversation[conversationID] = id
	}
	m.mu.Unlock()
	return rw
}

// untrack removes the entry only if it still belongs to rw: a run resumed
// from finishRun re-registers the same ID before the old goroutine unwinds.
func (m *RunManager) untrack(id uuid.UUID, rw *activeRun) {
	m.mu.Lock()
	if cur, ok := m.running[id]; ok && cur == rw {
		delete(m.running, id)
		if cid, ok := m.byConversation[cur.ConversationID]; ok && cid == id {
			delete(m.byConversation, cur.ConversationID)
		}
	}
	m.mu.Unlock()
}

// runWorkflow drives a run (fresh or restored) to suspension or completion.
func (m *RunManager) runWorkflow(ctx context.Context, id uuid.UUID, st *unified.State, rw *activeRun, resumed bool) {
	metrics.ActiveWorkflows.Inc()
	defer metrics.ActiveWorkflows.Dec()
	defer m.untrack(id, rw)
	defer rw.closeAll()

	m.log.Info("Workflow run started",
		"workflow_id", id, "conversation_id", st.ConversationID,
		"query", truncate(st.Query, 120), "resumed", resumed)

	susp, err := m.orch.Run(ctx, st, m.progressFor(rw), m.checkpointFor(id))
	m.finishRun(id, st, rw, susp, err)
}

// resumeWorkflow applies a resolved intervention and continues the run.
func (m *RunManager) resumeWorkflow(ctx context.Context, id uuid.UUID, st *unified.State, iv *hitl.Intervention, rw *activeRun) {
	metrics.ActiveWorkflows.Inc()
	defer metrics.ActiveWorkflows.Dec()
	defer m.untrack(id, rw)
	defer rw.closeAll()

	m.log.Info("Workflow run resuming",
		"workflow_id", id, "request_id", iv.RequestID, "intervention_status", iv.Status)

	susp, err := m.orch.Resume(ctx, st, iv, m.progressFor(rw), m.checkpointFor(id))
	m.finishRun(id, st, rw, susp, err)
}

// finishRun records the outcome in the database before broadcasting, so a
// client that reconnects right after the event sees consistent state.
func (m *RunManager) finishRun(id uuid.UUID, st *unified.State, rw *activeRun, susp *workflow.Suspension, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blob, marshalErr := json.Marshal(st)
	if marshalErr != nil {
		m.log.Error("Failed to marshal final state", "workflow_id", id, "error", marshalErr)
		blob = nil
	}

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Cancellation already flipped the row; nothing to persist.
		m.log.Info("Workflow run cancelled", "workflow_id", id)

	case err != nil:
		m.log.Error("Workflow run failed", "workflow_id", id, "error", err)
		if dbErr := FailRun(ctx, id, SanitizeError(err), blob); dbErr != nil {
			m.log.Error("Failed to record run failure", "workflow_id", id, "error", dbErr)
		}
		rw.broadcast(RunEvent{Type: "error", Data: map[string]any{"error": SanitizeError(err)}})

	case susp != nil:
		// The engine's mandatory checkpoint already wrote the suspended row.
		metrics.RecordIntervention("created")
		m.log.Info("Workflow run suspended",
			"workflow_id", id, "request_id", susp.Request.RequestID,
			"type", susp.Request.Type, "timeout_at", susp.Request.TimeoutAt)

		// A fast responder can answer between intervention creation and the
		// suspension checkpoint; their resume attempt found no suspended row
		// and gave up. Now that the row is durable, check for a resolution
		// that beat the checkpoint. The suspended-row CAS in ResumeForRequest
		// keeps this single-winner against any racing respond or sweep.
		if latest, ivErr := m.store.Get(ctx, susp.Request.RequestID); ivErr == nil && latest.Status.Terminal() {
			m.log.Info("Intervention resolved before suspension checkpoint, resuming",
				"workflow_id", id, "request_id", latest.RequestID, "intervention_status", latest.Status)
			if resumeErr := m.ResumeForRequest(ctx, latest.RequestID, latest); resumeErr != nil {
				m.log.Error("Failed to resume run after early response",
					"workflow_id", id, "request_id", latest.RequestID, "error", resumeErr)
			}
			return
		}

		rw.broadcast(RunEvent{Type: "intervention_required", Data: susp.Request})

	default:
		if dbErr := CompleteRun(ctx, id, st.Outcome, blob); dbErr != nil {
			m.log.Error("Failed to record run completion", "workflow_id", id, "error", dbErr)
		}
		rw.broadcast(RunEvent{Type: "done", Data: json.RawMessage(blob)})
	}
}

func (m *RunManager) progressFor(rw *activeRun) unified.ProgressCallback {
	return func(p unified.Progress) {
		rw.broadcast(RunEvent{Type: "progress", Data: p})
	}
}

// checkpointFor persists the unified state. While the analysis sub-run is
// parked on an intervention the row flips to suspended; otherwise it stays a
// running checkpoint.
func (m *RunManager) checkpointFor(id uuid.UUID) unified.CheckpointCallback {
	return func(st *unified.State) error {
		blob, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if rid := st.PendingRequestID(); rid != "" {
			return SuspendRun(ctx, id, rid, string(st.Stage), blob)
		}
		return UpdateRunCheckpoint(ctx, id, string(st.Stage), blob)
	}
}

// ResumeForRequest wakes the run parked on the given resolved intervention.
// Exactly one caller proceeds when a response and a timeout sweep race.
func (m *RunManager) ResumeForRequest(ctx context.Context, requestID string, iv *hitl.Intervention) error {
	run, err := GetRunByPendingRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if run == nil {
		m.log.Info("No suspended run for intervention", "request_id", requestID)
		return nil
	}

	claimed, err := ReclaimSuspendedRun(ctx, run.ID, m.serverID)
	if err != nil {
		return err
	}
	if claimed == nil {
		m.log.Info("Suspended run already reclaimed elsewhere", "workflow_id", run.ID, "request_id", requestID)
		return nil
	}

	st := &unified.State{}
	if err := json.Unmarshal(claimed.State, st); err != nil {
		failErr := fmt.Errorf("failed to restore suspended state: %w", err)
		_ = FailRun(ctx, run.ID, failErr.Error(), nil)
		return failErr
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rw := m.track(run.ID, st.ConversationID, st.Query, cancel)

	go m.resumeWorkflow(runCtx, run.ID, st, iv, rw)
	return nil
}

// handleTimeout is the sweeper callback for expired interventions.
func (m *RunManager) handleTimeout(ctx context.Context, iv hitl.Intervention) {
	metrics.RecordIntervention("timed_out")
	if err := m.ResumeForRequest(ctx, iv.RequestID, &iv); err != nil {
		m.log.Error("Failed to resume run after intervention timeout",
			"request_id", iv.RequestID, "workflow_id", iv.WorkflowID, "error", err)
	}
}

// Subscribe attaches a new subscriber to a live run. Returns nil when the
// run is not executing in this process.
func (m *RunManager) Subscribe(id uuid.UUID) *RunSubscriber {
	m.mu.RLock()
	rw, ok := m.running[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	sub := &RunSubscriber{
		Events: make(chan RunEvent, 100),
		Done:   make(chan struct{}),
	}
	rw.addSubscriber(sub)
	return sub
}

// Unsubscribe detaches a subscriber from a live run.
func (m *RunManager) Unsubscribe(id uuid.UUID, sub *RunSubscriber) {
	m.mu.RLock()
	rw, ok := m.running[id]
	m.mu.RUnlock()
	if ok {
		rw.removeSubscriber(sub)
	}
}

// IsRunning reports whether the run is executing in this process.
func (m *RunManager) IsRunning(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.running[id]
	return ok
}

// RunningForConversation returns the live run for a conversation, if any.
func (m *RunManager) RunningForConversation(conversationID string) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byConversation[conversationID]
	return id, ok
}

// Cancel stops a run: the in-process context is cancelled, the row flips to
// cancelled, and any pending intervention is cancelled with it.
func (m *RunManager) Cancel(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := CancelRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	if run.PendingRequestID != nil {
		if _, err := m.store.Cancel(ctx, *run.PendingRequestID); err != nil && !errors.Is(err, hitl.ErrConflict) {
			m.log.Warn("Failed to cancel pending intervention",
				"workflow_id", id, "request_id", *run.PendingRequestID, "error", err)
		} else {
			metrics.RecordIntervention("cancelled")
		}
	}

	m.mu.RLock()
	rw, ok := m.running[id]
	m.mu.RUnlock()
	if ok {
		rw.broadcast(RunEvent{Type: "cancelled", Data: map[string]any{"workflow_id": id}})
		rw.Cancel()
	}
	return run, nil
}

// ResumeIncompleteRuns claims orphaned running rows left behind by dead
// replicas and restarts them from their last checkpoint. Suspended rows are
// left alone; a response or timeout wakes those. Intended to run once in the
// background at startup.
func (m *RunManager) ResumeIncompleteRuns() {
	// Grace period so a rolling deploy's outgoing replica can finish its writes.
	time.Sleep(5 * time.Second)

	const staleAfter = 5 * time.Minute
	ctx := context.Background()

	for {
		run, err := ClaimIncompleteRun(ctx, m.serverID, staleAfter)
		if err != nil {
			m.log.Error("Failed to claim incomplete workflow run", "error", err)
			return
		}
		if run == nil {
			return
		}

		m.log.Info("Claimed incomplete workflow run", "workflow_id", run.ID, "stage", run.Stage)

		if len(run.State) == 0 {
			_ = FailRun(ctx, run.ID, "server restarted before first checkpoint", nil)
			continue
		}

		st := &unified.State{}
		if err := json.Unmarshal(run.State, st); err != nil {
			m.log.Error("Failed to restore claimed run state", "workflow_id", run.ID, "error", err)
			_ = FailRun(ctx, run.ID, "failed to restore checkpointed state", nil)
			continue
		}

		if rid := st.PendingRequestID(); rid != "" {
			// Crashed between the suspension checkpoint and the status flip.
			m.resumeClaimedSuspension(ctx, run, st, rid)
			continue
		}

		runCtx, cancel := context.WithCancel(context.Background())
		rw := m.track(run.ID, st.ConversationID, st.Query, cancel)
		go m.runWorkflow(runCtx, run.ID, st, rw, true)
	}
}

// resumeClaimedSuspension handles a claimed row whose state is parked on an
// intervention: resolved interventions resume immediately, pending ones park
// the row back as suspended.
func (m *RunManager) resumeClaimedSuspension(ctx context.Context, run *Run, st *unified.State, requestID string) {
	iv, err := m.store.Get(ctx, requestID)
	if err != nil {
		m.log.Error("Failed to load intervention for claimed run",
			"workflow_id", run.ID, "request_id", requestID, "error", err)
		_ = FailRun(ctx, run.ID, "failed to load pending intervention", nil)
		return
	}

	if iv.Status == hitl.StatusPending {
		if err := SuspendRun(ctx, run.ID, requestID, string(st.Stage), run.State); err != nil {
			m.log.Error("Failed to re-park claimed run", "workflow_id", run.ID, "error", err)
		}
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rw := m.track(run.ID, st.ConversationID, st.Query, cancel)
	go m.resumeWorkflow(runCtx, run.ID, st, iv, rw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
