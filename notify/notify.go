// Package notify dispatches "a decision is needed" alerts for pending
// interventions. Delivery is best-effort: a channel failure is logged and
// swallowed, the intervention stays pending and answerable via the API.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xentoshi/insight/agent/pkg/hitl"
)

// Notifier delivers an alert for one intervention request.
type Notifier interface {
	Notify(ctx context.Context, iv *hitl.Intervention) error
}

// Multi fans out to every configured channel. It never returns an error:
// per-channel failures are logged so a dead channel cannot fail a workflow.
type Multi struct {
	log      *slog.Logger
	channels []Notifier
}

// NewMulti creates a fan-out notifier over the given channels.
func NewMulti(log *slog.Logger, channels ...Notifier) *Multi {
	return &Multi{log: log, channels: channels}
}

func (m *Multi) Notify(ctx context.Context, iv *hitl.Intervention) error {
	for _, ch := range m.channels {
		if err := ch.Notify(ctx, iv); err != nil {
			m.log.Warn("Notification channel failed",
				"request_id", iv.RequestID,
				"workflow_id", iv.WorkflowID,
				"channel", fmt.Sprintf("%T", ch),
				"error", err)
		}
	}
	return nil
}

// Log is an always-available channel that records the request in the server
// log. Useful as a fallback when no external channel is configured.
type Log struct {
	log *slog.Logger
}

// NewLog creates a log-based notification channel.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, iv *hitl.Intervention) error {
	l.log.Info("Human review requested",
		"request_id", iv.RequestID,
		"workflow_id", iv.WorkflowID,
		"type", iv.Type,
		"required", iv.Required,
		"timeout_at", iv.TimeoutAt,
		"options", optionActions(iv.Options))
	return nil
}

func optionActions(opts []hitl.Option) string {
	actions := make([]string, len(opts))
	for i, opt := range opts {
		actions[i] = opt.Action
	}
	return strings.Join(actions, ", ")
}

// ContextSummary renders the intervention context as a short human-readable
// string for outbound payloads.
func ContextSummary(iv *hitl.Intervention) string {
	var b strings.Builder
	if q, ok := iv.Context["query"].(string); ok && q != "" {
		fmt.Fprintf(&b, "Query: %s\n", q)
	}
	if sql, ok := iv.Context["sql"].(string); ok && sql != "" {
		fmt.Fprintf(&b, "SQL: %s\n", sql)
	}
	if conf, ok := iv.Context["confidence"].(float64); ok {
		fmt.Fprintf(&b, "Confidence: %.2f\n", conf)
	}
	if reason, ok := iv.Context["reason"].(string); ok && reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	return strings.TrimRight(b.String(), "\n")
}
