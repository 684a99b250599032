package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xentoshi/insight/agent/pkg/hitl"
)

type stubChannel struct {
	calls int
	err   error
}

func (c *stubChannel) Notify(context.Context, *hitl.Intervention) error {
	c.calls++
	return c.err
}

func TestMultiSwallowsChannelFailures(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	broken := &stubChannel{err: errors.New("slack is down")}
	healthy := &stubChannel{}

	multi := NewMulti(log, broken, healthy)
	err := multi.Notify(context.Background(), &hitl.Intervention{
		RequestID:  "req-1",
		WorkflowID: "wf-1",
		Type:       hitl.TypeSQLReview,
		Options:    hitl.ApprovalOptions(),
	})

	// A dead channel must never fail the workflow.
	require.NoError(t, err)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestContextSummary(t *testing.T) {
	iv := &hitl.Intervention{
		Context: map[string]any{
			"query":      "Show total sales last month",
			"sql":        "SELECT sum(amount) FROM sales",
			"confidence": 0.4,
		},
	}
	summary := ContextSummary(iv)
	assert.Contains(t, summary, "Query: Show total sales last month")
	assert.Contains(t, summary, "SELECT sum(amount) FROM sales")
	assert.Contains(t, summary, "Confidence: 0.40")
}

func TestEmailMessage(t *testing.T) {
	email := NewEmail("smtp.example.com", 587, "bot", "secret", "",
		[]string{"oncall@example.com", "analysts@example.com"}, "https://insight.example.com")

	iv := &hitl.Intervention{
		RequestID:  "req-1",
		WorkflowID: "wf-1",
		Type:       hitl.TypeSQLReview,
		Context: map[string]any{
			"sql":        "SELECT sum(amount) FROM sales",
			"confidence": 0.4,
		},
		Options:   hitl.ApprovalOptions(),
		TimeoutAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Required:  false,
	}
	msg := string(email.buildMessage(iv))

	// Empty from falls back to a no-reply sender at the SMTP host.
	assert.Contains(t, msg, "From: insight-noreply@smtp.example.com\r\n")
	assert.Contains(t, msg, "To: oncall@example.com, analysts@example.com\r\n")
	assert.Contains(t, msg, "Subject: Human review requested: sql_review\r\n")
	assert.Contains(t, msg, "Request:  req-1")
	assert.Contains(t, msg, "SELECT sum(amount) FROM sales")
	assert.Contains(t, msg, "approved automatically")
	assert.Contains(t, msg, "Respond: https://insight.example.com/interventions/req-1")
}
