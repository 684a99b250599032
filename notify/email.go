package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/xentoshi/insight/agent/pkg/hitl"
)

// Email sends intervention alerts over SMTP. Like every channel it is
// best-effort: a failed send leaves the request answerable via the API.
type Email struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	baseURL  string // Web UI base for the "respond" link, optional
}

// NewEmail creates an SMTP notification channel. An empty from address
// defaults to a no-reply sender at the SMTP host.
func NewEmail(host string, port int, username, password, from string, to []string, baseURL string) *Email {
	if from == "" {
		from = "insight-noreply@" + host
	}
	return &Email{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       to,
		baseURL:  baseURL,
	}
}

func (e *Email) Notify(_ context.Context, iv *hitl.Intervention) error {
	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	if err := smtp.SendMail(addr, auth, e.from, e.to, e.buildMessage(iv)); err != nil {
		return fmt.Errorf("failed to send intervention email: %w", err)
	}
	return nil
}

func (e *Email) buildMessage(iv *hitl.Intervention) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: Human review requested: %s\r\n", iv.Type)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "A workflow is waiting on human review.\r\n\r\n")
	fmt.Fprintf(&b, "Request:  %s\r\n", iv.RequestID)
	fmt.Fprintf(&b, "Workflow: %s\r\n", iv.WorkflowID)
	fmt.Fprintf(&b, "Type:     %s\r\n", iv.Type)
	fmt.Fprintf(&b, "Expires:  %s\r\n", iv.TimeoutAt.Format(time.RFC1123))
	if !iv.Required {
		b.WriteString("On timeout the query is approved automatically.\r\n")
	}

	if summary := ContextSummary(iv); summary != "" {
		b.WriteString("\r\n")
		b.WriteString(strings.ReplaceAll(summary, "\n", "\r\n"))
		b.WriteString("\r\n")
	}

	fmt.Fprintf(&b, "\r\nOptions: %s\r\n", optionActions(iv.Options))
	if e.baseURL != "" {
		fmt.Fprintf(&b, "\r\nRespond: %s/interventions/%s\r\n", e.baseURL, iv.RequestID)
	}
	return []byte(b.String())
}
