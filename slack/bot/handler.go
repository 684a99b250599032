package bot

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/xentoshi/insight/agent/pkg/hitl"
	"github.com/xentoshi/insight/agent/pkg/unified"
	"github.com/xentoshi/insight/api/handlers"
	"github.com/xentoshi/insight/api/metrics"
	"github.com/xentoshi/insight/notify"
)

// runTimeout bounds a single Slack-initiated workflow run. Runs that suspend
// for review return earlier; the button callback resumes them independently.
const runTimeout = 10 * time.Minute

// isTeamAllowed checks if a Slack team ID is permitted.
// If SLACK_ALLOWED_TEAM_IDS is not set, all teams are allowed.
func isTeamAllowed(teamID string) bool {
	allowed := os.Getenv("SLACK_ALLOWED_TEAM_IDS")
	if allowed == "" {
		return true
	}
	for _, id := range strings.Split(allowed, ",") {
		if strings.TrimSpace(id) == teamID {
			return true
		}
	}
	return false
}

// RunSocketMode runs the Socket Mode event loop until the context is
// cancelled or the connection closes.
func (b *Bot) RunSocketMode(ctx context.Context) error {
	b.log.Info("slack bot running in socket mode")

	go func() {
		if err := b.socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Error("socket mode client stopped", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("shutting down socket mode handler", "error", ctx.Err())
			return ctx.Err()

		case evt, ok := <-b.socket.Events:
			if !ok {
				b.log.Info("socket mode events channel closed")
				return nil
			}
			if !b.isAcceptingNew() {
				b.log.Info("not accepting new events, shutting down")
				return ctx.Err()
			}

			switch evt.Type {
			case socketmode.EventTypeConnecting:
				b.log.Info("socketmode: connecting")
			case socketmode.EventTypeConnected:
				b.log.Info("socketmode: connected")
			case socketmode.EventTypeConnectionError:
				b.log.Error("socketmode: connection error", "error", evt.Data)

			case socketmode.EventTypeEventsAPI:
				e, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					b.log.Warn("socketmode: unexpected EventsAPI payload", "data_type", fmt.Sprintf("%T", evt.Data))
					continue
				}

				envelopeID := evt.Request.EnvelopeID
				if envelopeID != "" && !b.markProcessed(envelopeID) {
					b.log.Info("skipping duplicate event",
						"envelope_id", envelopeID,
						"retry_attempt", evt.Request.RetryAttempt,
						"retry_reason", evt.Request.RetryReason)
					EventsDuplicateTotal.Inc()
					b.socket.Ack(*evt.Request)
					continue
				}

				b.socket.Ack(*evt.Request)
				// Background context so shutdown cancellation doesn't interrupt
				// in-flight runs; the WaitGroup coordinates shutdown.
				b.handleEvent(context.Background(), e)

			case socketmode.EventTypeInteractive:
				cb, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					b.log.Warn("socketmode: unexpected interactive payload", "data_type", fmt.Sprintf("%T", evt.Data))
					continue
				}
				b.socket.Ack(*evt.Request)

				b.inFlightOps.Add(1)
				go func() {
					defer b.inFlightOps.Done()
					b.handleInteraction(context.Background(), &cb)
				}()
			}
		}
	}
}

// HandleHTTP handles HTTP requests from the Slack Events API.
func (b *Bot) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		b.log.Error("failed to read slack request body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !b.verifySignature(r.Header, body) {
		b.log.Warn("invalid slack signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// URL verification challenge
	var challenge struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &challenge); err == nil && challenge.Type == "url_verification" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		b.log.Error("failed to parse slack event", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// HTTP retries carry no envelope ID; key message events by channel:ts
	// and hash everything else.
	var eventID string
	if msgEv, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		eventID = fmt.Sprintf("%s:%s", msgEv.Channel, msgEv.TimeStamp)
	} else {
		raw, _ := json.Marshal(event.InnerEvent.Data)
		eventID = fmt.Sprintf("%x", sha256.Sum256(raw))
	}
	if !b.markProcessed(eventID) {
		b.log.Info("skipping duplicate event", "event_id", eventID)
		EventsDuplicateTotal.Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if !b.isAcceptingNew() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("service is shutting down"))
		return
	}

	// Respond within Slack's 3 second window, process asynchronously
	w.WriteHeader(http.StatusOK)
	go b.handleEvent(context.Background(), event)
}

func (b *Bot) verifySignature(header http.Header, body []byte) bool {
	if b.cfg.SigningSecret == "" {
		return false
	}
	verifier, err := slack.NewSecretsVerifier(header, b.cfg.SigningSecret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(body); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}

// handleEvent routes an Events API event.
func (b *Bot) handleEvent(ctx context.Context, e slackevents.EventsAPIEvent) {
	b.log.Info("slack event received", "type", e.Type, "inner_event_type", e.InnerEvent.Type, "team_id", e.TeamID)
	EventsReceivedTotal.WithLabelValues(e.Type, e.InnerEvent.Type).Inc()

	if !isTeamAllowed(e.TeamID) {
		b.log.Warn("ignoring event from disallowed team", "team_id", e.TeamID)
		return
	}
	if e.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := e.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		b.handleAppMention(ctx, ev)
	case *slackevents.MessageEvent:
		b.handleMessageEvent(ctx, ev)
	}
}

// handleAppMention answers a channel mention in its thread.
func (b *Bot) handleAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	question := b.stripMention(ev.Text)
	if question == "" {
		MessagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	messageKey := fmt.Sprintf("%s:%s", ev.Channel, ev.TimeStamp)
	if !b.markResponded(messageKey) {
		b.log.Info("skipping already answered mention", "message_ts", ev.TimeStamp)
		MessagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}

	// Replies land in the mention's thread; a mention inside an existing
	// thread continues that thread's conversation.
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}

	MessagesProcessedTotal.WithLabelValues("channel").Inc()
	b.inFlightOps.Add(1)
	go func() {
		defer b.inFlightOps.Done()
		b.answer(ctx, ev.Channel, threadTS, ev.User, question)
	}()
}

// handleMessageEvent answers direct messages. Channel messages are handled
// through app_mention events.
func (b *Bot) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.SubType != "" {
		MessagesIgnoredTotal.WithLabelValues("subtype").Inc()
		return // ignore edits/joins/etc
	}
	if ev.BotID != "" || ev.User == b.botUserID {
		MessagesIgnoredTotal.WithLabelValues("bot_message").Inc()
		return // avoid loops
	}
	if ev.ChannelType != "im" {
		MessagesIgnoredTotal.WithLabelValues("not_dm").Inc()
		return
	}

	question := strings.TrimSpace(ev.Text)
	if question == "" {
		MessagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	messageKey := fmt.Sprintf("%s:%s", ev.Channel, ev.TimeStamp)
	if !b.markResponded(messageKey) {
		MessagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}

	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}

	b.log.Info("dm received", "user", ev.User, "channel", ev.Channel, "ts", ev.TimeStamp)
	MessagesProcessedTotal.WithLabelValues("im").Inc()
	b.inFlightOps.Add(1)
	go func() {
		defer b.inFlightOps.Done()
		b.answer(ctx, ev.Channel, threadTS, ev.User, question)
	}()
}

func (b *Bot) stripMention(text string) string {
	if b.botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+b.botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

// answer runs the workflow for one question and posts the result in-thread.
// The thread identifies the conversation, so follow-up mentions in the same
// thread share history and suspended runs resume into the same place.
func (b *Bot) answer(ctx context.Context, channel, threadTS, userID, question string) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	conversationID := fmt.Sprintf("slack:%s:%s", channel, threadTS)

	_, statusTS, err := b.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(":mag: Working on it...", false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.log.Error("failed to post status message", "channel", channel, "error", err)
		return
	}

	updateStatus := func(text string) {
		_, _, _, err := b.api.UpdateMessageContext(ctx, channel, statusTS,
			slack.MsgOptionText(text, false))
		if err != nil {
			b.log.Warn("failed to update status message", "channel", channel, "error", err)
		}
	}

	res, err := b.runner.Run(ctx, question, conversationID, "slack:"+userID, func(p unified.Progress) {
		updateStatus(progressText(p))
	})
	if err != nil {
		b.log.Error("workflow run failed", "conversation_id", conversationID, "error", err)
		updateStatus(fmt.Sprintf(":x: %s", err.Error()))
		return
	}

	if res.Intervention != nil {
		updateStatus(":raised_hand: This query needs human review before it can run.")
		b.postIntervention(ctx, channel, threadTS, res.Intervention)
		return
	}

	updateStatus(renderAnswer(res.State, b.cfg.WebBaseURL))
}

// postIntervention posts the review request with approve/reject buttons in
// the question's thread.
func (b *Bot) postIntervention(ctx context.Context, channel, threadTS string, iv *hitl.Intervention) {
	blocks := notify.InterventionBlocks(iv, b.cfg.WebBaseURL)
	_, _, err := b.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(fmt.Sprintf("Human review requested: %s", iv.Type), false),
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.log.Error("failed to post intervention message", "request_id", iv.RequestID, "error", err)
	}
}

// handleInteraction processes block action callbacks from intervention
// buttons. The response goes through the store's first-writer-wins
// transition, so a button press racing the API or the timeout sweeper
// resolves to exactly one recorded response.
func (b *Bot) handleInteraction(ctx context.Context, cb *slack.InteractionCallback) {
	if cb.Type != slack.InteractionTypeBlockActions {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, action := range cb.ActionCallback.BlockActions {
		if !strings.HasPrefix(action.ActionID, "intervention_") {
			continue
		}
		actionName := strings.TrimPrefix(action.ActionID, "intervention_")
		requestID := action.Value

		b.log.Info("intervention button pressed",
			"request_id", requestID, "action", actionName, "user", cb.User.ID)
		InterventionActionsTotal.WithLabelValues(actionName).Inc()

		iv, err := handlers.Manager.Store().RecordResponse(ctx, requestID, &hitl.Response{
			Action:      actionName,
			ResponderID: "slack:" + cb.User.ID,
		})
		if err != nil {
			b.postInteractionError(ctx, cb, requestID, err)
			continue
		}

		metrics.RecordIntervention("responded")
		go func() {
			resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer resumeCancel()
			if err := handlers.Manager.ResumeForRequest(resumeCtx, requestID, iv); err != nil {
				b.log.Error("failed to resume run after button response",
					"request_id", requestID, "error", err)
			}
		}()

		b.postInThread(ctx, cb, fmt.Sprintf(":white_check_mark: *%s* by <@%s>", actionName, cb.User.ID))
	}
}

func (b *Bot) postInteractionError(ctx context.Context, cb *slack.InteractionCallback, requestID string, err error) {
	var text string
	switch {
	case errors.Is(err, hitl.ErrConflict):
		text = ":information_source: This request was already resolved."
	case errors.Is(err, hitl.ErrNotFound):
		text = ":information_source: This request no longer exists."
	case errors.Is(err, hitl.ErrInvalidAction):
		text = ":x: That action is not offered by this request."
	default:
		b.log.Error("failed to record button response", "request_id", requestID, "error", err)
		text = ":x: Failed to record the response, please try again."
	}
	b.postInThread(ctx, cb, text)
}

func (b *Bot) postInThread(ctx context.Context, cb *slack.InteractionCallback, text string) {
	threadTS := cb.Message.ThreadTimestamp
	if threadTS == "" {
		threadTS = cb.Message.Timestamp
	}
	_, _, err := b.api.PostMessageContext(ctx, cb.Channel.ID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.log.Warn("failed to post interaction reply", "channel", cb.Channel.ID, "error", err)
	}
}
