package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/xentoshi/insight/agent/pkg/hitl"
)

// Slack posts intervention alerts to a channel with approve/reject buttons.
// Button callbacks are handled by the Slack bot and go through the same
// store transition as HTTP responses.
type Slack struct {
	client  *slack.Client
	channel string
	baseURL string // Web UI base for the "respond" link, optional
}

// NewSlack creates a Slack notification channel.
func NewSlack(client *slack.Client, channel, baseURL string) *Slack {
	return &Slack{client: client, channel: channel, baseURL: baseURL}
}

func (s *Slack) Notify(ctx context.Context, iv *hitl.Intervention) error {
	blocks := InterventionBlocks(iv, s.baseURL)
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fmt.Sprintf("Human review requested: %s", iv.Type), false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("failed to post intervention to slack: %w", err)
	}
	return nil
}

// InterventionBlocks renders an intervention as Slack blocks with action
// buttons. Shared by channel notifications and the bot's in-thread posts so
// both produce callbacks the interaction handler understands.
func InterventionBlocks(iv *hitl.Intervention, baseURL string) []slack.Block {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, ":raised_hand: Human review requested", true, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Type:*\n%s", iv.Type), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Expires:*\n<!date^%d^{date_short_pretty} {time}|%s>",
				iv.TimeoutAt.Unix(), iv.TimeoutAt.Format(time.RFC3339)), false, false),
	}
	if !iv.Required {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType,
			"*On timeout:*\nauto-approve", false, false))
	}
	detail := slack.NewSectionBlock(nil, fields, nil)

	blocks := []slack.Block{header, detail}

	if summary := ContextSummary(iv); summary != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "```"+summary+"```", false, false), nil, nil))
	}

	var buttons []slack.BlockElement
	for _, opt := range iv.Options {
		// Modify needs free-form SQL input, which buttons can't carry; those
		// responses come through the API instead.
		if opt.Action == hitl.ActionModify {
			continue
		}
		btn := slack.NewButtonBlockElement(
			"intervention_"+opt.Action,
			iv.RequestID,
			slack.NewTextBlockObject(slack.PlainTextType, opt.Label, false, false))
		if opt.Action == hitl.ActionApprove {
			btn.Style = slack.StylePrimary
		}
		if opt.Action == hitl.ActionReject {
			btn.Style = slack.StyleDanger
		}
		buttons = append(buttons, btn)
	}
	if len(buttons) > 0 {
		blocks = append(blocks, slack.NewActionBlock("intervention_actions_"+iv.RequestID, buttons...))
	}

	if baseURL != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("<%s/interventions/%s|Respond in the web UI>", baseURL, iv.RequestID), false, false)))
	}

	return blocks
}
