package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceivedTotal counts Slack events by type.
	EventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_slack_events_received_total",
		Help: "Total number of Slack events received",
	}, []string{"type", "inner_type"})

	// EventsDuplicateTotal counts events skipped by deduplication.
	EventsDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_slack_events_duplicate_total",
		Help: "Total number of duplicate Slack events skipped",
	})

	// MessagesIgnoredTotal counts messages the bot chose not to answer.
	MessagesIgnoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_slack_messages_ignored_total",
		Help: "Total number of Slack messages ignored",
	}, []string{"reason"})

	// MessagesProcessedTotal counts messages that started a workflow.
	MessagesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_slack_messages_processed_total",
		Help: "Total number of Slack messages processed",
	}, []string{"channel_type"})

	// InterventionActionsTotal counts button responses by action.
	InterventionActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_slack_intervention_actions_total",
		Help: "Total number of intervention button actions received from Slack",
	}, []string{"action"})
)
