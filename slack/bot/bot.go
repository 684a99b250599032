// Package bot implements the Slack interface to the analysis workflow. It
// answers DMs and channel mentions by running the unified workflow in-process
// and posts intervention requests with approve/reject buttons whose callbacks
// go through the same store transition as HTTP responses.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// Mode selects how the bot receives events from Slack.
type Mode string

const (
	// ModeSocket uses Socket Mode (requires an app-level token).
	ModeSocket Mode = "socket"
	// ModeHTTP receives events on /slack/events (requires a signing secret).
	ModeHTTP Mode = "http"
)

// Config holds the Slack bot configuration.
type Config struct {
	Mode          Mode
	BotToken      string
	AppToken      string
	SigningSecret string
	WebBaseURL    string
}

// LoadFromEnv loads the bot configuration from environment variables.
// Socket mode is used when SLACK_APP_TOKEN is set, HTTP mode otherwise.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		AppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		WebBaseURL:    os.Getenv("WEB_BASE_URL"),
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if cfg.AppToken != "" {
		cfg.Mode = ModeSocket
	} else {
		if cfg.SigningSecret == "" {
			return nil, fmt.Errorf("SLACK_SIGNING_SECRET is required for HTTP mode (or set SLACK_APP_TOKEN for socket mode)")
		}
		cfg.Mode = ModeHTTP
	}
	return cfg, nil
}

const processedEventsMaxAge = 1 * time.Hour

// Bot handles Slack events and runs analysis workflows in-process.
type Bot struct {
	cfg       *Config
	api       *slack.Client
	socket    *socketmode.Client
	runner    *Runner
	log       *slog.Logger
	botUserID string

	// Track processed events by envelope ID to avoid reprocessing duplicates
	processedEvents   map[string]time.Time
	processedEventsMu sync.RWMutex

	// Track answered messages by channel:ts so retried deliveries don't
	// trigger a second workflow
	respondedMessages   map[string]time.Time
	respondedMessagesMu sync.RWMutex

	// Graceful shutdown coordination
	inFlightOps  sync.WaitGroup
	shuttingDown sync.RWMutex
	acceptingNew bool
}

// New creates the bot, verifies auth, and starts the dedup cleanup loop.
func New(ctx context.Context, cfg *Config, log *slog.Logger) (*Bot, error) {
	opts := []slack.Option{}
	if cfg.AppToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(cfg.AppToken))
	}
	api := slack.New(cfg.BotToken, opts...)

	b := &Bot{
		cfg:               cfg,
		api:               api,
		runner:            NewRunner(log),
		log:               log,
		processedEvents:   make(map[string]time.Time),
		respondedMessages: make(map[string]time.Time),
		acceptingNew:      true,
	}

	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := api.AuthTestContext(authCtx)
	if err != nil {
		// Continue anyway; mention detection degrades without the bot user ID
		log.Warn("slack auth test failed, continuing anyway", "error", err)
	} else {
		b.botUserID = resp.UserID
		log.Info("slack bot authenticated", "bot_user_id", resp.UserID, "team", resp.Team)
	}

	if cfg.Mode == ModeSocket {
		b.socket = socketmode.New(api)
	}

	b.startCleanup(ctx)
	return b, nil
}

// StopAcceptingNew stops accepting new events and returns a function that
// waits for in-flight operations to complete.
func (b *Bot) StopAcceptingNew() func() {
	b.shuttingDown.Lock()
	b.acceptingNew = false
	b.shuttingDown.Unlock()
	b.log.Info("stopped accepting new slack events, waiting for in-flight operations")
	return b.inFlightOps.Wait
}

func (b *Bot) isAcceptingNew() bool {
	b.shuttingDown.RLock()
	defer b.shuttingDown.RUnlock()
	return b.acceptingNew
}

func (b *Bot) startCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.cleanup()
			}
		}
	}()
}

func (b *Bot) cleanup() {
	now := time.Now()
	b.processedEventsMu.Lock()
	for id, ts := range b.processedEvents {
		if now.Sub(ts) > processedEventsMaxAge {
			delete(b.processedEvents, id)
		}
	}
	b.processedEventsMu.Unlock()

	b.respondedMessagesMu.Lock()
	for key, ts := range b.respondedMessages {
		if now.Sub(ts) > processedEventsMaxAge {
			delete(b.respondedMessages, key)
		}
	}
	b.respondedMessagesMu.Unlock()
}

func (b *Bot) markProcessed(id string) bool {
	b.processedEventsMu.Lock()
	defer b.processedEventsMu.Unlock()
	if _, done := b.processedEvents[id]; done {
		return false
	}
	b.processedEvents[id] = time.Now()
	return true
}

func (b *Bot) markResponded(key string) bool {
	b.respondedMessagesMu.Lock()
	defer b.respondedMessagesMu.Unlock()
	if _, done := b.respondedMessages[key]; done {
		return false
	}
	b.respondedMessages[key] = time.Now()
	return true
}
