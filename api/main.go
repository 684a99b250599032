package main

import (
	"context"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/xentoshi/insight/api/config"
	"github.com/xentoshi/insight/api/handlers"
	"github.com/xentoshi/insight/api/metrics"
	slackbot "github.com/xentoshi/insight/slack/bot"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set to true when shutdown signal is received.
	// Readiness probe checks this to immediately return 503.
	shuttingDown atomic.Bool
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	metricsAddrFlag := pflag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	pflag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting insight-api", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	// Load .env files if they exist
	// godotenv doesn't override existing env vars, so later files don't overwrite earlier ones
	_ = godotenv.Load()           // .env in current working directory
	_ = godotenv.Load("api/.env") // api/.env when running from repo root

	// Initialize Sentry for error tracking (optional - gracefully no-op if DSN not set)
	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			logger.Warn("Sentry initialization failed", "error", err)
		} else {
			logger.Info("Sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Load ClickHouse configuration
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	defer config.Close()

	// Load PostgreSQL (runs embedded migrations)
	if err := config.LoadPostgres(); err != nil {
		log.Fatalf("Failed to load PostgreSQL: %v", err)
	}
	defer config.ClosePostgres()

	// Wire the orchestrator, intervention store and timeout sweeper
	if err := handlers.InitManager(logger); err != nil {
		log.Fatalf("Failed to initialize workflow manager: %v", err)
	}

	// Start metrics server
	var metricsServer *http.Server
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			logger.Error("Failed to start prometheus metrics server listener", "error", err)
		} else {
			logger.Info("Prometheus metrics server listening", "addr", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					logger.Error("Metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)

	// Sentry middleware for error and performance monitoring (before Recoverer to capture panics)
	if sentryDSN != "" {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true, // Re-panic after capturing so Recoverer can handle it
		})
		r.Use(sentryHandler.Handle)

		// Set transaction name from Chi route pattern
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					if rctx := chi.RouteContext(r.Context()); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							txn.Name = r.Method + " " + pattern
						} else {
							txn.Name = r.Method + " " + r.URL.Path
						}
					}
				}
				next.ServeHTTP(w, r)
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS configuration - origins from env or allow all
	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// Immediately fail if shutting down
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := config.DB.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("clickhouse connection failed: " + err.Error()))
			return
		}
		if err := config.PgPool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("postgres connection failed: " + err.Error()))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/version", handlers.GetVersion)

	// Workflow routes
	r.Post("/api/workflows", handlers.StartWorkflow)
	r.Get("/api/workflows/{id}", handlers.GetWorkflow)
	r.Get("/api/workflows/{id}/stream", handlers.StreamWorkflow)
	r.Post("/api/workflows/{id}/cancel", handlers.CancelWorkflow)

	// Conversation routes
	r.Get("/api/conversations/{id}/workflow", handlers.GetWorkflowForConversation)

	// Intervention routes
	r.Get("/api/interventions", handlers.ListInterventions)
	r.Get("/api/interventions/{request_id}", handlers.GetIntervention)
	r.Post("/api/interventions/{request_id}/respond", handlers.RespondIntervention)
	r.Post("/api/interventions/{request_id}/cancel", handlers.CancelIntervention)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // Disabled for SSE streaming endpoints
		IdleTimeout:  60 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Create a cancellable context for all requests - this allows us to signal
	// SSE connections to close during shutdown (http.Server.Shutdown does NOT
	// cancel request contexts by default)
	serverCtx, serverCancel := context.WithCancel(context.Background())
	server.BaseContext = func(_ net.Listener) context.Context {
		return serverCtx
	}

	// Start server in a goroutine
	go func() {
		logger.Info("API server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Claim and resume runs left incomplete by a crashed or replaced replica
	go handlers.Manager.ResumeIncompleteRuns()

	// Expire overdue interventions and wake their suspended runs
	go handlers.Manager.Sweeper().Run(serverCtx)

	// Start Slack bot if configured
	var bot *slackbot.Bot
	if os.Getenv("SLACK_BOT_TOKEN") != "" {
		bot = startSlackBot(serverCtx, r, logger)
	}

	// Wait for shutdown signal
	sig := <-shutdown
	logger.Info("Received signal, shutting down gracefully", "signal", sig.String())

	// Immediately mark as shutting down so readiness probe returns 503
	shuttingDown.Store(true)

	// Stop Slack bot if running (before cancelling server context)
	if bot != nil {
		logger.Info("Stopping Slack bot")
		waitDone := make(chan struct{})
		go func() {
			bot.StopAcceptingNew()()
			close(waitDone)
		}()
		select {
		case <-waitDone:
			logger.Info("Slack bot stopped gracefully")
		case <-time.After(30 * time.Second):
			logger.Warn("Slack bot shutdown timed out")
		}
	}

	// Cancel the server context to signal SSE connections to close
	// This triggers ctx.Done() in all active request handlers
	serverCancel()

	// Give existing connections a short time to complete after context cancellation
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown error", "error", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		} else {
			logger.Info("Metrics server stopped gracefully")
		}
	}
}

// startSlackBot initializes and starts the Slack bot in the background.
// Returns the bot for graceful shutdown, or nil if startup fails.
func startSlackBot(ctx context.Context, r *chi.Mux, logger *slog.Logger) *slackbot.Bot {
	cfg, err := slackbot.LoadFromEnv()
	if err != nil {
		logger.Warn("Slack bot config error, bot will not start", "error", err)
		return nil
	}

	bot, err := slackbot.New(ctx, cfg, logger)
	if err != nil {
		logger.Warn("Slack bot init failed, bot will not start", "error", err)
		return nil
	}

	if cfg.Mode == slackbot.ModeSocket {
		go func() {
			if err := bot.RunSocketMode(ctx); err != nil {
				logger.Error("Slack socket mode handler stopped", "error", err)
			}
		}()
		logger.Info("Slack bot started in socket mode")
	} else {
		// HTTP mode: add /slack/events route to the existing router
		r.Post("/slack/events", bot.HandleHTTP)
		logger.Info("Slack bot started in HTTP mode", "route", "/slack/events")
	}

	return bot
}
