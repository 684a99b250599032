package hitl

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimeoutHandler is invoked for each newly expired request so the owner can
// resume or fail the suspended workflow. Handler errors are logged, not
// retried; the status transition has already happened.
type TimeoutHandler func(ctx context.Context, iv Intervention)

// Sweeper periodically expires pending requests past their deadline.
type Sweeper struct {
	log       *slog.Logger
	store     Store
	clock     clockwork.Clock
	interval  time.Duration
	onTimeout TimeoutHandler
}

// NewSweeper creates a sweeper. A nil clock defaults to real time; a zero
// interval defaults to 15s.
func NewSweeper(log *slog.Logger, store Store, clock clockwork.Clock, interval time.Duration, onTimeout TimeoutHandler) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{
		log:       log,
		store:     store,
		clock:     clock,
		interval:  interval,
		onTimeout: onTimeout,
	}
}

// Run sweeps on every tick until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("Intervention timeout sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Intervention timeout sweeper stopped")
			return
		case <-ticker.Chan():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	expired, err := s.store.SweepTimeouts(ctx, s.clock.Now())
	if err != nil {
		s.log.Error("Failed to sweep intervention timeouts", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	s.log.Info("Expired pending interventions", "count", len(expired))
	for _, iv := range expired {
		s.log.Info("Intervention timed out",
			"request_id", iv.RequestID,
			"workflow_id", iv.WorkflowID,
			"required", iv.Required)
		if s.onTimeout != nil {
			s.onTimeout(ctx, iv)
		}
	}
}
