package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

// Runner is the part of Orchestrator the scheduler drives.
type Runner interface {
	RunSync(ctx context.Context, req Request) (model.SyncSummary, error)
	Running() bool
}

// Scheduler triggers a run immediately and then on every tick.
type Scheduler struct {
	runner Runner
	req    Request
	logger *slog.Logger
}

func NewScheduler(r Runner, req Request, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: r, req: req, logger: logger}
}

// Run blocks until ctx is done. A tick that finds a run in progress, for
// example one triggered over HTTP, is skipped.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	s.logger.InfoContext(ctx, "scheduler started", "interval", interval.String(), "mode", s.req.Mode)
	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopping", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.runner.Running() {
		s.logger.InfoContext(ctx, "previous sync still running, tick skipped")
		return
	}
	if _, err := s.runner.RunSync(ctx, s.req); err != nil {
		s.logger.ErrorContext(ctx, "scheduled sync rejected", "error", err)
	}
}
