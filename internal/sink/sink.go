package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/model"
)

// PushTimeout bounds a single sink push.
const PushTimeout = 10 * time.Second

// Sink receives finished run summaries.
type Sink interface {
	Name() string
	Push(ctx context.Context, s model.SyncSummary) error
	Close() error
}

// Fanout pushes to every sink. Failures are logged and never reach the
// caller: a sync run is complete once its rows are persisted.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

func (f *Fanout) Publish(ctx context.Context, s model.SyncSummary) {
	if f == nil {
		return
	}
	for _, sk := range f.sinks {
		pctx, cancel := context.WithTimeout(ctx, PushTimeout)
		err := sk.Push(pctx, s)
		cancel()
		if err != nil {
			f.logger.WarnContext(ctx, "sink push failed", "sink", sk.Name(), "run_id", s.RunID, "error", err)
		}
	}
}

func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []string
	for _, sk := range f.sinks {
		if err := sk.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", sk.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close sinks: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NewFromConfig builds every sink that has a URL configured. Sinks that
// fail to connect are logged and left out.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	var sinks []Sink
	if strings.TrimSpace(cfg.Loki.URL) != "" {
		sinks = append(sinks, NewLoki(cfg.Loki))
	}
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		s, err := NewNATS(cfg.NATS)
		if err != nil {
			logger.WarnContext(ctx, "nats sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		s, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.WarnContext(ctx, "redis sink disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	for _, s := range sinks {
		logger.InfoContext(ctx, "run summary sink configured", "sink", s.Name())
	}
	return NewFanout(logger, sinks...)
}
