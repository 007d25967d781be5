package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/dedup"
	"github.com/mxwashington/regiq-sub010/internal/health"
	"github.com/mxwashington/regiq-sub010/internal/metrics"
	"github.com/mxwashington/regiq-sub010/internal/normalize"
	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
	"github.com/mxwashington/regiq-sub010/internal/postprocess"
	"github.com/mxwashington/regiq-sub010/internal/ratelimit"
	"github.com/mxwashington/regiq-sub010/internal/sink"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
	"github.com/mxwashington/regiq-sub010/internal/telemetry"
)

// closeTimeout bounds HTTP shutdown and releasing the app's resources.
const closeTimeout = 10 * time.Second

// app holds the process-scoped components shared by the commands.
type app struct {
	store    store.Store
	registry *source.Registry
	tracker  *health.Tracker
	metrics  *metrics.Collector
	sinks    *sink.Fanout
	orch     *orchestrator.Orchestrator
	tel      *telemetry.Telemetry
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{store: st, tel: tel}

	descs := cfg.Descriptors()
	if a.registry, err = source.BuildRegistry(descs); err != nil {
		a.close()
		return nil, fmt.Errorf("build registry: %w", err)
	}
	limiter := ratelimit.New(cfg.Sync.GlobalPerMinute)
	for _, d := range descs {
		limiter.Register(d.Name, d.Rate)
		logger.InfoContext(ctx, "source configured", "source", d.Name, "kind", d.Kind, "authenticated", d.Credential != "")
	}

	a.tracker = health.NewTracker(a.registry.Descriptors(), st)
	if err := a.tracker.Load(ctx); err != nil {
		logger.WarnContext(ctx, "health state not restored", "error", err)
	}

	post, err := postprocess.New(cfg.Post)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("postprocess rules: %w", err)
	}

	a.metrics = metrics.New()
	for _, hs := range a.tracker.Snapshot() {
		a.metrics.SetHealth(hs)
	}
	a.sinks = sink.NewFromConfig(ctx, cfg, logger)
	a.orch = orchestrator.New(orchestrator.Deps{
		Registry:   a.registry,
		Limiter:    limiter,
		Tracker:    a.tracker,
		Store:      st,
		Resolver:   dedup.NewResolver(st, dedup.NewKeyCache(cfg.Dedup.CacheMaxKeys, cfg.Dedup.CacheTTL), cfg.Dedup.Window),
		Normalizer: normalize.New(),
		Post:       post,
		Metrics:    a.metrics,
		Sinks:      a.sinks,
		Logger:     logger,
	}, cfg.Sync)
	return a, nil
}

// close releases everything newApp opened. It runs on its own bounded
// context so a cancelled command still flushes telemetry.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.sinks.Close(); err != nil {
		log.WarnContext(ctx, "closing sinks", "error", err)
	}
	a.store.Close()
	if err := a.tel.Shutdown(ctx); err != nil {
		log.WarnContext(ctx, "telemetry shutdown", "error", err)
	}
}
