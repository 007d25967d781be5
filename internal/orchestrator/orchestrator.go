package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/mxwashington/regiq-sub010/internal/config"
	"github.com/mxwashington/regiq-sub010/internal/dedup"
	"github.com/mxwashington/regiq-sub010/internal/health"
	"github.com/mxwashington/regiq-sub010/internal/logger"
	"github.com/mxwashington/regiq-sub010/internal/metrics"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/normalize"
	"github.com/mxwashington/regiq-sub010/internal/postprocess"
	"github.com/mxwashington/regiq-sub010/internal/ratelimit"
	"github.com/mxwashington/regiq-sub010/internal/sink"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
	"github.com/mxwashington/regiq-sub010/internal/telemetry"
	"github.com/mxwashington/regiq-sub010/internal/util"
)

var ErrInvalidMode = errors.New("mode must be incremental or backfill")

// UnknownSourceError names requested sources that are not registered.
type UnknownSourceError struct {
	Names []string
}

func (e *UnknownSourceError) Error() string {
	return "unknown source(s): " + strings.Join(e.Names, ", ")
}

// Request selects the sources and mode of one run. Empty Sources means
// every registered source; empty Mode means incremental.
type Request struct {
	Sources []string   `json:"sources,omitempty"`
	Mode    model.Mode `json:"mode"`
}

// Deps are the process-scoped collaborators of an Orchestrator.
type Deps struct {
	Registry   *source.Registry
	Limiter    *ratelimit.Limiter
	Tracker    *health.Tracker
	Store      store.Store
	Resolver   *dedup.Resolver // defaults to an uncached resolver over Store
	Normalizer *normalize.Normalizer
	Post       *postprocess.Engine // nil means no labelling rules
	Metrics    *metrics.Collector
	Sinks      *sink.Fanout // nil means no run-summary publishing
	Logger     *slog.Logger
}

type Orchestrator struct {
	registry   *source.Registry
	limiter    *ratelimit.Limiter
	tracker    *health.Tracker
	store      store.Store
	resolver   *dedup.Resolver
	normalizer *normalize.Normalizer
	post       *postprocess.Engine
	metrics    *metrics.Collector
	sinks      *sink.Fanout
	logger     *slog.Logger

	now               func() time.Time
	concurrency       int
	runTimeout        time.Duration
	incrementalWindow time.Duration
	backfillWindow    time.Duration
	lookback          time.Duration
	fetchRetry        util.Policy
	persistRetry      util.Policy

	active   atomic.Int32
	inflight sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithRetryPolicies overrides the fetch and persistence backoff.
func WithRetryPolicies(fetch, persist util.Policy) Option {
	return func(o *Orchestrator) {
		o.fetchRetry = fetch
		o.persistRetry = persist
	}
}

// New wires an orchestrator. cfg is expected to have defaults applied.
func New(d Deps, cfg config.SyncConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:          d.Registry,
		limiter:           d.Limiter,
		tracker:           d.Tracker,
		store:             d.Store,
		resolver:          d.Resolver,
		normalizer:        d.Normalizer,
		post:              d.Post,
		metrics:           d.Metrics,
		sinks:             d.Sinks,
		logger:            d.Logger,
		now:               time.Now,
		concurrency:       cfg.Concurrency,
		runTimeout:        cfg.RunTimeout,
		incrementalWindow: cfg.IncrementalWindow,
		backfillWindow:    cfg.BackfillWindow,
		lookback:          cfg.Lookback,
		fetchRetry: util.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.Backoff,
			MaxDelay:    cfg.Retry.MaxBackoff,
			Jitter:      util.EqualJitter,
		},
		persistRetry: util.Policy{MaxAttempts: 2, BaseDelay: cfg.Retry.Backoff},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.resolver == nil {
		o.resolver = dedup.NewResolver(o.store, nil, 0)
	}
	if o.normalizer == nil {
		o.normalizer = normalize.New()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.concurrency <= 0 {
		o.concurrency = 4
	}
	if o.runTimeout <= 0 {
		o.runTimeout = 5 * time.Minute
	}
	return o
}

// Running reports whether any run is in flight.
func (o *Orchestrator) Running() bool { return o.active.Load() > 0 }

// Wait blocks until every in-flight run has finalized its records or ctx
// is done. Callers stop starting runs before calling it.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve validates req and returns the mode and sorted, de-duplicated
// source names it selects.
func (o *Orchestrator) Resolve(req Request) (model.Mode, []string, error) {
	mode := req.Mode
	if mode == "" {
		mode = model.ModeIncremental
	}
	if !mode.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if len(req.Sources) == 0 {
		return mode, o.registry.Names(), nil
	}
	seen := make(map[string]bool, len(req.Sources))
	var names, unknown []string
	for _, n := range req.Sources {
		n = strings.TrimSpace(n)
		if seen[n] {
			continue
		}
		seen[n] = true
		if _, _, ok := o.registry.Get(n); !ok {
			unknown = append(unknown, n)
			continue
		}
		names = append(names, n)
	}
	if len(unknown) > 0 {
		return "", nil, &UnknownSourceError{Names: unknown}
	}
	sort.Strings(names)
	return mode, names, nil
}

// RunSync runs every selected source through fetch, normalize, dedup and
// persist. Per-source failures are reported in the summary; the returned
// error is only set for an invalid request.
func (o *Orchestrator) RunSync(ctx context.Context, req Request) (model.SyncSummary, error) {
	mode, names, err := o.Resolve(req)
	if err != nil {
		return model.SyncSummary{}, err
	}
	o.inflight.Add(1)
	defer o.inflight.Done()
	o.active.Add(1)
	defer o.active.Add(-1)

	runID := uuid.NewString()
	started := o.now().UTC()
	ctx = logger.WithLogFields(ctx, logger.LogFields{RunID: runID, Mode: string(mode), Component: "regiq.orchestrator"})
	ctx, span := telemetry.Tracer().Start(ctx, "sync.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("regiq.run_id", runID),
		attribute.String("regiq.mode", string(mode)),
		attribute.Int("regiq.sources", len(names)),
	)
	o.logger.InfoContext(ctx, "sync run started", "sources", names)

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	results := make([]model.SourceSummary, len(names))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, name := range names {
		g.Go(func() error {
			results[i] = o.runSource(runCtx, runID, mode, name)
			return nil
		})
	}
	_ = g.Wait()

	finished := o.now().UTC()
	sum := model.SyncSummary{
		RunID:      runID,
		Mode:       mode,
		StartedAt:  started,
		FinishedAt: finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Sources:    results,
	}
	for _, r := range results {
		sum.Totals.Fetched += r.Fetched
		sum.Totals.Inserted += r.Inserted
		sum.Totals.Updated += r.Updated
		sum.Totals.Skipped += r.Skipped
	}
	sum.OverallStatus = overallStatus(results)
	if sum.OverallStatus == model.RunError {
		span.SetStatus(codes.Error, "every source failed")
	}

	o.logger.InfoContext(ctx, "sync run finished",
		"overall_status", sum.OverallStatus,
		"fetched", sum.Totals.Fetched,
		"inserted", sum.Totals.Inserted,
		"updated", sum.Totals.Updated,
		"skipped", sum.Totals.Skipped,
		"duration_ms", sum.DurationMS)
	o.sinks.Publish(context.WithoutCancel(ctx), sum)
	return sum, nil
}

// overallStatus is success when every source succeeded, error when every
// source failed and partial otherwise.
func overallStatus(results []model.SourceSummary) model.RunStatus {
	if len(results) == 0 {
		return model.RunSuccess
	}
	ok, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case model.RunSuccess:
			ok++
		case model.RunError:
			failed++
		}
	}
	switch {
	case ok == len(results):
		return model.RunSuccess
	case failed == len(results):
		return model.RunError
	default:
		return model.RunPartial
	}
}

// since computes the lower bound of the fetch window.
func (o *Orchestrator) since(ctx context.Context, name string, mode model.Mode, now time.Time) time.Time {
	if mode == model.ModeBackfill {
		return now.Add(-o.backfillWindow)
	}
	cur, err := o.store.GetCursor(ctx, name)
	switch {
	case err == nil && !cur.LastPublishedAt.IsZero():
		return cur.LastPublishedAt.Add(-o.lookback)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		o.logger.WarnContext(ctx, "cursor lookup failed, using default window", "error", err)
	}
	return now.Add(-o.incrementalWindow)
}
