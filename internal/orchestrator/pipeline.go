package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mxwashington/regiq-sub010/internal/dedup"
	"github.com/mxwashington/regiq-sub010/internal/health"
	"github.com/mxwashington/regiq-sub010/internal/logger"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/ratelimit"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
	"github.com/mxwashington/regiq-sub010/internal/telemetry"
	"github.com/mxwashington/regiq-sub010/internal/util"
)

const (
	errTimeout   = "timeout"
	errCancelled = "cancelled"
)

// budgetFunc lets adapters draw from the limiter for follow-up pages.
type budgetFunc func() error

func (f budgetFunc) Acquire() error { return f() }

// runSource executes one source pipeline and never returns an error: every
// failure ends up in the run record and the summary line.
func (o *Orchestrator) runSource(ctx context.Context, runID string, mode model.Mode, name string) model.SourceSummary {
	adapter, desc, _ := o.registry.Get(name)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Source: name})
	ctx, span := telemetry.Tracer().Start(ctx, "sync.source")
	span.SetAttributes(attribute.String("regiq.source", name))
	defer span.End()

	// bookkeeping writes must land even after the run deadline
	bg := context.WithoutCancel(ctx)
	start := o.now().UTC()
	rec := model.SyncRunRecord{
		ID:         uuid.NewString(),
		RunID:      runID,
		SourceName: name,
		Mode:       mode,
		StartedAt:  start,
		Status:     model.RunRunning,
	}
	if err := o.store.StartRun(bg, rec); err != nil {
		o.logger.WarnContext(ctx, "start run record failed", "error", err)
	}

	o.process(ctx, bg, adapter, desc, mode, &rec)

	finished := o.now().UTC()
	rec.FinishedAt = &finished
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	if err := o.store.FinishRun(bg, rec); err != nil {
		o.logger.WarnContext(ctx, "finish run record failed", "error", err)
	}
	dur := finished.Sub(start)
	o.metrics.ObserveRun(rec, dur)
	o.metrics.SetHealth(o.tracker.CurrentHealth(name))

	span.SetAttributes(
		attribute.String("regiq.status", string(rec.Status)),
		attribute.Int("regiq.fetched", rec.ItemsFetched),
		attribute.Int("regiq.inserted", rec.ItemsInserted),
	)
	if rec.Status == model.RunError {
		span.SetStatus(codes.Error, fmt.Sprint(rec.Errors))
	}

	level := o.logger.InfoContext
	if rec.Status == model.RunError {
		level = o.logger.WarnContext
	}
	level(ctx, "source sync finished",
		"status", rec.Status,
		"fetched", rec.ItemsFetched,
		"inserted", rec.ItemsInserted,
		"updated", rec.ItemsUpdated,
		"skipped", rec.ItemsSkipped,
		"duration_ms", dur.Milliseconds())

	return model.SourceSummary{
		Source:     name,
		Status:     rec.Status,
		Fetched:    rec.ItemsFetched,
		Inserted:   rec.ItemsInserted,
		Updated:    rec.ItemsUpdated,
		Skipped:    rec.ItemsSkipped,
		Errors:     rec.Errors,
		DurationMS: dur.Milliseconds(),
	}
}

// process fills rec with the outcome of fetch, normalize, dedup and persist.
func (o *Orchestrator) process(ctx, bg context.Context, adapter source.Adapter, desc model.SourceDescriptor, mode model.Mode, rec *model.SyncRunRecord) {
	name := desc.Name
	if o.interrupted(ctx, bg, name, rec) {
		return
	}

	dec, err := o.limiter.Acquire(name)
	if err != nil {
		var ex *ratelimit.ExceededError
		if errors.As(err, &ex) {
			// a deferral: health stays as it was
			rec.Status = model.RunSkippedRateLimited
			o.metrics.ObserveRequest(name, "rate_limited")
			o.logger.InfoContext(ctx, "source deferred by rate limit", "scope", ex.Scope, "reset_at", ex.ResetAt)
			return
		}
		o.fail(bg, rec, health.OutcomeFromError(err))
		return
	}
	o.metrics.SetBudget(name, dec.RemainingMinute, dec.RemainingHour)

	now := o.now().UTC()
	req := source.FetchRequest{
		Since: o.since(ctx, name, mode, now),
		Until: now,
		Limit: desc.Cap(mode),
		Budget: budgetFunc(func() error {
			_, err := o.limiter.Acquire(name)
			return err
		}),
	}

	res, err := o.fetch(ctx, adapter, name, req)
	if err != nil {
		if o.interrupted(ctx, bg, name, rec) {
			return
		}
		out := health.OutcomeFromError(err)
		if out.Kind == health.OutcomeParse {
			// the payload was reachable but unreadable
			o.record(bg, name, out)
			rec.Status = model.RunPartial
			rec.Errors = append(rec.Errors, health.FormatError(name, string(out.Kind), out.Message))
			return
		}
		o.fail(bg, rec, out)
		return
	}
	rec.ItemsFetched = len(res.Items)
	if res.Truncated {
		rec.Errors = append(rec.Errors, res.Notes...)
	}

	alerts, normFailed := o.normalizeAll(ctx, desc, res.Items)
	rec.ItemsSkipped += normFailed
	if normFailed > 0 {
		rec.Errors = append(rec.Errors, fmt.Sprintf("%d item(s) failed normalization", normFailed))
	}
	o.post.ApplyAll(alerts)

	decisions, err := o.resolver.ResolveBatch(ctx, alerts)
	if err != nil {
		if o.interrupted(ctx, bg, name, rec) {
			return
		}
		o.fail(bg, rec, health.OutcomeFromError(&store.PersistenceError{Op: "dedup lookup", Source: name, Err: err}))
		return
	}
	writes := make([]store.Write, 0, len(alerts))
	for i, d := range decisions {
		a := alerts[i]
		switch d.Action {
		case dedup.Insert:
			a.ID = uuid.NewString()
			writes = append(writes, store.Write{Op: store.OpInsert, Alert: a})
		case dedup.UpdateExisting:
			a.ID = d.ExistingID
			writes = append(writes, store.Write{Op: store.OpUpdate, Alert: a})
		default:
			rec.ItemsSkipped++
			o.logger.DebugContext(ctx, "duplicate skipped", "title", logger.Truncate(a.Title, 80), "reason", d.Reason)
		}
	}

	if len(writes) > 0 {
		batch, err := o.persist(ctx, name, writes)
		if err != nil {
			if o.interrupted(ctx, bg, name, rec) {
				return
			}
			rec.FailedBatch = failedBatch(writes)
			o.fail(bg, rec, health.OutcomeFromError(err))
			return
		}
		rec.ItemsInserted = batch.Inserted
		rec.ItemsUpdated = batch.Updated
		rec.ItemsSkipped += batch.Skipped
		o.resolver.Remember(batch.Alerts)
		o.advanceCursor(bg, name, batch.Alerts)
	}

	total, err := o.store.CountBySource(bg, name)
	if err != nil {
		o.logger.WarnContext(ctx, "count alerts failed", "error", err)
		total = rec.ItemsInserted + rec.ItemsUpdated
	}
	o.record(bg, name, health.Outcome{Kind: health.OutcomeSuccess, RecordsFetched: rec.ItemsFetched, TotalRecords: total})

	rec.Status = model.RunSuccess
	if res.Truncated || normFailed > 0 {
		rec.Status = model.RunPartial
	}
}

// fetch invokes the adapter under the retry policy. Every retry draws
// from the rate budget; a denied retry ends the loop with the last
// adapter error.
func (o *Orchestrator) fetch(ctx context.Context, adapter source.Adapter, name string, req source.FetchRequest) (source.FetchResult, error) {
	var (
		res     source.FetchResult
		lastErr error
	)
	err := util.WithRetry(ctx, o.fetchRetry, source.IsRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			if _, err := o.limiter.Acquire(name); err != nil {
				o.logger.InfoContext(ctx, "retry denied by rate limit", "attempt", attempt)
				return err
			}
		}
		if err := o.limiter.Pace(ctx, name); err != nil {
			return err
		}
		r, err := adapter.Fetch(ctx, req)
		if err != nil {
			lastErr = err
			kind, _ := source.KindOf(err)
			if kind == "" {
				kind = source.KindConnectivity
			}
			o.metrics.ObserveRequest(name, string(kind))
			o.logger.WarnContext(ctx, "fetch failed", "attempt", attempt, "error", err)
			return err
		}
		o.metrics.ObserveRequest(name, "ok")
		res = r
		return nil
	})
	if err == nil {
		return res, nil
	}
	var ex *ratelimit.ExceededError
	if errors.As(err, &ex) && lastErr != nil {
		return source.FetchResult{}, lastErr
	}
	return source.FetchResult{}, err
}

func (o *Orchestrator) normalizeAll(ctx context.Context, desc model.SourceDescriptor, items []model.RawItem) ([]model.Alert, int) {
	alerts := make([]model.Alert, 0, len(items))
	failed := 0
	for _, raw := range items {
		a, err := o.normalizer.Normalize(desc, raw)
		if err != nil {
			failed++
			o.logger.WarnContext(ctx, "item skipped", "error", err, "external_id", raw.ExternalID)
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, failed
}

// persist writes one batch, retrying once.
func (o *Orchestrator) persist(ctx context.Context, name string, writes []store.Write) (store.BatchResult, error) {
	var res store.BatchResult
	err := util.WithRetry(ctx, o.persistRetry, func(err error) bool { return ctx.Err() == nil }, func(ctx context.Context, attempt int) error {
		r, err := o.store.ApplyBatch(ctx, name, writes)
		if err != nil {
			o.logger.WarnContext(ctx, "persist batch failed", "attempt", attempt, "writes", len(writes), "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		var pe *store.PersistenceError
		if !errors.As(err, &pe) {
			err = &store.PersistenceError{Op: "apply batch", Source: name, Err: err}
		}
		return store.BatchResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) advanceCursor(ctx context.Context, name string, persisted []model.Alert) {
	var latest time.Time
	for _, a := range persisted {
		if a.PublishedAt.After(latest) {
			latest = a.PublishedAt
		}
	}
	if latest.IsZero() {
		return
	}
	if err := o.store.AdvanceCursor(ctx, model.SourceCursor{SourceName: name, LastPublishedAt: latest}); err != nil {
		o.logger.WarnContext(ctx, "advance cursor failed", "error", err)
	}
}

// interrupted finalizes rec when the run context is done. A deadline is
// the run timeout and counts against the source's connectivity; an
// external cancellation leaves health alone.
func (o *Orchestrator) interrupted(ctx, bg context.Context, name string, rec *model.SyncRunRecord) bool {
	switch err := ctx.Err(); {
	case err == nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = model.RunError
		rec.Errors = []string{errTimeout}
		o.record(bg, name, health.Outcome{Kind: health.OutcomeConnectivity, Message: "run timeout exceeded", RecordsFetched: rec.ItemsFetched})
	default:
		rec.Status = model.RunError
		rec.Errors = []string{errCancelled}
	}
	return true
}

func (o *Orchestrator) fail(ctx context.Context, rec *model.SyncRunRecord, out health.Outcome) {
	out.RecordsFetched = rec.ItemsFetched
	o.record(ctx, rec.SourceName, out)
	rec.Status = model.RunError
	rec.Errors = append(rec.Errors, health.FormatError(rec.SourceName, string(out.Kind), out.Message))
}

func (o *Orchestrator) record(ctx context.Context, name string, out health.Outcome) {
	if _, err := o.tracker.RecordAttempt(ctx, name, out); err != nil {
		o.logger.WarnContext(ctx, "persist health failed", "error", err)
	}
}

type failedAlert struct {
	Op          string            `json:"op"`
	ID          string            `json:"id"`
	ExternalID  string            `json:"external_id,omitempty"`
	Title       string            `json:"title"`
	Summary     string            `json:"summary"`
	Agency      string            `json:"agency"`
	PublishedAt time.Time         `json:"published_at"`
	ExternalURL string            `json:"external_url,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	RawPayload  map[string]any    `json:"raw_payload,omitempty"`
}

// failedBatch serializes writes for manual replay.
func failedBatch(writes []store.Write) []byte {
	out := make([]failedAlert, 0, len(writes))
	for _, w := range writes {
		a := w.Alert
		out = append(out, failedAlert{
			Op:          w.Op.String(),
			ID:          a.ID,
			ExternalID:  a.ExternalID,
			Title:       a.Title,
			Summary:     a.Summary,
			Agency:      a.Agency,
			PublishedAt: a.PublishedAt,
			ExternalURL: a.ExternalURL,
			Labels:      a.Labels,
			RawPayload:  a.RawPayload,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return []byte("[]")
	}
	return b
}
