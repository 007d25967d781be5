package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/logger"
	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

// MaxMessageLen bounds error strings shown to operators.
const MaxMessageLen = 300

type OutcomeKind string

const (
	OutcomeSuccess      OutcomeKind = "success"
	OutcomeAuth         OutcomeKind = "auth"
	OutcomeConnectivity OutcomeKind = "connectivity"
	OutcomeParse        OutcomeKind = "parse"
	OutcomePersistence  OutcomeKind = "persistence"
)

// Outcome is the result of one adapter invocation as seen by the tracker.
type Outcome struct {
	Kind           OutcomeKind
	Message        string
	RecordsFetched int
	TotalRecords   int // persisted alerts for the source after the run
}

// OutcomeFromError maps an adapter or store error to an Outcome. Errors
// without a classification count as connectivity failures.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		return Outcome{Kind: OutcomePersistence, Message: err.Error()}
	}
	switch k, _ := source.KindOf(err); k {
	case source.KindAuth:
		return Outcome{Kind: OutcomeAuth, Message: err.Error()}
	case source.KindParse:
		return Outcome{Kind: OutcomeParse, Message: err.Error()}
	default:
		return Outcome{Kind: OutcomeConnectivity, Message: err.Error()}
	}
}

// Tracker owns the health state of every source for the life of the
// process. Safe for concurrent use; sources never share a key.
type Tracker struct {
	mu        sync.RWMutex
	now       func() time.Time
	freshness map[string]time.Duration
	states    map[string]model.SourceHealthState
	store     store.HealthStore
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// NewTracker registers descs in the unknown state. hs may be nil.
func NewTracker(descs []model.SourceDescriptor, hs store.HealthStore, opts ...Option) *Tracker {
	t := &Tracker{
		now:       time.Now,
		freshness: make(map[string]time.Duration, len(descs)),
		states:    make(map[string]model.SourceHealthState, len(descs)),
		store:     hs,
	}
	for _, o := range opts {
		o(t)
	}
	for _, d := range descs {
		t.freshness[d.Name] = d.FreshnessThreshold
		t.states[d.Name] = model.SourceHealthState{SourceName: d.Name, Status: model.HealthUnknown}
	}
	return t
}

// Load restores persisted state for registered sources.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	rows, err := t.store.LoadHealth(ctx)
	if err != nil {
		return fmt.Errorf("load health: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range rows {
		if _, ok := t.freshness[st.SourceName]; ok {
			t.states[st.SourceName] = st
		}
	}
	return nil
}

// RecordAttempt applies one outcome and persists the new state. Success
// advances last_success_at; auth and connectivity failures override
// freshness until the next success; parse and persistence failures are
// recorded but leave the freshness clock alone.
func (t *Tracker) RecordAttempt(ctx context.Context, src string, o Outcome) (model.SourceHealthState, error) {
	t.mu.Lock()
	now := t.now().UTC()
	st := t.states[src]
	st.SourceName = src
	st.LastAttemptAt = &now
	st.RecordsFetchedLastRun = o.RecordsFetched
	if o.TotalRecords > st.TotalRecords {
		st.TotalRecords = o.TotalRecords
	}
	if o.Kind == OutcomeSuccess {
		st.LastSuccessAt = &now
		st.LastErrorKind = ""
		st.LastErrorMessage = ""
	} else {
		st.LastErrorKind = string(o.Kind)
		st.LastErrorMessage = FormatError(src, string(o.Kind), o.Message)
	}
	st.Status = t.derive(st, now)
	t.states[src] = st
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.UpsertHealth(ctx, st); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (t *Tracker) derive(st model.SourceHealthState, now time.Time) model.HealthStatus {
	if st.LastAttemptAt == nil {
		return model.HealthUnknown
	}
	switch OutcomeKind(st.LastErrorKind) {
	case OutcomeAuth:
		return model.HealthAuthError
	case OutcomeConnectivity:
		return model.HealthConnectivityError
	}
	if st.LastSuccessAt == nil {
		return model.HealthStale
	}
	if st.TotalRecords == 0 {
		return model.HealthNoData
	}
	if th := t.freshness[st.SourceName]; th > 0 && now.Sub(*st.LastSuccessAt) > th {
		return model.HealthStale
	}
	return model.HealthHealthy
}

// CurrentHealth returns the state of src with status derived at now.
func (t *Tracker) CurrentHealth(src string) model.SourceHealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[src]
	if !ok {
		return model.SourceHealthState{SourceName: src, Status: model.HealthUnknown}
	}
	st.Status = t.derive(st, t.now().UTC())
	return st
}

// Snapshot returns every registered source, sorted by name.
func (t *Tracker) Snapshot() []model.SourceHealthState {
	t.mu.RLock()
	names := make([]string, 0, len(t.states))
	for n := range t.states {
		names = append(names, n)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	out := make([]model.SourceHealthState, 0, len(names))
	for _, n := range names {
		out = append(out, t.CurrentHealth(n))
	}
	return out
}

// Overall is critical if any source is failing, degraded if any is
// stale, without data or never attempted, and healthy otherwise.
func (t *Tracker) Overall() model.OverallStatus {
	return OverallOf(t.Snapshot())
}

func OverallOf(states []model.SourceHealthState) model.OverallStatus {
	overall := model.OverallHealthy
	for _, st := range states {
		switch st.Status {
		case model.HealthAuthError, model.HealthConnectivityError:
			return model.OverallCritical
		case model.HealthStale, model.HealthNoData, model.HealthUnknown:
			overall = model.OverallDegraded
		}
	}
	return overall
}

// FormatError renders "<SOURCE> <kind>: <message>" within MaxMessageLen runes.
func FormatError(src, kind, msg string) string {
	s := fmt.Sprintf("%s %s: %s", src, kind, msg)
	if len([]rune(s)) <= MaxMessageLen {
		return s
	}
	return logger.Truncate(s, MaxMessageLen-3)
}
