package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

type Action int

const (
	Insert Action = iota
	UpdateExisting
	SkipAsDuplicate
)

func (a Action) String() string {
	switch a {
	case UpdateExisting:
		return "update"
	case SkipAsDuplicate:
		return "skip"
	default:
		return "insert"
	}
}

type Decision struct {
	Action     Action
	ExistingID string // set for UpdateExisting and store-matched skips
	Reason     string
}

// Lookup is the read side of the alert store the resolver needs.
type Lookup interface {
	FindByExternalID(ctx context.Context, source, externalID string) (model.Alert, error)
	FindByTitleWindow(ctx context.Context, source, normalizedTitle string, from, to time.Time) (model.Alert, error)
}

// Resolver decides insert, update or skip for normalized alerts. Matching
// is exact and per source: (source, external_id) when the id is present,
// otherwise (source, normalized title) within +/- Window of published_at.
// No cross-source matching is attempted.
type Resolver struct {
	lookup Lookup
	cache  *KeyCache
	window time.Duration
}

func NewResolver(lookup Lookup, cache *KeyCache, window time.Duration) *Resolver {
	if window <= 0 {
		window = 48 * time.Hour
	}
	return &Resolver{lookup: lookup, cache: cache, window: window}
}

func externalKey(a model.Alert) string { return "x\x00" + a.SourceName + "\x00" + a.ExternalID }

func titleKey(a model.Alert) string {
	return "t\x00" + a.SourceName + "\x00" + a.NormalizedTitle + "\x00" + a.PublishedDate()
}

// Resolve classifies one alert against persisted state.
func (r *Resolver) Resolve(ctx context.Context, a model.Alert) (Decision, error) {
	if a.HasExternalID() {
		if id, ok := r.cache.Get(externalKey(a)); ok {
			return Decision{Action: UpdateExisting, ExistingID: id, Reason: "external_id (cached)"}, nil
		}
		existing, err := r.lookup.FindByExternalID(ctx, a.SourceName, a.ExternalID)
		switch {
		case err == nil:
			r.cache.Put(externalKey(a), existing.ID)
			return Decision{Action: UpdateExisting, ExistingID: existing.ID, Reason: "external_id"}, nil
		case errors.Is(err, store.ErrNotFound):
			return Decision{Action: Insert}, nil
		default:
			return Decision{}, fmt.Errorf("dedup lookup %s/%s: %w", a.SourceName, a.ExternalID, err)
		}
	}

	if id, ok := r.cache.Get(titleKey(a)); ok {
		return Decision{Action: SkipAsDuplicate, ExistingID: id, Reason: "title+date (cached)"}, nil
	}
	from, to := a.PublishedAt.Add(-r.window), a.PublishedAt.Add(r.window)
	existing, err := r.lookup.FindByTitleWindow(ctx, a.SourceName, a.NormalizedTitle, from, to)
	switch {
	case err == nil:
		r.cache.Put(titleKey(a), existing.ID)
		return Decision{Action: SkipAsDuplicate, ExistingID: existing.ID, Reason: "title+date"}, nil
	case errors.Is(err, store.ErrNotFound):
		return Decision{Action: Insert}, nil
	default:
		return Decision{}, fmt.Errorf("dedup lookup %s/%q: %w", a.SourceName, a.NormalizedTitle, err)
	}
}

// ResolveBatch resolves alerts in order. A key already seen earlier in
// the same batch resolves to SkipAsDuplicate so one batch never writes
// the same key twice.
func (r *Resolver) ResolveBatch(ctx context.Context, alerts []model.Alert) ([]Decision, error) {
	out := make([]Decision, len(alerts))
	seenExt := map[string]bool{}
	seenTitle := map[string][]time.Time{}
	for i, a := range alerts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if a.HasExternalID() {
			k := externalKey(a)
			if seenExt[k] {
				out[i] = Decision{Action: SkipAsDuplicate, Reason: "duplicate external_id in batch"}
				continue
			}
			seenExt[k] = true
		} else {
			k := a.SourceName + "\x00" + a.NormalizedTitle
			if r.seenWithin(seenTitle[k], a.PublishedAt) {
				out[i] = Decision{Action: SkipAsDuplicate, Reason: "duplicate title in batch"}
				continue
			}
			seenTitle[k] = append(seenTitle[k], a.PublishedAt)
		}
		d, err := r.Resolve(ctx, a)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (r *Resolver) seenWithin(ts []time.Time, t time.Time) bool {
	for _, s := range ts {
		d := s.Sub(t)
		if d < 0 {
			d = -d
		}
		if d <= r.window {
			return true
		}
	}
	return false
}

// Remember caches the keys of alerts that were persisted.
func (r *Resolver) Remember(alerts []model.Alert) {
	for _, a := range alerts {
		if a.ID == "" {
			continue
		}
		if a.HasExternalID() {
			r.cache.Put(externalKey(a), a.ID)
		} else {
			r.cache.Put(titleKey(a), a.ID)
		}
	}
}
