package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failed write so callers can tell storage
// failures from adapter failures.
type PersistenceError struct {
	Op     string
	Source string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for %s: %v", e.Op, e.Source, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Op int

const (
	OpInsert Op = iota
	OpUpdate
)

func (o Op) String() string {
	if o == OpUpdate {
		return "update"
	}
	return "insert"
}

// Write is one resolved alert. Inserts carry a fresh ID; updates carry the
// ID of the existing row and only refresh summary, raw_payload and labels.
type Write struct {
	Op    Op
	Alert model.Alert
}

// BatchResult counts what the store actually did, which can differ from
// the resolver's decisions when a concurrent run wrote the same key first.
type BatchResult struct {
	Inserted int
	Updated  int
	Skipped  int
	Alerts   []model.Alert // persisted alerts with their stored IDs
}

type AlertStore interface {
	FindByExternalID(ctx context.Context, source, externalID string) (model.Alert, error)
	// FindByTitleWindow returns the earliest alert of source with the
	// given normalized title published within [from, to].
	FindByTitleWindow(ctx context.Context, source, normalizedTitle string, from, to time.Time) (model.Alert, error)
	// ApplyBatch writes all alerts of one source atomically.
	ApplyBatch(ctx context.Context, source string, writes []Write) (BatchResult, error)
	CountBySource(ctx context.Context, source string) (int, error)
}

type RunStore interface {
	StartRun(ctx context.Context, rec model.SyncRunRecord) error
	FinishRun(ctx context.Context, rec model.SyncRunRecord) error
	RecentRuns(ctx context.Context, source string, limit int) ([]model.SyncRunRecord, error)
}

type HealthStore interface {
	UpsertHealth(ctx context.Context, st model.SourceHealthState) error
	LoadHealth(ctx context.Context) ([]model.SourceHealthState, error)
}

type CursorStore interface {
	GetCursor(ctx context.Context, source string) (model.SourceCursor, error)
	// AdvanceCursor moves the cursor forward; an older value is ignored.
	AdvanceCursor(ctx context.Context, c model.SourceCursor) error
}

type Store interface {
	AlertStore
	RunStore
	HealthStore
	CursorStore
	Close()
}
