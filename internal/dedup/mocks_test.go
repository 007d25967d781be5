package dedup_test

import (
	"context"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

type mockLookup struct {
	byExternalIDFn func(ctx context.Context, source, externalID string) (model.Alert, error)
	byTitleFn      func(ctx context.Context, source, title string, from, to time.Time) (model.Alert, error)
	calls          int
}

func (m *mockLookup) FindByExternalID(ctx context.Context, source, externalID string) (model.Alert, error) {
	m.calls++
	if m.byExternalIDFn != nil {
		return m.byExternalIDFn(ctx, source, externalID)
	}
	return model.Alert{}, store.ErrNotFound
}

func (m *mockLookup) FindByTitleWindow(ctx context.Context, source, title string, from, to time.Time) (model.Alert, error) {
	m.calls++
	if m.byTitleFn != nil {
		return m.byTitleFn(ctx, source, title, from, to)
	}
	return model.Alert{}, store.ErrNotFound
}
