package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mxwashington/regiq-sub010/internal/model"
	"github.com/mxwashington/regiq-sub010/internal/orchestrator"
	"github.com/mxwashington/regiq-sub010/internal/source"
	"github.com/mxwashington/regiq-sub010/internal/store"
)

type fakeAdapter struct {
	name    string
	fetchFn func(ctx context.Context, req source.FetchRequest) (source.FetchResult, error)

	calls atomic.Int32
	mu    sync.Mutex
	reqs  []source.FetchRequest
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, req source.FetchRequest) (source.FetchResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fetchFn == nil {
		return source.FetchResult{}, nil
	}
	return f.fetchFn(ctx, req)
}

func (f *fakeAdapter) lastRequest() source.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func items(raw ...model.RawItem) func(context.Context, source.FetchRequest) (source.FetchResult, error) {
	return func(context.Context, source.FetchRequest) (source.FetchResult, error) {
		return source.FetchResult{Items: raw}, nil
	}
}

// flakyStore fails ApplyBatch while failures > 0.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
	applies  atomic.Int32
}

func (s *flakyStore) ApplyBatch(ctx context.Context, src string, writes []store.Write) (store.BatchResult, error) {
	s.applies.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return store.BatchResult{}, &store.PersistenceError{Op: "apply batch", Source: src, Err: errors.New("connection reset by peer")}
	}
	return s.MemoryStore.ApplyBatch(ctx, src, writes)
}

type recordingSink struct {
	mu        sync.Mutex
	summaries []model.SyncSummary
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Push(_ context.Context, s model.SyncSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.summaries)
}

type fakeRunner struct {
	running atomic.Bool
	runs    atomic.Int32
}

func (f *fakeRunner) RunSync(context.Context, orchestrator.Request) (model.SyncSummary, error) {
	f.runs.Add(1)
	return model.SyncSummary{}, nil
}

func (f *fakeRunner) Running() bool { return f.running.Load() }
