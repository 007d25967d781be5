package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

func alert(source, ext, title string, day int) model.Alert {
	return model.Alert{
		ID:              uuid.NewString(),
		SourceName:      source,
		ExternalID:      ext,
		Title:           title,
		NormalizedTitle: title,
		Summary:         "summary of " + title,
		PublishedAt:     time.Date(2024, 1, day, 9, 0, 0, 0, time.UTC),
		RawPayload:      map[string]any{"title": title},
	}
}

func TestExternalIDStaysUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := alert("FDA", "RECALL-001", "cheese", 10)
	res, err := m.ApplyBatch(ctx, "FDA", []Write{{Op: OpInsert, Alert: first}})
	if err != nil || res.Inserted != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	// a racing run inserting the same key with a fresh id upserts instead
	again := alert("FDA", "RECALL-001", "cheese", 12)
	again.Summary = "updated"
	res, err = m.ApplyBatch(ctx, "FDA", []Write{{Op: OpInsert, Alert: again}})
	if err != nil || res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res.Alerts[0].ID != first.ID {
		t.Fatalf("id changed: %s != %s", res.Alerts[0].ID, first.ID)
	}

	stored := m.Alerts("FDA")
	if len(stored) != 1 {
		t.Fatalf("alerts = %d", len(stored))
	}
	if stored[0].Summary != "updated" || !stored[0].PublishedAt.Equal(first.PublishedAt) {
		t.Fatalf("stored = %+v", stored[0])
	}

	// same external id under another source is a different key
	if _, err := m.ApplyBatch(ctx, "FSIS", []Write{{Op: OpInsert, Alert: alert("FSIS", "RECALL-001", "cheese", 10)}}); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, src := range []string{"FDA", "FSIS"} {
		for _, a := range m.Alerts(src) {
			k := a.SourceName + "/" + a.ExternalID
			if seen[k] {
				t.Fatalf("duplicate key %s", k)
			}
			seen[k] = true
		}
	}
}

func TestIDLessAlertsDedupOnTitleAndDay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := alert("FSIS", "", "beef recall listeria", 10)
	b := alert("FSIS", "", "beef recall listeria", 10)
	c := alert("FSIS", "", "beef recall listeria", 20)

	res, err := m.ApplyBatch(ctx, "FSIS", []Write{{Op: OpInsert, Alert: a}, {Op: OpInsert, Alert: b}, {Op: OpInsert, Alert: c}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 2 || res.Skipped != 1 {
		t.Fatalf("res = %+v", res)
	}

	got, err := m.FindByTitleWindow(ctx, "FSIS", "beef recall listeria",
		time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC))
	if err != nil || got.ID != a.ID {
		t.Fatalf("got=%+v err=%v", got, err)
	}
	_, err = m.FindByTitleWindow(ctx, "FSIS", "beef recall listeria",
		time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateTouchesOnlyMutableColumns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	orig := alert("FDA", "X-1", "title", 10)
	score := 0.7
	orig.UrgencyScore = &score
	if _, err := m.ApplyBatch(ctx, "FDA", []Write{{Op: OpInsert, Alert: orig}}); err != nil {
		t.Fatal(err)
	}

	upd := alert("FDA", "X-1", "new title", 15)
	upd.ID = orig.ID
	upd.Summary = "fresh"
	upd.Labels = map[string]string{"hazard": "pathogen"}
	res, err := m.ApplyBatch(ctx, "FDA", []Write{{Op: OpUpdate, Alert: upd}})
	if err != nil || res.Updated != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	got, err := m.FindByExternalID(ctx, "FDA", "X-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "title" || !got.PublishedAt.Equal(orig.PublishedAt) || got.UrgencyScore == nil || *got.UrgencyScore != 0.7 {
		t.Fatalf("immutable columns changed: %+v", got)
	}
	if got.Summary != "fresh" || got.Labels["hazard"] != "pathogen" {
		t.Fatalf("mutable columns not refreshed: %+v", got)
	}
}

func TestBatchRejectsForeignSource(t *testing.T) {
	m := NewMemory()
	_, err := m.ApplyBatch(context.Background(), "FDA", []Write{{Op: OpInsert, Alert: alert("EPA", "1", "t", 1)}})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if n, _ := m.CountBySource(context.Background(), "EPA"); n != 0 {
		t.Fatal("nothing may be written from a rejected batch")
	}
}

func TestRunRecordsFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := model.SyncRunRecord{ID: uuid.NewString(), RunID: uuid.NewString(), SourceName: "FDA", Status: model.RunRunning, StartedAt: time.Now()}
	if err := m.StartRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	done := time.Now()
	rec.FinishedAt = &done
	rec.Status = model.RunSuccess
	if err := m.FinishRun(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Status = model.RunError
	if err := m.FinishRun(ctx, rec); err == nil {
		t.Fatal("second finalize must fail")
	}
	runs, _ := m.RecentRuns(ctx, "FDA", 10)
	if len(runs) != 1 || runs[0].Status != model.RunSuccess {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestCursorOnlyAdvancesAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	m, err := NewMemoryWithState(path)
	if err != nil {
		t.Fatal(err)
	}
	t1 := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	if err := m.AdvanceCursor(ctx, model.SourceCursor{SourceName: "FDA", LastPublishedAt: t1}); err != nil {
		t.Fatal(err)
	}
	if err := m.AdvanceCursor(ctx, model.SourceCursor{SourceName: "FDA", LastPublishedAt: t1.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertHealth(ctx, model.SourceHealthState{SourceName: "FDA", Status: model.HealthHealthy}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewMemoryWithState(path)
	if err != nil {
		t.Fatal(err)
	}
	c, err := reopened.GetCursor(ctx, "FDA")
	if err != nil || !c.LastPublishedAt.Equal(t1) {
		t.Fatalf("cursor=%+v err=%v", c, err)
	}
	h, _ := reopened.LoadHealth(ctx)
	if len(h) != 1 || h[0].Status != model.HealthHealthy {
		t.Fatalf("health = %+v", h)
	}
	if _, err := reopened.GetCursor(ctx, "EPA"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}
