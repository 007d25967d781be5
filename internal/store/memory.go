package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

// MemoryStore keeps everything in process memory. Cursors and health can
// optionally be written to a JSON state file so repeated CLI runs resume.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	statePath string

	alerts  map[string]model.Alert // id -> alert
	byExt   map[string]string      // source, external_id -> id
	byDay   map[string]string      // source, normalized title, day -> id (id-less alerts)
	runs    []model.SyncRunRecord
	health  map[string]model.SourceHealthState
	cursors map[string]model.SourceCursor
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		alerts:  map[string]model.Alert{},
		byExt:   map[string]string{},
		byDay:   map[string]string{},
		health:  map[string]model.SourceHealthState{},
		cursors: map[string]model.SourceCursor{},
	}
}

// NewMemoryWithState loads cursors and health from path (if it exists)
// and writes them back on every change.
func NewMemoryWithState(path string) (*MemoryStore, error) {
	m := NewMemory()
	m.statePath = path
	st, err := LoadState(path)
	if err != nil {
		return nil, err
	}
	for _, c := range st.Cursors {
		m.cursors[c.SourceName] = c
	}
	for _, h := range st.Health {
		m.health[h.SourceName] = h
	}
	return m, nil
}

func extKey(source, ext string) string { return source + "\x00" + ext }

func dayKey(a model.Alert) string {
	return a.SourceName + "\x00" + a.NormalizedTitle + "\x00" + a.PublishedDate()
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) FindByExternalID(_ context.Context, source, externalID string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byExt[extKey(source, externalID)]
	if !ok {
		return model.Alert{}, ErrNotFound
	}
	return cloneAlert(m.alerts[id]), nil
}

func (m *MemoryStore) FindByTitleWindow(_ context.Context, source, normalizedTitle string, from, to time.Time) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *model.Alert
	for _, a := range m.alerts {
		if a.SourceName != source || a.NormalizedTitle != normalizedTitle {
			continue
		}
		if a.PublishedAt.Before(from) || a.PublishedAt.After(to) {
			continue
		}
		if best == nil || a.PublishedAt.Before(best.PublishedAt) {
			a := a
			best = &a
		}
	}
	if best == nil {
		return model.Alert{}, ErrNotFound
	}
	return cloneAlert(*best), nil
}

func (m *MemoryStore) ApplyBatch(_ context.Context, source string, writes []Write) (BatchResult, error) {
	for _, w := range writes {
		if w.Alert.SourceName != source {
			return BatchResult{}, &PersistenceError{Op: "apply batch", Source: source,
				Err: fmt.Errorf("alert for %s in batch", w.Alert.SourceName)}
		}
		if w.Alert.ID == "" {
			return BatchResult{}, &PersistenceError{Op: "apply batch", Source: source, Err: fmt.Errorf("alert without id")}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	var res BatchResult
	for _, w := range writes {
		a := cloneAlert(w.Alert)
		switch w.Op {
		case OpInsert:
			if a.HasExternalID() {
				if id, ok := m.byExt[extKey(source, a.ExternalID)]; ok {
					res.Alerts = append(res.Alerts, m.refresh(id, a, now))
					res.Updated++
					continue
				}
			} else if _, ok := m.byDay[dayKey(a)]; ok {
				res.Skipped++
				continue
			}
			a.CreatedAt, a.UpdatedAt = now, now
			m.alerts[a.ID] = a
			if a.HasExternalID() {
				m.byExt[extKey(source, a.ExternalID)] = a.ID
			} else {
				m.byDay[dayKey(a)] = a.ID
			}
			res.Alerts = append(res.Alerts, cloneAlert(a))
			res.Inserted++
		case OpUpdate:
			if _, ok := m.alerts[a.ID]; !ok {
				res.Skipped++
				continue
			}
			res.Alerts = append(res.Alerts, m.refresh(a.ID, a, now))
			res.Updated++
		}
	}
	return res, nil
}

// refresh applies the upsert column set to an existing row.
func (m *MemoryStore) refresh(id string, in model.Alert, now time.Time) model.Alert {
	cur := m.alerts[id]
	cur.Summary = in.Summary
	cur.RawPayload = in.RawPayload
	cur.Labels = in.Labels
	cur.UpdatedAt = now
	m.alerts[id] = cur
	return cloneAlert(cur)
}

func (m *MemoryStore) CountBySource(_ context.Context, source string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.alerts {
		if a.SourceName == source {
			n++
		}
	}
	return n, nil
}

// Alerts returns the stored alerts of source ordered by published_at, id.
func (m *MemoryStore) Alerts(source string) []model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Alert
	for _, a := range m.alerts {
		if a.SourceName == source {
			out = append(out, cloneAlert(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.Before(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) StartRun(_ context.Context, rec model.SyncRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, rec)
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, rec model.SyncRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == rec.ID {
			if m.runs[i].FinishedAt != nil {
				return &PersistenceError{Op: "finish run", Source: rec.SourceName, Err: fmt.Errorf("run record %s already finalized", rec.ID)}
			}
			m.runs[i] = rec
			return nil
		}
	}
	return &PersistenceError{Op: "finish run", Source: rec.SourceName, Err: ErrNotFound}
}

// RecentRuns returns up to limit records for source, newest first. An
// empty source matches all.
func (m *MemoryStore) RecentRuns(_ context.Context, source string, limit int) ([]model.SyncRunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SyncRunRecord
	for i := len(m.runs) - 1; i >= 0; i-- {
		if source == "" || m.runs[i].SourceName == source {
			out = append(out, m.runs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) UpsertHealth(_ context.Context, st model.SourceHealthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[st.SourceName] = st
	return m.saveLocked()
}

func (m *MemoryStore) LoadHealth(_ context.Context) ([]model.SourceHealthState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SourceHealthState, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceName < out[j].SourceName })
	return out, nil
}

func (m *MemoryStore) GetCursor(_ context.Context, source string) (model.SourceCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cursors[source]
	if !ok {
		return model.SourceCursor{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) AdvanceCursor(_ context.Context, c model.SourceCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[c.SourceName]; ok && !c.LastPublishedAt.After(cur.LastPublishedAt) {
		return nil
	}
	c.LastPublishedAt = c.LastPublishedAt.UTC()
	m.cursors[c.SourceName] = c
	return m.saveLocked()
}

func (m *MemoryStore) saveLocked() error {
	if m.statePath == "" {
		return nil
	}
	st := State{}
	for _, c := range m.cursors {
		st.Cursors = append(st.Cursors, c)
	}
	for _, h := range m.health {
		st.Health = append(st.Health, h)
	}
	return SaveState(m.statePath, st)
}

func cloneAlert(a model.Alert) model.Alert {
	if a.RawPayload != nil {
		p := make(map[string]any, len(a.RawPayload))
		for k, v := range a.RawPayload {
			p[k] = v
		}
		a.RawPayload = p
	}
	if a.Labels != nil {
		l := make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			l[k] = v
		}
		a.Labels = l
	}
	return a
}
