package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schemaSQL }

type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore persists to PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

const alertColumns = `id::text, source_name, COALESCE(external_id, ''), title, normalized_title, summary, agency,
	published_at, external_url, raw_payload, urgency_score, labels, created_at, updated_at`

func scanAlert(row pgx.Row) (model.Alert, error) {
	var a model.Alert
	err := row.Scan(&a.ID, &a.SourceName, &a.ExternalID, &a.Title, &a.NormalizedTitle, &a.Summary, &a.Agency,
		&a.PublishedAt, &a.ExternalURL, &a.RawPayload, &a.UrgencyScore, &a.Labels, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Alert{}, ErrNotFound
	}
	if err != nil {
		return model.Alert{}, err
	}
	a.PublishedAt = a.PublishedAt.UTC()
	return a, nil
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, source, externalID string) (model.Alert, error) {
	return scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE source_name = $1 AND external_id = $2`,
		source, externalID))
}

func (s *PostgresStore) FindByTitleWindow(ctx context.Context, source, normalizedTitle string, from, to time.Time) (model.Alert, error) {
	return scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE source_name = $1 AND normalized_title = $2 AND published_at BETWEEN $3 AND $4
		 ORDER BY published_at, id LIMIT 1`,
		source, normalizedTitle, from.UTC(), to.UTC()))
}

const (
	upsertByExternalID = `INSERT INTO alerts
		(id, source_name, external_id, title, normalized_title, summary, agency, published_at, published_on,
		 external_url, raw_payload, labels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::date, $10, $11, $12)
		ON CONFLICT (source_name, external_id) WHERE external_id IS NOT NULL DO UPDATE
		SET summary = EXCLUDED.summary, raw_payload = EXCLUDED.raw_payload, labels = EXCLUDED.labels, updated_at = now()
		RETURNING id::text, (xmax = 0)`

	insertByTitle = `INSERT INTO alerts
		(id, source_name, external_id, title, normalized_title, summary, agency, published_at, published_on,
		 external_url, raw_payload, labels)
		VALUES ($1, $2, NULL, $3, $4, $5, $6, $7, $8::date, $9, $10, $11)
		ON CONFLICT (source_name, normalized_title, published_on) WHERE external_id IS NULL DO NOTHING
		RETURNING id::text, true`

	refreshByID = `UPDATE alerts
		SET summary = $2, raw_payload = $3, labels = $4, updated_at = now()
		WHERE id = $1
		RETURNING id::text, false`
)

func labelsOrEmpty(l map[string]string) map[string]string {
	if l == nil {
		return map[string]string{}
	}
	return l
}

// ApplyBatch queues every write in one pgx.Batch inside a transaction.
// Conflicts resolve through the partial unique indexes, so a run racing
// another cannot create duplicate keys.
func (s *PostgresStore) ApplyBatch(ctx context.Context, source string, writes []Write) (BatchResult, error) {
	if len(writes) == 0 {
		return BatchResult{}, nil
	}
	fail := func(err error) (BatchResult, error) {
		return BatchResult{}, &PersistenceError{Op: "apply batch", Source: source, Err: err}
	}

	b := &pgx.Batch{}
	for _, w := range writes {
		a := w.Alert
		if a.SourceName != source {
			return fail(fmt.Errorf("alert for %s in batch", a.SourceName))
		}
		payload := a.PayloadJSON()
		labels := labelsOrEmpty(a.Labels)
		switch {
		case w.Op == OpUpdate:
			b.Queue(refreshByID, a.ID, a.Summary, payload, labels)
		case a.HasExternalID():
			b.Queue(upsertByExternalID, a.ID, a.SourceName, a.ExternalID, a.Title, a.NormalizedTitle, a.Summary,
				a.Agency, a.PublishedAt.UTC(), a.PublishedDate(), a.ExternalURL, payload, labels)
		default:
			b.Queue(insertByTitle, a.ID, a.SourceName, a.Title, a.NormalizedTitle, a.Summary,
				a.Agency, a.PublishedAt.UTC(), a.PublishedDate(), a.ExternalURL, payload, labels)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var res BatchResult
	br := tx.SendBatch(ctx, b)
	for _, w := range writes {
		var id string
		var inserted bool
		err := br.QueryRow().Scan(&id, &inserted)
		if errors.Is(err, pgx.ErrNoRows) {
			res.Skipped++
			continue
		}
		if err != nil {
			_ = br.Close()
			return fail(err)
		}
		a := w.Alert
		a.ID = id
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
		res.Alerts = append(res.Alerts, a)
	}
	if err := br.Close(); err != nil {
		return fail(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(fmt.Errorf("committing transaction: %w", err))
	}
	return res, nil
}

func (s *PostgresStore) CountBySource(ctx context.Context, source string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts WHERE source_name = $1`, source).Scan(&n)
	return n, err
}

func (s *PostgresStore) StartRun(ctx context.Context, rec model.SyncRunRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO sync_run_logs
		(id, run_id, source_name, mode, started_at, status, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.RunID, rec.SourceName, string(rec.Mode), rec.StartedAt, string(rec.Status), errorsOrEmpty(rec.Errors))
	if err != nil {
		return &PersistenceError{Op: "start run", Source: rec.SourceName, Err: err}
	}
	return nil
}

// FinishRun finalizes a record once; later calls match no row.
func (s *PostgresStore) FinishRun(ctx context.Context, rec model.SyncRunRecord) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sync_run_logs
		SET finished_at = $2, status = $3, items_fetched = $4, items_inserted = $5, items_updated = $6,
		    items_skipped = $7, errors = $8, failed_batch = $9
		WHERE id = $1 AND finished_at IS NULL`,
		rec.ID, rec.FinishedAt, string(rec.Status), rec.ItemsFetched, rec.ItemsInserted, rec.ItemsUpdated,
		rec.ItemsSkipped, errorsOrEmpty(rec.Errors), nullJSON(rec.FailedBatch))
	if err != nil {
		return &PersistenceError{Op: "finish run", Source: rec.SourceName, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &PersistenceError{Op: "finish run", Source: rec.SourceName, Err: ErrNotFound}
	}
	return nil
}

func (s *PostgresStore) RecentRuns(ctx context.Context, source string, limit int) ([]model.SyncRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT id::text, run_id::text, source_name, mode, started_at, finished_at, status,
		items_fetched, items_inserted, items_updated, items_skipped, errors, failed_batch
		FROM sync_run_logs WHERE ($1 = '' OR source_name = $1)
		ORDER BY started_at DESC LIMIT $2`, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncRunRecord
	for rows.Next() {
		var r model.SyncRunRecord
		var mode, status string
		if err := rows.Scan(&r.ID, &r.RunID, &r.SourceName, &mode, &r.StartedAt, &r.FinishedAt, &status,
			&r.ItemsFetched, &r.ItemsInserted, &r.ItemsUpdated, &r.ItemsSkipped, &r.Errors, &r.FailedBatch); err != nil {
			return nil, err
		}
		r.Mode, r.Status = model.Mode(mode), model.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertHealth(ctx context.Context, st model.SourceHealthState) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO source_health
		(source_name, status, last_attempt_at, last_success_at, last_error_message, last_error_kind,
		 records_fetched_last_run, total_records, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (source_name) DO UPDATE SET
		 status = EXCLUDED.status, last_attempt_at = EXCLUDED.last_attempt_at,
		 last_success_at = EXCLUDED.last_success_at, last_error_message = EXCLUDED.last_error_message,
		 last_error_kind = EXCLUDED.last_error_kind, records_fetched_last_run = EXCLUDED.records_fetched_last_run,
		 total_records = EXCLUDED.total_records, updated_at = now()`,
		st.SourceName, string(st.Status), st.LastAttemptAt, st.LastSuccessAt, st.LastErrorMessage, st.LastErrorKind,
		st.RecordsFetchedLastRun, st.TotalRecords)
	if err != nil {
		return &PersistenceError{Op: "upsert health", Source: st.SourceName, Err: err}
	}
	return nil
}

func (s *PostgresStore) LoadHealth(ctx context.Context) ([]model.SourceHealthState, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_name, status, last_attempt_at, last_success_at, last_error_message,
		last_error_kind, records_fetched_last_run, total_records FROM source_health ORDER BY source_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SourceHealthState
	for rows.Next() {
		var h model.SourceHealthState
		var status string
		if err := rows.Scan(&h.SourceName, &status, &h.LastAttemptAt, &h.LastSuccessAt, &h.LastErrorMessage,
			&h.LastErrorKind, &h.RecordsFetchedLastRun, &h.TotalRecords); err != nil {
			return nil, err
		}
		h.Status = model.HealthStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCursor(ctx context.Context, source string) (model.SourceCursor, error) {
	c := model.SourceCursor{SourceName: source}
	err := s.pool.QueryRow(ctx, `SELECT last_published_at FROM source_cursors WHERE source_name = $1`, source).
		Scan(&c.LastPublishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourceCursor{}, ErrNotFound
	}
	if err != nil {
		return model.SourceCursor{}, err
	}
	c.LastPublishedAt = c.LastPublishedAt.UTC()
	return c, nil
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, c model.SourceCursor) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO source_cursors (source_name, last_published_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source_name) DO UPDATE
		SET last_published_at = GREATEST(source_cursors.last_published_at, EXCLUDED.last_published_at), updated_at = now()`,
		c.SourceName, c.LastPublishedAt.UTC())
	if err != nil {
		return &PersistenceError{Op: "advance cursor", Source: c.SourceName, Err: err}
	}
	return nil
}

func errorsOrEmpty(e []string) []string {
	if e == nil {
		return []string{}
	}
	return e
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
