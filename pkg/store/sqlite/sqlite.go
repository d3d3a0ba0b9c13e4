// Package sqlite implements store.Store on a local SQLite file via the
// pure-Go modernc.org driver (no CGO).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/terminusa/monitor/pkg/metric"
	"github.com/terminusa/monitor/pkg/store"
)

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite file at path and applies migrations.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_fk=1", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS samples (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    metric  TEXT NOT NULL,
    ts      INTEGER NOT NULL,
    value   REAL NOT NULL,
    tags    TEXT
);
CREATE INDEX IF NOT EXISTS idx_samples_metric_ts ON samples(metric, ts);
CREATE INDEX IF NOT EXISTS idx_samples_ts ON samples(ts);

CREATE TABLE IF NOT EXISTS aggregates (
    metric       TEXT NOT NULL,
    window       TEXT NOT NULL,
    window_start INTEGER NOT NULL,
    sum          REAL NOT NULL,
    count        INTEGER NOT NULL,
    min          REAL NOT NULL,
    max          REAL NOT NULL,
    PRIMARY KEY (metric, window, window_start)
);
CREATE INDEX IF NOT EXISTS idx_aggregates_window_start ON aggregates(window, window_start);
`
	_, err := s.db.Exec(stmt)
	return err
}

// WriteSamples appends samples in one transaction: either all rows are
// written or none.
func (s *Store) WriteSamples(ctx context.Context, samples []metric.Sample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO samples (metric, ts, value, tags) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		var tags []byte
		if len(sm.Tags) > 0 {
			if tags, err = json.Marshal(sm.Tags); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode tags for %s: %w", sm.Metric, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, sm.Metric, sm.Timestamp.UnixNano(), sm.Value, tags); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert sample for %s: %w", sm.Metric, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpsertAggregate replaces any aggregate with the same primary key.
func (s *Store) UpsertAggregate(ctx context.Context, agg metric.Aggregate) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO aggregates (metric, window, window_start, sum, count, min, max)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(metric, window, window_start)
DO UPDATE SET sum=excluded.sum, count=excluded.count, min=excluded.min, max=excluded.max`,
		agg.Metric, string(agg.Window), agg.WindowStart.UnixNano(),
		agg.Sum, agg.Count, agg.Min, agg.Max)
	if err != nil {
		return fmt.Errorf("upsert aggregate for %s: %w", agg.Metric, err)
	}
	return nil
}

// QuerySamples returns raw samples in [req.From, req.To) ordered by time.
func (s *Store) QuerySamples(ctx context.Context, req store.Range) ([]metric.Sample, error) {
	query := `SELECT metric, ts, value, tags FROM samples WHERE ts >= ? AND ts < ?`
	args := []any{req.From.UnixNano(), req.To.UnixNano()}
	if req.Metric != "" {
		query += ` AND metric = ?`
		args = append(args, req.Metric)
	}
	query += ` ORDER BY ts ASC`
	if req.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, req.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []metric.Sample
	for rows.Next() {
		var (
			sm   metric.Sample
			ts   int64
			tags sql.NullString
		)
		if err := rows.Scan(&sm.Metric, &ts, &sm.Value, &tags); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sm.Timestamp = time.Unix(0, ts).UTC()
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &sm.Tags); err != nil {
				return nil, fmt.Errorf("decode tags: %w", err)
			}
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// QueryAggregates returns aggregates of req.Tier in [req.From, req.To).
func (s *Store) QueryAggregates(ctx context.Context, req store.Range) ([]metric.Aggregate, error) {
	query := `SELECT metric, window, window_start, sum, count, min, max
FROM aggregates WHERE window = ? AND window_start >= ? AND window_start < ?`
	args := []any{string(req.Tier), req.From.UnixNano(), req.To.UnixNano()}
	if req.Metric != "" {
		query += ` AND metric = ?`
		args = append(args, req.Metric)
	}
	query += ` ORDER BY window_start ASC`
	if req.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, req.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer rows.Close()

	var out []metric.Aggregate
	for rows.Next() {
		var (
			agg    metric.Aggregate
			window string
			start  int64
		)
		if err := rows.Scan(&agg.Metric, &window, &start, &agg.Sum, &agg.Count, &agg.Min, &agg.Max); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		agg.Window = metric.Tier(window)
		agg.WindowStart = time.Unix(0, start).UTC()
		out = append(out, agg)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes tier rows strictly older than cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, tier metric.Tier, cutoff time.Time) (int, error) {
	var (
		res sql.Result
		err error
	)
	if tier == metric.TierRaw {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM samples WHERE ts < ?`, cutoff.UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM aggregates WHERE window = ? AND window_start < ?`,
			string(tier), cutoff.UnixNano())
	}
	if err != nil {
		return 0, fmt.Errorf("delete %s tier: %w", tier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{}

	var oldest, newest sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(ts), MAX(ts) FROM samples`)
	if err := row.Scan(&stats.Samples, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("sample stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestSample = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.NewestSample = time.Unix(0, newest.Int64).UTC()
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM aggregates`)
	if err := row.Scan(&stats.Aggregates); err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	return stats, nil
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the database collector can sample
// connection-pool statistics from the store it shares the node with.
func (s *Store) DB() *sql.DB {
	return s.db
}
