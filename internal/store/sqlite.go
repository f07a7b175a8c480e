package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/cloudcost-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	state          TEXT NOT NULL,
	partial        INTEGER NOT NULL DEFAULT 0,
	failure_reason TEXT NOT NULL DEFAULT '',
	items_total    INTEGER NOT NULL DEFAULT 0,
	success_count  INTEGER NOT NULL DEFAULT 0,
	failure_count  INTEGER NOT NULL DEFAULT 0,
	skipped_count  INTEGER NOT NULL DEFAULT 0,
	cache_hits     INTEGER NOT NULL DEFAULT 0,
	warning_count  INTEGER NOT NULL DEFAULT 0,
	summary        TEXT NOT NULL,
	started_at     DATETIME NOT NULL,
	finished_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_buckets (
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	aggregate     TEXT NOT NULL,
	rank          INTEGER NOT NULL,
	key           TEXT NOT NULL,
	bucket_values TEXT NOT NULL,
	count         INTEGER NOT NULL,
	sum           REAL NOT NULL,
	sum_exact     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, aggregate, rank)
);

CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertRun = `
INSERT INTO runs (id, kind, state, partial, failure_reason, items_total, success_count, failure_count,
	skipped_count, cache_hits, warning_count, summary, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	kind = excluded.kind, state = excluded.state, partial = excluded.partial,
	failure_reason = excluded.failure_reason, items_total = excluded.items_total,
	success_count = excluded.success_count, failure_count = excluded.failure_count,
	skipped_count = excluded.skipped_count, cache_hits = excluded.cache_hits,
	warning_count = excluded.warning_count, summary = excluded.summary,
	started_at = excluded.started_at, finished_at = excluded.finished_at`

func (s *SQLiteStore) SaveSession(ctx context.Context, res *model.SessionResult) error {
	summary, err := summaryJSON(res)
	if err != nil {
		return err
	}
	buckets, err := bucketRows(res)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save session")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, sqliteUpsertRun,
		res.ID, string(res.Kind), string(res.State), res.Partial, res.FailureReason,
		res.ItemsTotal, res.SuccessCount, res.FailureCount, res.SkippedCount, res.CacheHits,
		len(res.Warnings), string(summary), res.StartedAt.UTC(), res.FinishedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert run %s", res.ID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_buckets WHERE run_id = ?`, res.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear buckets %s", res.ID)
	}

	if len(buckets) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO run_buckets (run_id, aggregate, rank, key, bucket_values, count, sum, sum_exact)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare bucket insert")
		}
		defer stmt.Close() //nolint:errcheck
		for _, row := range buckets {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return eris.Wrapf(err, "sqlite: insert bucket for %s", res.ID)
			}
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save session")
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.SessionResult, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM runs WHERE id = ?`, id).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	res, err := decodeSummary([]byte(summary))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate, key, bucket_values, count, sum, sum_exact
		 FROM run_buckets WHERE run_id = ? ORDER BY aggregate, rank`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get buckets %s", id)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var name, values string
		var b model.Bucket
		if err := rows.Scan(&name, &b.Key, &values, &b.Count, &b.Sum, &b.SumExact); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bucket")
		}
		b.Values = decodeValues(values)
		res.Aggregates[name] = append(res.Aggregates[name], b)
	}
	return res, eris.Wrap(rows.Err(), "sqlite: get buckets iterate")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, kind, state, partial, failure_reason, items_total, success_count, failure_count,
		skipped_count, cache_hits, warning_count, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Kind, &r.State, &r.Partial, &r.FailureReason, &r.ItemsTotal,
			&r.SuccessCount, &r.FailureCount, &r.SkippedCount, &r.CacheHits, &r.WarningCount,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, state, COUNT(*), SUM(partial) FROM runs GROUP BY kind, state`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats")
	}
	defer rows.Close() //nolint:errcheck

	st := newStats()
	for rows.Next() {
		var kind, state string
		var n, partial int
		if err := rows.Scan(&kind, &state, &n, &partial); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run stats")
		}
		st.Total += n
		st.Partial += partial
		st.ByKind[model.CollectionKind(kind)] += n
		st.ByState[model.SessionState(state)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: run stats iterate")
	}

	var last time.Time
	err = s.db.QueryRowContext(ctx, `SELECT finished_at FROM runs ORDER BY finished_at DESC LIMIT 1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, eris.Wrap(err, "sqlite: last finished run")
	default:
		st.LastFinished = last
	}
	return st, nil
}
