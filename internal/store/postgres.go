package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cloudcost-cli/internal/db"
	"github.com/sells-group/cloudcost-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	state          TEXT NOT NULL,
	partial        BOOLEAN NOT NULL DEFAULT false,
	failure_reason TEXT NOT NULL DEFAULT '',
	items_total    INTEGER NOT NULL DEFAULT 0,
	success_count  INTEGER NOT NULL DEFAULT 0,
	failure_count  INTEGER NOT NULL DEFAULT 0,
	skipped_count  INTEGER NOT NULL DEFAULT 0,
	cache_hits     INTEGER NOT NULL DEFAULT 0,
	warning_count  INTEGER NOT NULL DEFAULT 0,
	summary        JSONB NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS run_buckets (
	run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	aggregate     TEXT NOT NULL,
	rank          INTEGER NOT NULL,
	key           TEXT NOT NULL,
	bucket_values TEXT NOT NULL,
	count         INTEGER NOT NULL,
	sum           DOUBLE PRECISION NOT NULL,
	sum_exact     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, aggregate, rank)
);

CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const postgresUpsertRun = `
INSERT INTO runs (id, kind, state, partial, failure_reason, items_total, success_count, failure_count,
	skipped_count, cache_hits, warning_count, summary, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET
	kind = EXCLUDED.kind, state = EXCLUDED.state, partial = EXCLUDED.partial,
	failure_reason = EXCLUDED.failure_reason, items_total = EXCLUDED.items_total,
	success_count = EXCLUDED.success_count, failure_count = EXCLUDED.failure_count,
	skipped_count = EXCLUDED.skipped_count, cache_hits = EXCLUDED.cache_hits,
	warning_count = EXCLUDED.warning_count, summary = EXCLUDED.summary,
	started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`

// SaveSession writes the run row and COPYs its buckets in one transaction.
func (s *PostgresStore) SaveSession(ctx context.Context, res *model.SessionResult) error {
	summary, err := summaryJSON(res)
	if err != nil {
		return err
	}
	buckets, err := bucketRows(res)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save session")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, postgresUpsertRun,
		res.ID, string(res.Kind), string(res.State), res.Partial, res.FailureReason,
		res.ItemsTotal, res.SuccessCount, res.FailureCount, res.SkippedCount, res.CacheHits,
		len(res.Warnings), summary, res.StartedAt, res.FinishedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert run %s", res.ID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM run_buckets WHERE run_id = $1`, res.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear buckets %s", res.ID)
	}
	if _, err := db.CopyFrom(ctx, tx, "run_buckets", bucketColumns, buckets); err != nil {
		return eris.Wrapf(err, "postgres: copy buckets %s", res.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save session")
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.SessionResult, error) {
	var summary []byte
	err := s.pool.QueryRow(ctx, `SELECT summary FROM runs WHERE id = $1`, id).Scan(&summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	res, err := decodeSummary(summary)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT aggregate, key, bucket_values, count, sum, sum_exact
		 FROM run_buckets WHERE run_id = $1 ORDER BY aggregate, rank`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get buckets %s", id)
	}
	defer rows.Close()

	for rows.Next() {
		var name, values string
		var b model.Bucket
		if err := rows.Scan(&name, &b.Key, &values, &b.Count, &b.Sum, &b.SumExact); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bucket")
		}
		b.Values = decodeValues(values)
		res.Aggregates[name] = append(res.Aggregates[name], b)
	}
	return res, eris.Wrap(rows.Err(), "postgres: get buckets iterate")
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT id, kind, state, partial, failure_reason, items_total, success_count, failure_count,
		skipped_count, cache_hits, warning_count, started_at, finished_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var kind, state string
		if err := rows.Scan(&r.ID, &kind, &state, &r.Partial, &r.FailureReason, &r.ItemsTotal,
			&r.SuccessCount, &r.FailureCount, &r.SkippedCount, &r.CacheHits, &r.WarningCount,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Kind, r.State = model.CollectionKind(kind), model.SessionState(state)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, state, COUNT(*), COUNT(*) FILTER (WHERE partial) FROM runs GROUP BY kind, state`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run stats")
	}
	defer rows.Close()

	st := newStats()
	for rows.Next() {
		var kind, state string
		var n, partial int
		if err := rows.Scan(&kind, &state, &n, &partial); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run stats")
		}
		st.Total += n
		st.Partial += partial
		st.ByKind[model.CollectionKind(kind)] += n
		st.ByState[model.SessionState(state)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: run stats iterate")
	}

	var last *time.Time
	if err := s.pool.QueryRow(ctx, `SELECT max(finished_at) FROM runs`).Scan(&last); err != nil {
		return nil, eris.Wrap(err, "postgres: last finished run")
	}
	if last != nil {
		st.LastFinished = *last
	}
	return st, nil
}
