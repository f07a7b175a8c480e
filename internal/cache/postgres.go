package cache

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cloudcost-cli/internal/db"
)

const postgresCacheMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    JSONB NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (cache_name, key)
)`

var cacheUpsert = db.UpsertConfig{
	Table:        "cache_entries",
	Columns:      []string{"cache_name", "key", "payload", "fetched_at"},
	ConflictKeys: []string{"cache_name", "key"},
}

// PostgresBackend stores caches in a shared Postgres table so several
// machines can reuse one cache.
type PostgresBackend struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgresBackend connects and migrates.
func NewPostgresBackend(ctx context.Context, connString string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres parse config")
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres connect")
	}
	b := &PostgresBackend{pool: pool, closeFn: pool.Close}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) Migrate(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, postgresCacheMigration)
	return eris.Wrap(err, "cache: postgres migrate")
}

func (b *PostgresBackend) Load(ctx context.Context, name string) (map[string]Entry, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT key, payload, fetched_at FROM cache_entries WHERE cache_name = $1`, name)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: postgres load %s", name)
	}
	defer rows.Close()

	out := map[string]Entry{}
	for rows.Next() {
		var (
			key       string
			payload   []byte
			fetchedAt time.Time
		)
		if err := rows.Scan(&key, &payload, &fetchedAt); err != nil {
			return nil, eris.Wrap(err, "cache: postgres scan entry")
		}
		out[key] = Entry{Payload: payload, FetchedAt: fetchedAt}
	}
	return out, eris.Wrap(rows.Err(), "cache: postgres iterate entries")
}

// Save upserts every entry in one transaction.
func (b *PostgresBackend) Save(ctx context.Context, name string, entries map[string]Entry) error {
	rows := make([][]any, 0, len(entries))
	for key, e := range entries {
		rows = append(rows, []any{name, key, string(e.Payload), e.FetchedAt.UTC()})
	}
	_, err := db.BulkUpsert(ctx, b.pool, cacheUpsert, rows)
	return eris.Wrapf(err, "cache: postgres save %s", name)
}

func (b *PostgresBackend) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT cache_name, COUNT(*) FROM cache_entries GROUP BY cache_name`)
	if err != nil {
		return nil, eris.Wrap(err, "cache: postgres stats")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			name string
			n    int64
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, eris.Wrap(err, "cache: postgres scan stats")
		}
		out[name] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "cache: postgres iterate stats")
}

func (b *PostgresBackend) Clear(ctx context.Context, name string) (int, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM cache_entries WHERE cache_name = $1`, name)
	if err != nil {
		return 0, eris.Wrapf(err, "cache: postgres clear %s", name)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) Close() error {
	if b.closeFn != nil {
		b.closeFn()
	}
	return nil
}
