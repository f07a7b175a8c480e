package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores caches in one table of an embedded SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteCacheMigration = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    TEXT NOT NULL,
	fetched_at DATETIME NOT NULL,
	PRIMARY KEY (cache_name, key)
);
`

// NewSQLiteBackend opens (and migrates) the database at dsn in WAL mode.
func NewSQLiteBackend(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "cache: sqlite exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteCacheMigration); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "cache: sqlite migrate")
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, name string) (map[string]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, payload, fetched_at FROM cache_entries WHERE cache_name = ?`, name)
	if err != nil {
		return nil, eris.Wrapf(err, "cache: sqlite load %s", name)
	}
	defer rows.Close()

	out := map[string]Entry{}
	for rows.Next() {
		var (
			key, payload string
			fetchedAt    time.Time
		)
		if err := rows.Scan(&key, &payload, &fetchedAt); err != nil {
			return nil, eris.Wrap(err, "cache: sqlite scan entry")
		}
		out[key] = Entry{Payload: []byte(payload), FetchedAt: fetchedAt}
	}
	return out, eris.Wrap(rows.Err(), "cache: sqlite iterate entries")
}

// Save upserts every entry in one transaction.
func (b *SQLiteBackend) Save(ctx context.Context, name string, entries map[string]Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "cache: sqlite begin")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (cache_name, key, payload, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (cache_name, key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`)
	if err != nil {
		return eris.Wrap(err, "cache: sqlite prepare upsert")
	}
	defer stmt.Close()

	for key, e := range entries {
		if _, err := stmt.ExecContext(ctx, name, key, string(e.Payload), e.FetchedAt.UTC()); err != nil {
			return eris.Wrapf(err, "cache: sqlite upsert %s", key)
		}
	}
	return eris.Wrap(tx.Commit(), "cache: sqlite commit")
}

func (b *SQLiteBackend) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT cache_name, COUNT(*) FROM cache_entries GROUP BY cache_name`)
	if err != nil {
		return nil, eris.Wrap(err, "cache: sqlite stats")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, eris.Wrap(err, "cache: sqlite scan stats")
		}
		out[name] = n
	}
	return out, eris.Wrap(rows.Err(), "cache: sqlite iterate stats")
}

func (b *SQLiteBackend) Clear(ctx context.Context, name string) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name)
	if err != nil {
		return 0, eris.Wrapf(err, "cache: sqlite clear %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "cache: sqlite rows affected")
	}
	return int(n), nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
