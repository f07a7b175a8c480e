package cache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cloudcost-cli/internal/config"
)

// NewBackend builds the backend selected by cfg.Driver. The sqlite driver
// uses cfg.DatabaseURL when set, else <dir>/cache.db.
func NewBackend(ctx context.Context, cfg config.CacheConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileBackend(cfg.Dir), nil
	case "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "cache: create dir %s", cfg.Dir)
			}
			dsn = filepath.Join(cfg.Dir, "cache.db")
		}
		return NewSQLiteBackend(ctx, dsn)
	case "postgres":
		return NewPostgresBackend(ctx, cfg.DatabaseURL)
	}
	return nil, eris.Errorf("cache: unsupported driver %q", cfg.Driver)
}
