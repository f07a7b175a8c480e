package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cloudcost-cli/internal/cache"
	"github.com/sells-group/cloudcost-cli/internal/store"
)

// defaultStoreDSN is the SQLite run history file used when no URL is set.
const defaultStoreDSN = "cloudcost.db"

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "", "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = defaultStoreDSN
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func initCache(ctx context.Context) (cache.Backend, error) {
	return cache.NewBackend(ctx, cfg.Cache)
}
