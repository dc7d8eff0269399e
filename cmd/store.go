package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-monitor/internal/checkpoint"
	"github.com/sells-group/tender-monitor/internal/store"
)

// initStore opens the run history store. It returns nil when history is
// disabled.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "":
		return nil, nil
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
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
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// requireStore is initStore for commands that cannot work without history.
func requireStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.New("run history is disabled (store.driver is empty)")
	}
	return st, nil
}

func initBackend(ctx context.Context) (checkpoint.Backend, error) {
	switch cfg.Checkpoint.Driver {
	case "", "file":
		return checkpoint.NewFileBackend(cfg.Checkpoint.Dir)
	case "sqlite":
		return checkpoint.NewSQLiteBackend(ctx, cfg.Checkpoint.DSN)
	default:
		return nil, eris.Errorf("unsupported checkpoint driver: %s", cfg.Checkpoint.Driver)
	}
}
