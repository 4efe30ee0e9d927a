package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "vocab_project.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects, applies the schema and seeds the control switch. The
// switch starts paused so a fresh database never spends API credits unasked.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	defaults := model.ControlState{RunState: model.RunStatePaused, Model: cfg.Anthropic.Model}
	if err := st.EnsureControl(ctx, defaults); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "seed control switch")
	}
	return st, nil
}
