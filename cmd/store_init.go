package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/epidata-io/covid-etl/internal/store"
)

func initStore(ctx context.Context) (*store.Store, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("database URL is required (COVIDETL_STORE_DATABASE_URL)")
	}
	return store.New(ctx, cfg.Store)
}
