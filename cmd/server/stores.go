package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/propertyhub/authbridge/internal/authkit"
	"github.com/propertyhub/authbridge/internal/authkitpg"
)

const (
	storeDriverGORM = "gorm"
	storeDriverPGX  = "pgx"
)

// openStore selects the persistence backend. An empty database URL keeps everything in memory.
func openStore(ctx context.Context, driver string, databaseURL string) (authkit.Store, func(), error) {
	if strings.TrimSpace(databaseURL) == "" {
		return authkit.NewMemoryStore(), func() {}, nil
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", storeDriverGORM:
		store, err := authkit.NewDatabaseStore(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case storeDriverPGX:
		pool, err := authkitpg.BuildPool(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := authkitpg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store := authkitpg.NewStore(pool)
		return store, store.Close, nil
	default:
		return nil, nil, configError(configCodeInvalidStoreDriver, fmt.Sprintf("store_driver %q must be gorm or pgx", driver))
	}
}
