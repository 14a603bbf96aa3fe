package main

import (
	"context"
	"fmt"

	"github.com/go-authgate/orgctl/config"
	"github.com/go-authgate/orgctl/credstore"
)

// openStore opens the configured credential backend. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg *config.Config) (credstore.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case config.StoreFile:
		s, err := credstore.NewFileStore(cfg.TokenFile, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil

	case config.StoreRedis:
		s, err := credstore.OpenRedisStore(ctx, cfg.RedisURL, cfg.RedisPrefix, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StorePostgres:
		s, err := credstore.OpenPostgresStore(ctx, cfg.DatabaseURL, cfg.Profile)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.StoreMemory:
		return credstore.NewMemoryStore(credstore.Credentials{}), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
}
