package main

import (
	"context"
	"fmt"

	"github.com/ehr/intake-bridge/internal/config"
	"github.com/ehr/intake-bridge/internal/domain/queue"
	"github.com/ehr/intake-bridge/internal/platform/db"
)

// store is the queue repository chosen by DB_DRIVER plus the hooks the
// health endpoint needs.
type store struct {
	repo   queue.Repository
	pinger db.Pinger
	stats  func() *db.PoolStats
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.DBDriver {
	case "sqlite":
		conn, err := db.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo, err := queue.NewWorkItemRepoSQLite(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &store{
			repo:   repo,
			pinger: db.SQLPinger{DB: conn},
			stats:  func() *db.PoolStats { return db.GetSQLStats(conn) },
			close:  func() { conn.Close() },
		}, nil
	case "postgres", "":
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, err
		}
		return &store{
			repo:   queue.NewWorkItemRepoPG(pool),
			pinger: pool,
			stats:  func() *db.PoolStats { return db.GetPoolStats(pool) },
			close:  pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}
