package database

import (
	"context"
	"fmt"
	"time"

	"quotekeeper/config"
	"quotekeeper/ohlcv"

	"github.com/sirupsen/logrus"
)

// Store is a bar sink plus the maintenance operations the CLI runs against it.
type Store interface {
	ohlcv.Sink

	EnsureSchema(ctx context.Context) error
	// PruneIntraday deletes intraday bars stamped before `cutoff`.
	PruneIntraday(ctx context.Context, cutoff time.Time) (map[ohlcv.Interval]int64, error)
	// TryLock reports whether this run holds the named lock; false means another run does.
	TryLock(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
)

// Open connects to the configured backend. The caller owns the returned store and must close it.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN(), log)
	case "sqlite":
		return NewSQLite(ctx, cfg.Database.SQLitePath, log)
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}
