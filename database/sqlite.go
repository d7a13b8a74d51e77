package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quotekeeper/ohlcv"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Times are stored as fixed-width text so that lexical order is chronological order.
const (
	sqliteDateLayout    = "2006-01-02"
	sqliteInstantLayout = "2006-01-02T15:04:05Z"
)

// SQLite stores bars in a local database file. It is meant for single-host deployments and development.
type SQLite struct {
	db  *sql.DB
	log *logrus.Entry
}

func NewSQLite(ctx context.Context, path string, log logrus.FieldLogger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; concurrent writers would only contend on SQLite's file lock.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &SQLite{
		db:  db,
		log: log.WithFields(logrus.Fields{"store": "sqlite", "path": path}),
	}, nil
}

func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	defer tx.Rollback()

	for _, i := range ohlcv.Intervals {
		for _, stmt := range priceTableDDL(i, "text") {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
	}
	return tx.Commit()
}

// TryLock always succeeds. Writers to one SQLite file are already serialised by SQLite itself.
func (s *SQLite) TryLock(context.Context, string) (bool, error) {
	return true, nil
}

func (s *SQLite) LatestTimestamp(ctx context.Context, ticker string, interval ohlcv.Interval) (time.Time, bool, error) {
	if !interval.Valid() {
		return time.Time{}, false, fmt.Errorf("%w: %q", ohlcv.ErrInvalidInterval, interval)
	}

	var latest sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf("SELECT max(%s) FROM %s WHERE ticker = ?", timeColumn(interval), Table(interval)),
		ticker,
	).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, fmt.Errorf("latest %s bar for %s: %w", interval, ticker, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}

	ts, err := time.Parse(sqliteLayout(interval), latest.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest %s bar for %s: %w", interval, ticker, err)
	}
	return ts, true, nil
}

// UpsertBatch writes the batch in one transaction. SQLite has no portable way to tell an insert from an update in
// an upsert, so each key is looked up first.
func (s *SQLite) UpsertBatch(ctx context.Context, interval ohlcv.Interval, bars []ohlcv.PriceBar) (ohlcv.UpsertStats, error) {
	var stats ohlcv.UpsertStats
	if !interval.Valid() {
		return stats, fmt.Errorf("%w: %q", ohlcv.ErrInvalidInterval, interval)
	}
	if len(bars) == 0 {
		return stats, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("upsert into %s: %w", Table(interval), err)
	}
	defer tx.Rollback()

	exists, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE ticker = ? AND %s = ?", Table(interval), timeColumn(interval),
	))
	if err != nil {
		return ohlcv.UpsertStats{}, fmt.Errorf("upsert into %s: %w", Table(interval), err)
	}
	defer exists.Close()

	upsert, err := tx.PrepareContext(ctx, upsertSQL(interval, sqlitePlaceholder, ""))
	if err != nil {
		return ohlcv.UpsertStats{}, fmt.Errorf("upsert into %s: %w", Table(interval), err)
	}
	defer upsert.Close()

	for _, b := range bars {
		ts := b.Timestamp.UTC().Format(sqliteLayout(interval))

		var n int
		if err := exists.QueryRowContext(ctx, b.Ticker, ts).Scan(&n); err != nil {
			return ohlcv.UpsertStats{}, fmt.Errorf("upsert into %s: %w", Table(interval), err)
		}
		if _, err := upsert.ExecContext(ctx, barArgs(interval, b, ts)...); err != nil {
			return ohlcv.UpsertStats{}, fmt.Errorf("upsert into %s: %w", Table(interval), err)
		}
		if n > 0 {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return ohlcv.UpsertStats{}, fmt.Errorf("upsert into %s: %w", Table(interval), err)
	}

	s.log.WithFields(logrus.Fields{
		"table":    Table(interval),
		"inserted": stats.Inserted,
		"updated":  stats.Updated,
	}).Debug("batch committed")
	return stats, nil
}

func (s *SQLite) PruneIntraday(ctx context.Context, cutoff time.Time) (map[ohlcv.Interval]int64, error) {
	deleted := make(map[ohlcv.Interval]int64)
	for _, i := range ohlcv.Intervals {
		if !i.IsIntraday() {
			continue
		}
		res, err := s.db.ExecContext(
			ctx,
			fmt.Sprintf("DELETE FROM %s WHERE ts < ?", Table(i)),
			cutoff.UTC().Format(sqliteInstantLayout),
		)
		if err != nil {
			return deleted, fmt.Errorf("prune %s: %w", Table(i), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("prune %s: %w", Table(i), err)
		}
		deleted[i] = n
	}
	return deleted, nil
}

func sqliteLayout(interval ohlcv.Interval) string {
	if interval.IsIntraday() {
		return sqliteInstantLayout
	}
	return sqliteDateLayout
}
