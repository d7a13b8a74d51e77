package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quotekeeper/ohlcv"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// Postgres stores bars over a single connection. A `pgx.Conn` is not safe for concurrent use, so a Postgres value
// belongs to one run at a time.
type Postgres struct {
	conn *pgx.Conn
	log  *logrus.Entry
}

func NewPostgres(ctx context.Context, dsn string, log logrus.FieldLogger) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &Postgres{
		conn: conn,
		log:  log.WithField("store", "postgres"),
	}, nil
}

func (p *Postgres) Close(ctx context.Context) error {
	return p.conn.Close(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	var stmts []string
	for _, i := range ohlcv.Intervals {
		timeType := "timestamptz"
		if !i.IsIntraday() {
			timeType = "date"
		}
		stmts = append(stmts, priceTableDDL(i, timeType)...)
	}
	stmts = append(stmts, classificationDDL...)

	return pgx.BeginFunc(ctx, p.conn, func(tx pgx.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
		return nil
	})
}

// TryLock takes the session-level advisory lock named `name`. It returns false without waiting when another session
// holds it. The lock is released when the connection closes.
func (p *Postgres) TryLock(ctx context.Context, name string) (bool, error) {
	var ok bool
	if err := p.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", name).Scan(&ok); err != nil {
		return false, fmt.Errorf("advisory lock %q: %w", name, err)
	}
	return ok, nil
}

// LatestTimestamp returns the most recent bar time stored for the pair. Daily bars come back as midnight UTC of
// their date.
func (p *Postgres) LatestTimestamp(ctx context.Context, ticker string, interval ohlcv.Interval) (time.Time, bool, error) {
	if !interval.Valid() {
		return time.Time{}, false, fmt.Errorf("%w: %q", ohlcv.ErrInvalidInterval, interval)
	}

	var ts *time.Time
	err := p.conn.QueryRow(
		ctx,
		fmt.Sprintf("SELECT max(%s) FROM %s WHERE ticker = $1", timeColumn(interval), Table(interval)),
		ticker,
	).Scan(&ts)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, fmt.Errorf("latest %s bar for %s: %w", interval, ticker, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

// UpsertBatch sends every bar in one pipelined batch inside a transaction. `RETURNING (xmax = 0)` is true for rows
// the statement inserted and false for rows it updated.
func (p *Postgres) UpsertBatch(ctx context.Context, interval ohlcv.Interval, bars []ohlcv.PriceBar) (ohlcv.UpsertStats, error) {
	var stats ohlcv.UpsertStats
	if !interval.Valid() {
		return stats, fmt.Errorf("%w: %q", ohlcv.ErrInvalidInterval, interval)
	}
	if len(bars) == 0 {
		return stats, nil
	}

	sql := upsertSQL(interval, postgresPlaceholder, "RETURNING (xmax = 0)")

	err := pgx.BeginFunc(ctx, p.conn, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, b := range bars {
			batch.Queue(sql, barArgs(interval, b, b.Timestamp.UTC())...)
		}

		br := tx.SendBatch(ctx, batch)
		for range bars {
			var inserted bool
			if err := br.QueryRow().Scan(&inserted); err != nil {
				_ = br.Close()
				return err
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Updated++
			}
		}
		return br.Close()
	})
	if err != nil {
		return ohlcv.UpsertStats{}, fmt.Errorf("upsert into %s: %w", Table(interval), err)
	}

	p.log.WithFields(logrus.Fields{
		"table":    Table(interval),
		"inserted": stats.Inserted,
		"updated":  stats.Updated,
	}).Debug("batch committed")
	return stats, nil
}

// PruneIntraday deletes intraday rows stamped before `cutoff` and returns the count removed per interval.
func (p *Postgres) PruneIntraday(ctx context.Context, cutoff time.Time) (map[ohlcv.Interval]int64, error) {
	deleted := make(map[ohlcv.Interval]int64)
	for _, i := range ohlcv.Intervals {
		if !i.IsIntraday() {
			continue
		}
		tag, err := p.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < $1", Table(i)), cutoff.UTC())
		if err != nil {
			return deleted, fmt.Errorf("prune %s: %w", Table(i), err)
		}
		deleted[i] = tag.RowsAffected()
	}
	return deleted, nil
}

// barArgs binds a bar in `upsertSQL` column order. `ts` is the dialect's encoding of the bar time.
func barArgs(interval ohlcv.Interval, b ohlcv.PriceBar, ts any) []any {
	args := []any{
		b.Ticker,
		ts,
		b.Open.InexactFloat64(),
		b.High.InexactFloat64(),
		b.Low.InexactFloat64(),
		b.Close.InexactFloat64(),
	}
	if !interval.IsIntraday() {
		var adj *float64
		if b.AdjustedClose.Valid {
			v := b.AdjustedClose.Decimal.InexactFloat64()
			adj = &v
		}
		args = append(args, adj)
	}
	return append(args, b.Volume.Ptr())
}
