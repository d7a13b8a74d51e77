package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"quotekeeper/ohlcv"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// bars reads back every stored bar for a pair in time order.
func (s *SQLite) bars(ctx context.Context, ticker string, interval ohlcv.Interval) ([]ohlcv.PriceBar, error) {
	cols := "ticker, " + timeColumn(interval) + ", open, high, low, close, NULL, volume"
	if !interval.IsIntraday() {
		cols = "ticker, dt, open, high, low, close, adj_close, volume"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE ticker = ? ORDER BY %s", cols, Table(interval), timeColumn(interval),
	), ticker)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ohlcv.PriceBar
	for rows.Next() {
		var (
			b                    ohlcv.PriceBar
			ts                   string
			open, high, low, cls float64
			adj                  sql.NullFloat64
			volume               sql.NullInt64
		)
		if err := rows.Scan(&b.Ticker, &ts, &open, &high, &low, &cls, &adj, &volume); err != nil {
			return nil, err
		}
		if b.Timestamp, err = time.Parse(sqliteLayout(interval), ts); err != nil {
			return nil, err
		}
		b.Open = decimal.NewFromFloat(open)
		b.High = decimal.NewFromFloat(high)
		b.Low = decimal.NewFromFloat(low)
		b.Close = decimal.NewFromFloat(cls)
		if adj.Valid {
			b.AdjustedClose = decimal.NewNullDecimal(decimal.NewFromFloat(adj.Float64))
		}
		if volume.Valid {
			b.Volume = null.IntFrom(volume.Int64)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
