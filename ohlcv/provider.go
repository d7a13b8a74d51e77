package ohlcv

import (
	"context"
	"time"
)

// Provider fetches bars from a quote source. Implementations return an empty slice, not an error, when the market
// was closed or no data exists within [start, end].
type Provider interface {
	Name() string
	Fetch(ctx context.Context, ticker string, interval Interval, start, end time.Time) ([]RawBar, error)
}

// Sink is the storage the ingestion core writes through.
type Sink interface {
	// LatestTimestamp returns the most recent stored bar timestamp for the ticker and interval. If no bar is stored
	// the boolean is `false` and the error is `nil`.
	LatestTimestamp(ctx context.Context, ticker string, interval Interval) (time.Time, bool, error)

	// UpsertBatch writes all bars in a single transaction, inserting absent keys and overwriting the measured fields
	// of present ones. On error nothing from the batch is committed.
	UpsertBatch(ctx context.Context, interval Interval, bars []PriceBar) (UpsertStats, error)
}

// UpsertStats counts how a committed batch landed.
type UpsertStats struct {
	Inserted int
	Updated  int
}
