package ohlcv

import (
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// Interval is the sampling period of a bar. `Daily` is the only member of the daily granularity class, every other
// interval is intraday and is stored in its own table.
type Interval string

const (
	Daily          Interval = "1d"
	OneMinute      Interval = "1m"
	FiveMinutes    Interval = "5m"
	FifteenMinutes Interval = "15m"
	ThirtyMinutes  Interval = "30m"
	OneHour        Interval = "1h"
)

// Intervals lists every supported interval, daily first.
var Intervals = []Interval{Daily, OneMinute, FiveMinutes, FifteenMinutes, ThirtyMinutes, OneHour}

// ParseInterval accepts the canonical interval names plus a few spellings the quote providers use ("1day", "60m").
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1d", "d", "day", "1day", "daily":
		return Daily, nil
	case "1m", "1min", "minute":
		return OneMinute, nil
	case "5m", "5min":
		return FiveMinutes, nil
	case "15m", "15min":
		return FifteenMinutes, nil
	case "30m", "30min":
		return ThirtyMinutes, nil
	case "1h", "60m", "hour":
		return OneHour, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

func (i Interval) IsIntraday() bool {
	return i != Daily
}

// Duration is the length of one bar.
func (i Interval) Duration() time.Duration {
	switch i {
	case Daily:
		return 24 * time.Hour
	case OneMinute:
		return time.Minute
	case FiveMinutes:
		return 5 * time.Minute
	case FifteenMinutes:
		return 15 * time.Minute
	case ThirtyMinutes:
		return 30 * time.Minute
	case OneHour:
		return time.Hour
	}
	return 0
}

func (i Interval) Valid() bool {
	return i.Duration() > 0
}

func (i Interval) String() string {
	return string(i)
}

// RawBar is a bar as a provider returned it. Every measured field may be missing and a zero `Timestamp` means the
// provider did not supply a usable time; the `Reconciler` decides what is kept.
type RawBar struct {
	Ticker        string
	Timestamp     time.Time
	Open          decimal.NullDecimal
	High          decimal.NullDecimal
	Low           decimal.NullDecimal
	Close         decimal.NullDecimal
	AdjustedClose decimal.NullDecimal
	Volume        null.Int
}

// PriceBar is one validated OHLCV observation, keyed by (`Ticker`, `Timestamp`) within its interval's table. Daily
// timestamps are midnight UTC of the exchange calendar date, intraday timestamps are UTC instants.
type PriceBar struct {
	Ticker        string
	Timestamp     time.Time
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	AdjustedClose decimal.NullDecimal
	Volume        null.Int
}

// Key identifies the stored row a bar maps onto.
type Key struct {
	Ticker    string
	Timestamp time.Time
}

func (b PriceBar) Key() Key {
	return Key{Ticker: b.Ticker, Timestamp: b.Timestamp.UTC()}
}

// Consistent reports whether high and low envelope open and close.
func (b PriceBar) Consistent() bool {
	return b.High.GreaterThanOrEqual(b.Low) &&
		b.High.GreaterThanOrEqual(b.Open) &&
		b.High.GreaterThanOrEqual(b.Close) &&
		b.Low.LessThanOrEqual(b.Open) &&
		b.Low.LessThanOrEqual(b.Close)
}

// Equal compares every stored field. Timestamps are compared as instants and decimals by value.
func (b PriceBar) Equal(o PriceBar) bool {
	return b.Key() == o.Key() &&
		b.Open.Equal(o.Open) &&
		b.High.Equal(o.High) &&
		b.Low.Equal(o.Low) &&
		b.Close.Equal(o.Close) &&
		b.AdjustedClose.Valid == o.AdjustedClose.Valid &&
		(!b.AdjustedClose.Valid || b.AdjustedClose.Decimal.Equal(o.AdjustedClose.Decimal)) &&
		b.Volume == o.Volume
}
