package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quotekeeper/ohlcv"

	"github.com/guregu/null/v6"
	"github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/shopspring/decimal"
)

// Yahoo fetches chart bars from Yahoo Finance. It needs no credentials.
type Yahoo struct{}

func NewYahoo() *Yahoo {
	return &Yahoo{}
}

func (y *Yahoo) Name() string {
	return "yahoo"
}

var yahooIntervals = map[ohlcv.Interval]datetime.Interval{
	ohlcv.Daily:          "1d",
	ohlcv.OneMinute:      "1m",
	ohlcv.FiveMinutes:    "5m",
	ohlcv.FifteenMinutes: "15m",
	ohlcv.ThirtyMinutes:  "30m",
	ohlcv.OneHour:        "60m",
}

func (y *Yahoo) Fetch(ctx context.Context, ticker string, interval ohlcv.Interval, start, end time.Time) ([]ohlcv.RawBar, error) {
	iv, ok := yahooIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ohlcv.ErrUnsupportedInterval, interval)
	}

	p := &chart.Params{
		Symbol:   ticker,
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: iv,
	}
	p.Context = &ctx

	var bars []ohlcv.RawBar
	iter := chart.Get(p)
	for iter.Next() {
		bars = append(bars, fromChartBar(ticker, interval, iter.Bar()))
	}
	if err := iter.Err(); err != nil {
		return nil, classifyYahooError(ticker, err)
	}
	return bars, nil
}

// fromChartBar maps a Yahoo bar. Yahoo pads sessions with zero-valued bars where it has no trade, so zero prices are
// reported as missing and left to the reconciler.
func fromChartBar(ticker string, interval ohlcv.Interval, b *finance.ChartBar) ohlcv.RawBar {
	rb := ohlcv.RawBar{
		Ticker:    ticker,
		Timestamp: time.Unix(int64(b.Timestamp), 0).UTC(),
		Open:      nonZero(b.Open),
		High:      nonZero(b.High),
		Low:       nonZero(b.Low),
		Close:     nonZero(b.Close),
		Volume:    null.IntFrom(int64(b.Volume)),
	}
	if b.Timestamp == 0 {
		rb.Timestamp = time.Time{}
	}
	// Adjusted close is only meaningful for daily bars.
	if !interval.IsIntraday() {
		rb.AdjustedClose = nonZero(b.AdjClose)
	}
	return rb
}

func nonZero(d decimal.Decimal) decimal.NullDecimal {
	if d.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func classifyYahooError(ticker string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ohlcv.ErrRateLimited, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "delisted"), strings.Contains(msg, "no data found"):
		return fmt.Errorf("%w: %s: %v", ohlcv.ErrUnknownTicker, ticker, err)
	}
	return fmt.Errorf("yahoo chart for %s: %w", ticker, err)
}
