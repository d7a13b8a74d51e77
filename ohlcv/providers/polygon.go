package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quotekeeper/ohlcv"

	"github.com/guregu/null/v6"
	polygon "github.com/polygon-io/client-go/rest"
	"github.com/polygon-io/client-go/rest/models"
	"github.com/shopspring/decimal"
)

// Polygon fetches aggregates from Polygon's REST API.
type Polygon struct {
	client *polygon.Client
}

func NewPolygon(apiKey string) *Polygon {
	return &Polygon{
		client: polygon.New(apiKey),
	}
}

func (p *Polygon) Name() string {
	return "polygon"
}

type aggSize struct {
	multiplier int
	timespan   models.Timespan
}

var polygonSizes = map[ohlcv.Interval]aggSize{
	ohlcv.Daily:          {1, models.Day},
	ohlcv.OneMinute:      {1, models.Minute},
	ohlcv.FiveMinutes:    {5, models.Minute},
	ohlcv.FifteenMinutes: {15, models.Minute},
	ohlcv.ThirtyMinutes:  {30, models.Minute},
	ohlcv.OneHour:        {1, models.Hour},
}

// Fetch pages through the split-adjusted aggregates for the window in ascending order.
func (p *Polygon) Fetch(ctx context.Context, ticker string, interval ohlcv.Interval, start, end time.Time) ([]ohlcv.RawBar, error) {
	size, ok := polygonSizes[interval]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ohlcv.ErrUnsupportedInterval, interval)
	}

	params := (&models.ListAggsParams{
		Ticker:     ticker,
		Multiplier: size.multiplier,
		Timespan:   size.timespan,
		From:       models.Millis(start),
		To:         models.Millis(end),
	}).WithAdjusted(true).WithOrder(models.Asc).WithLimit(50000)

	var bars []ohlcv.RawBar
	iter := p.client.ListAggs(ctx, params)
	for iter.Next() {
		bars = append(bars, fromAgg(ticker, iter.Item()))
	}
	if err := iter.Err(); err != nil {
		return nil, classifyPolygonError(ticker, err)
	}
	return bars, nil
}

func fromAgg(ticker string, a models.Agg) ohlcv.RawBar {
	return ohlcv.RawBar{
		Ticker:    ticker,
		Timestamp: time.Time(a.Timestamp),
		Open:      decimal.NewNullDecimal(decimal.NewFromFloat(a.Open)),
		High:      decimal.NewNullDecimal(decimal.NewFromFloat(a.High)),
		Low:       decimal.NewNullDecimal(decimal.NewFromFloat(a.Low)),
		Close:     decimal.NewNullDecimal(decimal.NewFromFloat(a.Close)),
		Volume:    null.IntFrom(int64(a.Volume)),
	}
}

func classifyPolygonError(ticker string, err error) error {
	var resp *models.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ohlcv.ErrRateLimited, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s: %v", ohlcv.ErrUnknownTicker, ticker, err)
		}
	}
	return fmt.Errorf("polygon aggregates for %s: %w", ticker, err)
}
