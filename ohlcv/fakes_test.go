package ohlcv

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// memSink is an in-memory Sink with one map per interval. A failing sink applies nothing from a batch.
type memSink struct {
	mu      sync.Mutex
	tables  map[Interval]map[Key]PriceBar
	failErr error
	batches int
}

func newMemSink() *memSink {
	return &memSink{tables: make(map[Interval]map[Key]PriceBar)}
}

func (s *memSink) LatestTimestamp(_ context.Context, ticker string, interval Interval) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	found := false
	for k := range s.tables[interval] {
		if k.Ticker == ticker && (!found || k.Timestamp.After(latest)) {
			latest, found = k.Timestamp, true
		}
	}
	return latest, found, nil
}

func (s *memSink) UpsertBatch(_ context.Context, interval Interval, bars []PriceBar) (UpsertStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failErr != nil {
		return UpsertStats{}, s.failErr
	}
	s.batches++

	t, ok := s.tables[interval]
	if !ok {
		t = make(map[Key]PriceBar)
		s.tables[interval] = t
	}
	var stats UpsertStats
	for _, b := range bars {
		if _, exists := t[b.Key()]; exists {
			stats.Updated++
		} else {
			stats.Inserted++
		}
		t[b.Key()] = b
	}
	return stats, nil
}

// rows returns the stored bars of a pair in time order.
func (s *memSink) rows(ticker string, interval Interval) []PriceBar {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PriceBar
	for k, b := range s.tables[interval] {
		if k.Ticker == ticker {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// stubProvider answers fetches from per-ticker functions and records every call.
type stubProvider struct {
	name  string
	fetch map[string]func(interval Interval, start, end time.Time) ([]RawBar, error)
	calls []FetchWindow
}

var errNoStub = errors.New("no stub for ticker")

func (p *stubProvider) Name() string {
	if p.name == "" {
		return "stub"
	}
	return p.name
}

func (p *stubProvider) Fetch(_ context.Context, ticker string, interval Interval, start, end time.Time) ([]RawBar, error) {
	p.calls = append(p.calls, FetchWindow{Ticker: ticker, Interval: interval, Start: start, End: end})
	f, ok := p.fetch[ticker]
	if !ok {
		return nil, errNoStub
	}
	return f(interval, start, end)
}

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

// rawBar is a consistent bar with all four prices equal to `price`.
func rawBar(ticker string, ts time.Time, price string, volume int64) RawBar {
	return RawBar{
		Ticker:    ticker,
		Timestamp: ts,
		Open:      dec(price),
		High:      dec(price),
		Low:       dec(price),
		Close:     dec(price),
		Volume:    null.IntFrom(volume),
	}
}

// dailyBars returns one bar per day for `n` days ending on `last`, stamped at 20:00 UTC.
func dailyBars(ticker string, last time.Time, n int) []RawBar {
	out := make([]RawBar, 0, n)
	for i := n - 1; i >= 0; i-- {
		d := last.AddDate(0, 0, -i)
		out = append(out, rawBar(ticker, time.Date(d.Year(), d.Month(), d.Day(), 20, 0, 0, 0, time.UTC), "100", 1000))
	}
	return out
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
