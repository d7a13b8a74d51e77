package ohlcv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runNow = time.Date(2025, 7, 16, 21, 0, 0, 0, time.UTC)

func newTestIngestor(sink *memSink, provider *stubProvider) *Ingestion {
	log, _ := test.NewNullLogger()
	planner := NewPlanner(nil, fixedClock(runNow))
	reconciler := NewReconciler(sink, ValidationConfig{MaxRejectRatio: 0.5}, log)
	oi := NewIngestor(sink, provider, planner, reconciler, log)
	oi.now = fixedClock(runNow)
	return oi
}

// barsInWindow returns one daily bar per day in [start, end].
func barsInWindow(ticker string) func(Interval, time.Time, time.Time) ([]RawBar, error) {
	return func(_ Interval, start, end time.Time) ([]RawBar, error) {
		var out []RawBar
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			out = append(out, rawBar(ticker, d, "100", 1000))
		}
		return out, nil
	}
}

// TestUpdate_FailureOfOneTickerDoesNotStopTheRun ensures that a failing pair is recorded and the remaining pairs still
// run.
func TestUpdate_FailureOfOneTickerDoesNotStopTheRun(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": barsInWindow("AAPL"),
		"BADTICKER": func(Interval, time.Time, time.Time) ([]RawBar, error) {
			return nil, fmt.Errorf("%w: BADTICKER", ErrUnknownTicker)
		},
		"MSFT": barsInWindow("MSFT"),
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"AAPL", "BADTICKER", "MSFT"}, []Interval{Daily})

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, StatusSuccess, report.Outcomes[0].Status)
	assert.Equal(t, StatusFailed, report.Outcomes[1].Status)
	assert.ErrorIs(t, report.Outcomes[1].Err, ErrUnknownTicker)
	assert.Contains(t, report.Outcomes[1].ErrorDetail(), "fetch")
	assert.Equal(t, StatusSuccess, report.Outcomes[2].Status)

	assert.NotEmpty(t, sink.rows("AAPL", Daily))
	assert.NotEmpty(t, sink.rows("MSFT", Daily))
	assert.Empty(t, sink.rows("BADTICKER", Daily))

	assert.Equal(t, 2, report.Count(StatusSuccess))
	assert.Equal(t, 1, report.Count(StatusFailed))
	assert.Equal(t, len(sink.rows("AAPL", Daily))+len(sink.rows("MSFT", Daily)), report.RowsWritten())
	assert.Equal(t, runNow, report.StartedAt)
}

// TestUpdate_ProcessesPairsInOrder ensures that pairs run ticker by ticker, each through the intervals in the
// given order.
func TestUpdate_ProcessesPairsInOrder(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": func(Interval, time.Time, time.Time) ([]RawBar, error) { return nil, nil },
		"MSFT": func(Interval, time.Time, time.Time) ([]RawBar, error) { return nil, nil },
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"AAPL", "MSFT"}, []Interval{Daily, OneMinute})

	var got []string
	for _, o := range report.Outcomes {
		got = append(got, o.Ticker+"/"+o.Interval.String())
	}
	assert.Equal(t, []string{"AAPL/1d", "AAPL/1m", "MSFT/1d", "MSFT/1m"}, got)
	require.Len(t, provider.calls, 4)
	assert.Equal(t, "MSFT", provider.calls[3].Ticker)
}

// TestUpdate_EmptyFetchIsSuccess ensures that a provider returning no bars counts as a successful pair.
func TestUpdate_EmptyFetchIsSuccess(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"SPY": func(Interval, time.Time, time.Time) ([]RawBar, error) { return []RawBar{}, nil },
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"SPY"}, []Interval{Daily})
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, StatusSuccess, report.Outcomes[0].Status)
	assert.Zero(t, report.Outcomes[0].RowsWritten)
	assert.Equal(t, 0, sink.batches)
}

// TestUpdate_UsesStoredCursorForTheWindow ensures that the fetch window starts from the latest stored bar.
func TestUpdate_UsesStoredCursorForTheWindow(t *testing.T) {
	sink := newMemSink()
	latest := runNow.AddDate(0, 0, -3).Truncate(24 * time.Hour)
	_, err := sink.UpsertBatch(context.Background(), Daily, []PriceBar{{Ticker: "AAPL", Timestamp: latest}})
	require.NoError(t, err)

	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": barsInWindow("AAPL"),
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"AAPL"}, []Interval{Daily})
	require.Len(t, provider.calls, 1)
	assert.Equal(t, latest.Add(-24*time.Hour), provider.calls[0].Start)
	assert.Equal(t, runNow, provider.calls[0].End)
	assert.Equal(t, provider.calls[0].Start, report.Outcomes[0].Window.Start)

	// The re-fetched overlap lands as updates rather than duplicates.
	assert.Equal(t, 1, report.Outcomes[0].Updated)
	assert.Len(t, sink.rows("AAPL", Daily), report.Outcomes[0].Inserted+1)
}

// TestUpdate_SecondRunAddsNoRows ensures that an immediate second run inserts nothing new.
func TestUpdate_SecondRunAddsNoRows(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": barsInWindow("AAPL"),
	}}
	oi := newTestIngestor(sink, provider)

	oi.Update(context.Background(), []string{"AAPL"}, []Interval{Daily})
	n := len(sink.rows("AAPL", Daily))

	report := oi.Update(context.Background(), []string{"AAPL"}, []Interval{Daily})
	assert.Equal(t, StatusSuccess, report.Outcomes[0].Status)
	assert.Zero(t, report.Outcomes[0].Inserted)
	assert.Len(t, sink.rows("AAPL", Daily), n)
}

// TestUpdate_UnsupportedIntervalIsSkipped ensures that an interval the provider cannot serve is skipped rather than
// failed.
func TestUpdate_UnsupportedIntervalIsSkipped(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": func(interval Interval, _, _ time.Time) ([]RawBar, error) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedInterval, interval)
		},
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"AAPL"}, []Interval{FiveMinutes})
	assert.Equal(t, StatusSkipped, report.Outcomes[0].Status)
	assert.ErrorIs(t, report.Outcomes[0].Err, ErrUnsupportedInterval)
}

// TestUpdate_PanicIsRecordedAsFailure ensures that a panicking provider fails only its own pair.
func TestUpdate_PanicIsRecordedAsFailure(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": func(Interval, time.Time, time.Time) ([]RawBar, error) { panic("decoder blew up") },
		"MSFT": barsInWindow("MSFT"),
	}}
	oi := newTestIngestor(sink, provider)
	m := &Metrics{}
	oi.SetMetrics(m)

	report := oi.Update(context.Background(), []string{"AAPL", "MSFT"}, []Interval{Daily})
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, StatusFailed, report.Outcomes[0].Status)
	assert.Contains(t, report.Outcomes[0].ErrorDetail(), "decoder blew up")
	assert.Equal(t, StatusSuccess, report.Outcomes[1].Status)
	assert.Contains(t, m.String(), "2 pairs (1 failed)")
}

// TestUpdate_RejectStormFailsOnlyThatPair ensures that a reject storm fails its pair without stopping the run.
func TestUpdate_RejectStormFailsOnlyThatPair(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": func(_ Interval, _, end time.Time) ([]RawBar, error) {
			b := rawBar("AAPL", end, "100", 1)
			b.Close.Valid = false
			return []RawBar{b}, nil
		},
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"AAPL"}, []Interval{Daily})
	assert.Equal(t, StatusFailed, report.Outcomes[0].Status)
	assert.ErrorIs(t, report.Outcomes[0].Err, ErrRejectStorm)
	assert.Equal(t, 1, report.Outcomes[0].Rejected)
}

// TestUpdate_CancelledContextSkipsRemainingPairs ensures that pairs not started before cancellation are reported as
// skipped.
func TestUpdate_CancelledContextSkipsRemainingPairs(t *testing.T) {
	sink := newMemSink()
	ctx, cancel := context.WithCancel(context.Background())
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": func(Interval, time.Time, time.Time) ([]RawBar, error) {
			cancel()
			return nil, nil
		},
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(ctx, []string{"AAPL", "MSFT"}, []Interval{Daily})
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, StatusSuccess, report.Outcomes[0].Status)
	assert.Equal(t, StatusSkipped, report.Outcomes[1].Status)
	assert.ErrorIs(t, report.Outcomes[1].Err, context.Canceled)
	assert.Len(t, provider.calls, 1)
}

// TestUpdate_FillsMissingTicker ensures that bars returned without a ticker take the requested one.
func TestUpdate_FillsMissingTicker(t *testing.T) {
	sink := newMemSink()
	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": barsInWindow(""),
	}}
	oi := newTestIngestor(sink, provider)

	report := oi.Update(context.Background(), []string{"AAPL"}, []Interval{Daily})
	assert.Equal(t, StatusSuccess, report.Outcomes[0].Status)
	assert.Zero(t, report.Outcomes[0].Rejected)
	assert.NotEmpty(t, sink.rows("AAPL", Daily))
}

// TestBackfill_IgnoresTheStoredCursor ensures that a backfill fetches the full span even when bars are stored.
func TestBackfill_IgnoresTheStoredCursor(t *testing.T) {
	sink := newMemSink()
	_, err := sink.UpsertBatch(context.Background(), Daily, []PriceBar{{Ticker: "AAPL", Timestamp: runNow.Truncate(24 * time.Hour)}})
	require.NoError(t, err)

	provider := &stubProvider{fetch: map[string]func(Interval, time.Time, time.Time) ([]RawBar, error){
		"AAPL": barsInWindow("AAPL"),
	}}
	oi := newTestIngestor(sink, provider)

	out := oi.Backfill(context.Background(), "AAPL", Daily, 30*24*time.Hour)
	assert.Equal(t, StatusSuccess, out.Status)
	require.Len(t, provider.calls, 1)
	assert.Equal(t, runNow.Add(-30*24*time.Hour), provider.calls[0].Start)
	assert.Equal(t, 31, out.RowsWritten)
}

// TestBackfill_InvalidSpanFails ensures that a non-positive span fails the backfill.
func TestBackfill_InvalidSpanFails(t *testing.T) {
	oi := newTestIngestor(newMemSink(), &stubProvider{})

	out := oi.Backfill(context.Background(), "AAPL", Daily, 0)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Contains(t, out.ErrorDetail(), "plan window")
}
