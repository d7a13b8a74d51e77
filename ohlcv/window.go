package ohlcv

import (
	"fmt"
	"time"
)

// FetchWindow is the time range a provider is asked for. `End` is always the planning time, and `Clamped` is set when
// the planned start preceded the provider's retention floor and was raised to it.
type FetchWindow struct {
	Ticker   string
	Interval Interval
	Start    time.Time
	End      time.Time
	Clamped  bool
}

// Contains will return `true` if the given `time.Time` lies within the window, both ends inclusive.
func (w FetchWindow) Contains(t time.Time) bool {
	return t.Compare(w.Start) >= 0 && t.Compare(w.End) <= 0
}

// Empty is true for a window that cannot hold a single bar.
func (w FetchWindow) Empty() bool {
	return !w.End.After(w.Start)
}

func (w FetchWindow) String() string {
	return fmt.Sprintf("%s %s [%s, %s]", w.Ticker, w.Interval, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
