package ohlcv

import (
	"fmt"
	"time"
)

// Policy controls how far back the planner reaches for one interval.
type Policy struct {
	// BackfillSpan is how far back a ticker with no stored bars is fetched.
	BackfillSpan time.Duration
	// OverlapMargin is re-fetched behind the latest stored bar so that late or revised bars are picked up.
	OverlapMargin time.Duration
	// Retention is the provider's maximum look-back for the interval. Zero means unlimited.
	Retention time.Duration
}

// DefaultPolicies mirror the look-back limits Yahoo applies to each interval.
var DefaultPolicies = map[Interval]Policy{
	Daily:          {BackfillSpan: 365 * 24 * time.Hour, OverlapMargin: 24 * time.Hour},
	OneMinute:      {BackfillSpan: 7 * 24 * time.Hour, OverlapMargin: 24 * time.Hour, Retention: 7 * 24 * time.Hour},
	FiveMinutes:    {BackfillSpan: 60 * 24 * time.Hour, OverlapMargin: 24 * time.Hour, Retention: 60 * 24 * time.Hour},
	FifteenMinutes: {BackfillSpan: 60 * 24 * time.Hour, OverlapMargin: 24 * time.Hour, Retention: 60 * 24 * time.Hour},
	ThirtyMinutes:  {BackfillSpan: 60 * 24 * time.Hour, OverlapMargin: 24 * time.Hour, Retention: 60 * 24 * time.Hour},
	OneHour:        {BackfillSpan: 730 * 24 * time.Hour, OverlapMargin: 24 * time.Hour, Retention: 730 * 24 * time.Hour},
}

// Planner computes the minimal fetch window that brings storage up to date for a (ticker, interval) pair. It has no
// side effects; the only input besides its arguments is the clock.
type Planner struct {
	policies map[Interval]Policy
	now      func() time.Time
}

// NewPlanner creates a planner. Intervals missing from `policies` fall back to `DefaultPolicies`. A nil `now` uses
// the wall clock.
func NewPlanner(policies map[Interval]Policy, now func() time.Time) *Planner {
	merged := make(map[Interval]Policy, len(DefaultPolicies))
	for i, p := range DefaultPolicies {
		merged[i] = p
	}
	for i, p := range policies {
		merged[i] = p
	}
	if now == nil {
		now = time.Now
	}
	return &Planner{policies: merged, now: now}
}

// Policy returns the policy in effect for the interval.
func (p *Planner) Policy(interval Interval) (Policy, error) {
	pol, ok := p.policies[interval]
	if !ok {
		return Policy{}, fmt.Errorf("%w: no policy for %q", ErrInvalidInterval, interval)
	}
	return pol, nil
}

// Plan returns the window to fetch given the latest stored timestamp. When nothing is stored yet (`hasLatest` is
// false) the window covers the interval's backfill span; otherwise it starts one overlap margin before `latest`.
func (p *Planner) Plan(ticker string, interval Interval, latest time.Time, hasLatest bool) (FetchWindow, error) {
	pol, err := p.Policy(interval)
	if err != nil {
		return FetchWindow{}, err
	}

	now := p.now()
	start := now.Add(-pol.BackfillSpan)
	if hasLatest {
		start = latest.Add(-pol.OverlapMargin)
	}
	return p.window(ticker, interval, pol, start, now), nil
}

// PlanSpan returns the forced full-span window used for an explicit backfill. The stored cursor is ignored.
func (p *Planner) PlanSpan(ticker string, interval Interval, span time.Duration) (FetchWindow, error) {
	pol, err := p.Policy(interval)
	if err != nil {
		return FetchWindow{}, err
	}
	if span <= 0 {
		return FetchWindow{}, fmt.Errorf("backfill span must be positive, got %s", span)
	}

	now := p.now()
	return p.window(ticker, interval, pol, now.Add(-span), now), nil
}

func (p *Planner) window(ticker string, interval Interval, pol Policy, start, now time.Time) FetchWindow {
	w := FetchWindow{Ticker: ticker, Interval: interval, Start: start, End: now}

	if pol.Retention > 0 {
		if floor := now.Add(-pol.Retention); w.Start.Before(floor) {
			w.Start = floor
			w.Clamped = true
		}
	}
	// A cursor ahead of the clock never produces a forward-dated fetch.
	if w.Start.After(w.End) {
		w.Start = w.End
	}
	return w
}
