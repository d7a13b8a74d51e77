package ohlcv

import "errors"

var (
	// ErrInvalidInterval is returned for an interval name that is not one of `Intervals`.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrUnknownTicker is returned by a provider that does not recognise the symbol.
	ErrUnknownTicker = errors.New("unknown ticker")

	// ErrRateLimited is returned by a provider that throttled the request.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrUnsupportedInterval is returned by a provider that cannot serve the requested interval. The runner records
	// the pair as skipped rather than failed.
	ErrUnsupportedInterval = errors.New("interval not supported by provider")

	// ErrRejectStorm is returned by the reconciler when too large a share of a batch failed validation; nothing from
	// that batch is written.
	ErrRejectStorm = errors.New("too many rejected bars")
)
