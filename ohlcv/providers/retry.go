package providers

import (
	"context"
	"errors"
	"time"

	"quotekeeper/ohlcv"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds the retries WithRetry makes around a single fetch.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Timeout caps each attempt. Zero leaves attempts bounded only by the caller's context.
	Timeout time.Duration
}

type retrying struct {
	ohlcv.Provider
	policy RetryPolicy
	log    *logrus.Entry
}

// WithRetry wraps `p` so that transient fetch errors are retried with exponential backoff. Unknown tickers and
// unsupported intervals are returned on the first attempt.
func WithRetry(p ohlcv.Provider, policy RetryPolicy, log logrus.FieldLogger) ohlcv.Provider {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retrying{
		Provider: p,
		policy:   policy,
		log:      log.WithField("provider", p.Name()),
	}
}

func (r *retrying) Fetch(ctx context.Context, ticker string, interval ohlcv.Interval, start, end time.Time) ([]ohlcv.RawBar, error) {
	bo := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		bo.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		bo.MaxInterval = r.policy.MaxInterval
	}
	bo.MaxElapsedTime = 0

	op := func() ([]ohlcv.RawBar, error) {
		attemptCtx := ctx
		if r.policy.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
			defer cancel()
		}

		bars, err := r.Provider.Fetch(attemptCtx, ticker, interval, start, end)
		if err != nil && isPermanent(err) {
			return nil, backoff.Permanent(err)
		}
		return bars, err
	}

	notify := func(err error, wait time.Duration) {
		r.log.WithFields(logrus.Fields{
			"ticker":   ticker,
			"interval": interval,
			"wait":     wait,
		}).WithError(err).Warn("fetch failed, retrying")
	}

	return backoff.RetryNotifyWithData(
		op,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.policy.MaxAttempts-1)), ctx),
		notify,
	)
}

func isPermanent(err error) bool {
	return errors.Is(err, ohlcv.ErrUnknownTicker) ||
		errors.Is(err, ohlcv.ErrUnsupportedInterval) ||
		errors.Is(err, context.Canceled)
}
