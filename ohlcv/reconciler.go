package ohlcv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/sirupsen/logrus"
)

// MissingVolume decides how a bar without a volume is stored.
type MissingVolume int

const (
	VolumeAsZero MissingVolume = iota
	VolumeAsNull
)

// ParseMissingVolume accepts "zero" and "null".
func ParseMissingVolume(s string) (MissingVolume, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zero":
		return VolumeAsZero, nil
	case "null":
		return VolumeAsNull, nil
	}
	return VolumeAsZero, fmt.Errorf("missing volume policy must be \"zero\" or \"null\", got %q", s)
}

// ValidationConfig tunes what the reconciler accepts.
type ValidationConfig struct {
	MissingVolume MissingVolume
	// StrictOHLC rejects bars whose high/low do not envelope open and close. When false such bars are stored and a
	// warning is logged.
	StrictOHLC bool
	// MaxRejectRatio fails the whole batch when rejected/total exceeds it. Zero disables the check.
	MaxRejectRatio float64
	// Location is the exchange time zone used to assign daily bars to a calendar date. Nil means UTC.
	Location *time.Location
}

// ReconcileResult counts what happened to a fetched batch.
type ReconcileResult struct {
	Inserted int
	Updated  int
	Rejected int
}

// Written is the number of rows inserted or refreshed.
func (r ReconcileResult) Written() int {
	return r.Inserted + r.Updated
}

// Reconciler normalizes fetched bars and merges them into a `Sink` so that re-applying overlapping data never
// duplicates rows: absent keys are inserted, present keys take the most recently applied values.
type Reconciler struct {
	sink Sink
	cfg  ValidationConfig
	log  *logrus.Entry
}

func NewReconciler(sink Sink, cfg ValidationConfig, log logrus.FieldLogger) *Reconciler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Reconciler{
		sink: sink,
		cfg:  cfg,
		log:  log.WithField("component", "reconciler"),
	}
}

// Reconcile validates `raw` and upserts the surviving bars as one atomic batch. A storage error means nothing from
// the batch was committed and the caller should retry the whole batch.
func (r *Reconciler) Reconcile(ctx context.Context, interval Interval, raw []RawBar) (ReconcileResult, error) {
	if !interval.Valid() {
		return ReconcileResult{}, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}

	bars, rejected := r.Normalize(interval, raw)
	res := ReconcileResult{Rejected: rejected}

	if r.cfg.MaxRejectRatio > 0 && len(raw) > 0 {
		if ratio := float64(rejected) / float64(len(raw)); ratio > r.cfg.MaxRejectRatio {
			return res, fmt.Errorf("%w: %d of %d bars", ErrRejectStorm, rejected, len(raw))
		}
	}
	if len(bars) == 0 {
		return res, nil
	}

	stats, err := r.sink.UpsertBatch(ctx, interval, bars)
	if err != nil {
		return res, fmt.Errorf("upsert %d %s bars: %w", len(bars), interval, err)
	}
	res.Inserted = stats.Inserted
	res.Updated = stats.Updated
	return res, nil
}

// Normalize turns raw provider bars into storable bars, returning them in input order with duplicate keys collapsed
// onto their last occurrence, together with the number of rejected bars.
func (r *Reconciler) Normalize(interval Interval, raw []RawBar) ([]PriceBar, int) {
	bars := make([]PriceBar, 0, len(raw))
	index := make(map[Key]int, len(raw))
	rejected := 0

	for _, rb := range raw {
		b, reason := r.normalizeBar(interval, rb)
		if reason != "" {
			rejected++
			r.log.WithFields(logrus.Fields{
				"ticker":    rb.Ticker,
				"interval":  interval,
				"timestamp": rb.Timestamp,
			}).Debugf("rejected bar: %s", reason)
			continue
		}

		if i, ok := index[b.Key()]; ok {
			if !bars[i].Equal(b) {
				r.log.WithFields(logrus.Fields{
					"ticker":    b.Ticker,
					"interval":  interval,
					"timestamp": b.Timestamp,
				}).Debug("duplicate bar with different values, keeping the last")
			}
			bars[i] = b
			continue
		}
		index[b.Key()] = len(bars)
		bars = append(bars, b)
	}
	return bars, rejected
}

// normalizeBar returns the storable bar, or a non-empty rejection reason.
func (r *Reconciler) normalizeBar(interval Interval, rb RawBar) (PriceBar, string) {
	ticker := strings.ToUpper(strings.TrimSpace(rb.Ticker))
	switch {
	case ticker == "":
		return PriceBar{}, "missing ticker"
	case rb.Timestamp.IsZero():
		return PriceBar{}, "missing timestamp"
	case !rb.Open.Valid, !rb.High.Valid, !rb.Low.Valid, !rb.Close.Valid:
		return PriceBar{}, "missing open/high/low/close"
	case rb.Volume.Valid && rb.Volume.Int64 < 0:
		return PriceBar{}, "negative volume"
	}

	b := PriceBar{
		Ticker:        ticker,
		Timestamp:     r.normalizeTimestamp(interval, rb.Timestamp),
		Open:          rb.Open.Decimal,
		High:          rb.High.Decimal,
		Low:           rb.Low.Decimal,
		Close:         rb.Close.Decimal,
		AdjustedClose: rb.AdjustedClose,
		Volume:        rb.Volume,
	}
	if !b.Volume.Valid {
		b.Volume = null.Int{}
		if r.cfg.MissingVolume == VolumeAsZero {
			b.Volume = null.IntFrom(0)
		}
	}

	if !b.Consistent() {
		if r.cfg.StrictOHLC {
			return PriceBar{}, "high/low do not envelope open/close"
		}
		r.log.WithFields(logrus.Fields{
			"ticker":    b.Ticker,
			"interval":  interval,
			"timestamp": b.Timestamp,
		}).Warn("storing bar with inconsistent high/low")
	}
	return b, ""
}

// normalizeTimestamp maps daily bars onto midnight UTC of their exchange calendar date and intraday bars onto a UTC
// instant truncated to the second.
func (r *Reconciler) normalizeTimestamp(interval Interval, t time.Time) time.Time {
	if interval.IsIntraday() {
		return t.UTC().Truncate(time.Second)
	}
	local := t.In(r.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
