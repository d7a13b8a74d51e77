package ohlcv

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the result of one (ticker, interval) pair within a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Outcome records what happened to one (ticker, interval) pair.
type Outcome struct {
	Ticker      string
	Interval    Interval
	Status      Status
	RowsWritten int
	Inserted    int
	Updated     int
	Rejected    int
	Window      FetchWindow
	Err         error
}

// ErrorDetail is the error text, or "" for a pair without an error.
func (o Outcome) ErrorDetail() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// RunReport aggregates the outcomes of one run of the batch driver.
type RunReport struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []Outcome
}

func (r RunReport) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

func (r RunReport) RowsWritten() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.RowsWritten
	}
	return n
}

// Ingestion drives the planner, the provider and the reconciler over a list of tickers. Pairs are processed strictly
// one after another, and an error for one pair never stops the run.
type Ingestion struct {
	sink       Sink
	provider   Provider
	planner    *Planner
	reconciler *Reconciler
	m          *Metrics
	log        *logrus.Entry
	now        func() time.Time
}

func NewIngestor(sink Sink, provider Provider, planner *Planner, reconciler *Reconciler, log logrus.FieldLogger) *Ingestion {
	return &Ingestion{
		sink:       sink,
		provider:   provider,
		planner:    planner,
		reconciler: reconciler,
		m:          &Metrics{},
		log:        log.WithField("provider", provider.Name()),
		now:        time.Now,
	}
}

// SetMetrics replaces the counters the run reports into, so a caller can print them while the run is in progress.
func (oi *Ingestion) SetMetrics(m *Metrics) {
	oi.m = m
}

// Update brings every (ticker, interval) pair up to date. Tickers are processed in the given order and, within a
// ticker, intervals in the given order. The report always holds one outcome per pair.
func (oi *Ingestion) Update(ctx context.Context, tickers []string, intervals []Interval) RunReport {
	report := RunReport{RunID: uuid.New(), StartedAt: oi.now()}
	log := oi.log.WithField("run_id", report.RunID)
	oi.m.SetSource(oi.provider.Name())

	log.WithFields(logrus.Fields{
		"tickers":   len(tickers),
		"intervals": intervals,
	}).Info("update started")

	for _, ticker := range tickers {
		for _, interval := range intervals {
			out := oi.ingestPair(ctx, log, ticker, interval, func() (FetchWindow, error) {
				latest, ok, err := oi.mostRecentIngestion(ctx, ticker, interval)
				if err != nil {
					return FetchWindow{}, err
				}
				return oi.planner.Plan(ticker, interval, latest, ok)
			})
			report.Outcomes = append(report.Outcomes, out)
		}
	}

	report.FinishedAt = oi.now()
	log.WithFields(logrus.Fields{
		"success": report.Count(StatusSuccess),
		"failed":  report.Count(StatusFailed),
		"skipped": report.Count(StatusSkipped),
		"rows":    report.RowsWritten(),
		"elapsed": report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}).Info("update finished")
	return report
}

// Backfill fetches a forced full span for one ticker regardless of what is already stored.
func (oi *Ingestion) Backfill(ctx context.Context, ticker string, interval Interval, span time.Duration) Outcome {
	oi.m.SetSource(oi.provider.Name())
	log := oi.log.WithField("run_id", uuid.New())
	return oi.ingestPair(ctx, log, ticker, interval, func() (FetchWindow, error) {
		return oi.planner.PlanSpan(ticker, interval, span)
	})
}

// ingestPair runs plan, fetch and reconcile for one pair. Every error, and any panic, is turned into a failed
// outcome here so the caller's loop carries on.
func (oi *Ingestion) ingestPair(
	ctx context.Context,
	log *logrus.Entry,
	ticker string,
	interval Interval,
	plan func() (FetchWindow, error),
) (out Outcome) {
	out = Outcome{Ticker: ticker, Interval: interval}
	log = log.WithFields(logrus.Fields{"ticker": ticker, "interval": interval})
	oi.m.StartPair(ticker, interval)

	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("panic: %v", r)
			log.WithField("stack", string(debug.Stack())).Error("ingestion panicked")
		}
		if out.Status == StatusFailed {
			oi.m.FailPair()
		}
	}()

	if err := ctx.Err(); err != nil {
		out.Status = StatusSkipped
		out.Err = err
		log.WithError(err).Warn("skipped: run cancelled")
		return out
	}

	w, err := plan()
	if err != nil {
		return oi.fail(log, out, fmt.Errorf("plan window: %w", err))
	}
	out.Window = w
	if w.Clamped {
		log.WithField("start", w.Start).Warn("fetch window clamped to provider retention")
	}
	if w.Empty() {
		out.Status = StatusSuccess
		log.Info("window empty, nothing to fetch")
		return out
	}

	raw, err := oi.provider.Fetch(ctx, ticker, interval, w.Start, w.End)
	if errors.Is(err, ErrUnsupportedInterval) {
		out.Status = StatusSkipped
		out.Err = err
		log.WithError(err).Info("skipped")
		return out
	}
	if err != nil {
		return oi.fail(log, out, fmt.Errorf("fetch: %w", err))
	}
	oi.m.Fetched(len(raw))

	res, err := oi.reconciler.Reconcile(ctx, interval, withTicker(raw, ticker))
	out.Rejected = res.Rejected
	if err != nil {
		return oi.fail(log, out, fmt.Errorf("reconcile: %w", err))
	}
	oi.m.Reconciled(res)

	out.Status = StatusSuccess
	out.Inserted = res.Inserted
	out.Updated = res.Updated
	out.RowsWritten = res.Written()
	log.WithFields(logrus.Fields{
		"fetched":  len(raw),
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"rejected": res.Rejected,
		"start":    w.Start,
	}).Info("pair ingested")
	return out
}

func (oi *Ingestion) fail(log *logrus.Entry, out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = err
	log.WithError(err).Error("pair failed")
	return out
}

// mostRecentIngestion reads the ingestion cursor for the pair. If no bar is stored the boolean is `false`.
func (oi *Ingestion) mostRecentIngestion(ctx context.Context, ticker string, interval Interval) (time.Time, bool, error) {
	ts, ok, err := oi.sink.LatestTimestamp(ctx, ticker, interval)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest stored bar: %w", err)
	}
	return ts, ok, nil
}

// withTicker fills in the ticker on bars whose provider left it blank.
func withTicker(raw []RawBar, ticker string) []RawBar {
	for i := range raw {
		if raw[i].Ticker == "" {
			raw[i].Ticker = ticker
		}
	}
	return raw
}
