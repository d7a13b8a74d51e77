package ohlcv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quotekeeper/utils/progress_printer"
)

// Metrics tracks the counters of a run for the terminal progress line. It is safe to update from the run while the
// printer goroutine reads it.
type Metrics struct {
	mu            sync.Mutex
	currentSource string
	currentPair   string
	pairs         int
	failedPairs   int
	fetched       uint64
	written       uint64
	rejected      uint64
}

func (m *Metrics) SetSource(source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentSource = source
}

// StartPair records that a (ticker, interval) pair is being processed.
func (m *Metrics) StartPair(ticker string, interval Interval) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPair = ticker + " " + interval.String()
	m.pairs++
}

func (m *Metrics) Fetched(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetched += uint64(n)
}

func (m *Metrics) Reconciled(res ReconcileResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written += uint64(res.Written())
	m.rejected += uint64(res.Rejected)
}

func (m *Metrics) FailPair() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedPairs++
}

func (m *Metrics) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf(
		"[%s] %d pairs (%d failed), %d bars fetched, %d written, %d rejected (current: %s)",
		m.currentSource,
		m.pairs,
		m.failedPairs,
		m.fetched,
		m.written,
		m.rejected,
		m.currentPair,
	)
}

func (m *Metrics) Print(pp *progress_printer.ProgressPrinter) {
	pp.Update(m.String())
}

// StartPrinting redraws the progress line every 100ms until `ctx` is done or the returned stop function is called.
// Stop waits for the last redraw, so the caller may write to the printer after it returns.
func (m *Metrics) StartPrinting(ctx context.Context, pp *progress_printer.ProgressPrinter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t := time.NewTicker(100 * time.Millisecond)

	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Print(pp)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
