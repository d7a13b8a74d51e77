package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"quotekeeper/config"
	"quotekeeper/database"
	"quotekeeper/ohlcv"
	"quotekeeper/ohlcv/providers"
	"quotekeeper/scheduler"
	"quotekeeper/utils"
	"quotekeeper/utils/progress_printer"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Advisory lock names. Update and prune may overlap each other but never themselves.
const (
	updateLock = "quotekeeper-update"
	pruneLock  = "quotekeeper-prune"
)

var errLocked = errors.New("another run holds the lock")

type app struct {
	cfg *config.Config
	log *logrus.Logger
}

func (a *app) setup(c *cli.Context) error {
	if err := utils.LoadEnvFile(); err != nil {
		return err
	}
	cfg, err := config.Load(config.Path(c.String("config")))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.log = utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

// withStore opens the configured store, takes the named lock if `lock` is set, makes sure the tables exist and runs
// `fn`. The store is closed, and with it the lock released, when `fn` returns.
func (a *app) withStore(ctx context.Context, lock string, fn func(database.Store) error) error {
	store, err := database.Open(ctx, a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			a.log.WithError(err).Warn("failed to close database")
		}
	}()

	if lock != "" {
		ok, err := store.TryLock(ctx, lock)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", lock, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", errLocked, lock)
		}
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	return fn(store)
}

func (a *app) newIngestor(store database.Store) (*ohlcv.Ingestion, error) {
	provider, err := providers.New(a.cfg.Provider, a.log)
	if err != nil {
		return nil, err
	}
	planner := ohlcv.NewPlanner(a.cfg.PlannerPolicies(), nil)
	reconciler := ohlcv.NewReconciler(store, a.cfg.ValidationConfig(), a.log)
	return ohlcv.NewIngestor(store, provider, planner, reconciler, a.log), nil
}

// withProgress shows a live progress line on an interactive stdout while `fn` runs.
func (a *app) withProgress(ctx context.Context, oi *ohlcv.Ingestion, fn func()) {
	pp, ok := progress_printer.ForTerminal(os.Stdout)
	if !a.cfg.Progress || !ok {
		fn()
		return
	}
	m := &ohlcv.Metrics{}
	oi.SetMetrics(m)
	stop := m.StartPrinting(ctx, pp)
	fn()
	stop()
	pp.Complete(m.String())
}

func (a *app) update(c *cli.Context) error {
	return a.runUpdate(c.Context, c.String("sector"), c.String("subsector"))
}

func (a *app) runUpdate(ctx context.Context, sector, subsector string) error {
	intervals, err := a.cfg.ParsedIntervals()
	if err != nil {
		return err
	}

	return a.withStore(ctx, updateLock, func(store database.Store) error {
		tickers, err := a.resolveTickers(ctx, store, sector, subsector)
		if err != nil {
			return err
		}
		oi, err := a.newIngestor(store)
		if err != nil {
			return err
		}

		var report ohlcv.RunReport
		a.withProgress(ctx, oi, func() {
			report = oi.Update(ctx, tickers, intervals)
		})
		for _, o := range report.Outcomes {
			if o.Status == ohlcv.StatusFailed {
				a.log.WithFields(logrus.Fields{
					"ticker":   o.Ticker,
					"interval": o.Interval,
				}).Warnf("failed: %s", o.ErrorDetail())
			}
		}
		return nil
	})
}

// resolveTickers returns the configured tickers, or the tickers classified under `sector` when one is given.
func (a *app) resolveTickers(ctx context.Context, store database.Store, sector, subsector string) ([]string, error) {
	if sector == "" {
		if err := a.cfg.RequireTickers(); err != nil {
			return nil, err
		}
		return a.cfg.Tickers, nil
	}

	pg, err := postgresOf(store)
	if err != nil {
		return nil, err
	}
	if subsector == "" {
		subsector = database.All
	}
	found, err := pg.ResolveTickers(ctx, sector, subsector)
	if err != nil {
		return nil, err
	}
	tickers, err := config.NormalizeTickers(found)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no tickers classified under %s/%s", sector, subsector)
	}
	return tickers, nil
}

func (a *app) backfill(c *cli.Context) error {
	if c.Args().Len() < 2 || c.Args().Len() > 3 {
		return fmt.Errorf("usage: backfill %s", c.Command.ArgsUsage)
	}
	tickers, err := config.NormalizeTickers([]string{c.Args().Get(0)})
	if err != nil {
		return err
	}
	span, err := config.ParseDuration(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("invalid span %q: %w", c.Args().Get(1), err)
	}
	interval := ohlcv.Daily
	if c.Args().Len() == 3 {
		if interval, err = ohlcv.ParseInterval(c.Args().Get(2)); err != nil {
			return err
		}
	}

	ctx := c.Context
	return a.withStore(ctx, updateLock, func(store database.Store) error {
		oi, err := a.newIngestor(store)
		if err != nil {
			return err
		}
		var out ohlcv.Outcome
		a.withProgress(ctx, oi, func() {
			out = oi.Backfill(ctx, tickers[0], interval, span)
		})

		log := a.log.WithFields(logrus.Fields{
			"ticker":   out.Ticker,
			"interval": out.Interval,
			"status":   out.Status,
			"rows":     out.RowsWritten,
			"rejected": out.Rejected,
		})
		if out.Err != nil {
			log.Warnf("backfill finished: %s", out.ErrorDetail())
		} else {
			log.Info("backfill finished")
		}
		return nil
	})
}

func (a *app) prune(c *cli.Context) error {
	return a.runPrune(c.Context)
}

func (a *app) runPrune(ctx context.Context) error {
	return a.withStore(ctx, pruneLock, func(store database.Store) error {
		cutoff := utils.LastRetainedDay(time.Now(), a.cfg.Intraday.KeepTradingDays, a.cfg.Location())
		deleted, err := store.PruneIntraday(ctx, cutoff)
		fields := logrus.Fields{"cutoff": cutoff}
		for i, n := range deleted {
			fields[i.String()] = n
		}
		if err != nil {
			return err
		}
		a.log.WithFields(fields).Info("pruned intraday bars")
		return nil
	})
}

func (a *app) schedule(c *cli.Context) error {
	if err := a.cfg.RequireTickers(); err != nil {
		return err
	}
	if _, err := a.cfg.ParsedIntervals(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := scheduler.New(a.log)
	err := s.Register("update", a.cfg.Schedule.UpdateCron, func(ctx context.Context) {
		a.logJobError("update", a.runUpdate(ctx, "", ""))
	})
	if err != nil {
		return err
	}
	err = s.Register("prune", a.cfg.Schedule.PruneCron, func(ctx context.Context) {
		a.logJobError("prune", a.runPrune(ctx))
	})
	if err != nil {
		return err
	}

	s.Run(ctx)
	return nil
}

// logJobError reports a scheduled run that could not complete. A held lock only means another process is already
// doing the work.
func (a *app) logJobError(job string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, errLocked):
		a.log.WithField("job", job).Info("skipped: another run holds the lock")
	default:
		a.log.WithField("job", job).WithError(err).Error("scheduled run failed")
	}
}

func (a *app) classify(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return fmt.Errorf("usage: classify %s", c.Command.ArgsUsage)
	}
	args := c.Args().Slice()
	tickers, err := config.NormalizeTickers(args[2:])
	if err != nil {
		return err
	}

	ctx := c.Context
	return a.withStore(ctx, "", func(store database.Store) error {
		pg, err := postgresOf(store)
		if err != nil {
			return err
		}
		subsectorID, err := pg.EnsureSubsector(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if err := pg.Classify(ctx, tickers, subsectorID, c.Bool("primary")); err != nil {
			return err
		}
		a.log.WithFields(logrus.Fields{
			"sector":    args[0],
			"subsector": args[1],
			"tickers":   tickers,
			"primary":   c.Bool("primary"),
		}).Info("classified tickers")
		return nil
	})
}

func (a *app) tickers(c *cli.Context) error {
	ctx := c.Context
	return a.withStore(ctx, "", func(store database.Store) error {
		pg, err := postgresOf(store)
		if err != nil {
			return err
		}
		tickers, err := pg.ResolveTickers(ctx, c.String("sector"), c.String("subsector"))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, strings.Join(tickers, "\n"))
		return err
	})
}

func (a *app) schema(c *cli.Context) error {
	return a.withStore(c.Context, "", func(database.Store) error {
		a.log.WithField("driver", a.cfg.Database.Driver).Info("schema is up to date")
		return nil
	})
}

func postgresOf(store database.Store) (*database.Postgres, error) {
	pg, ok := store.(*database.Postgres)
	if !ok {
		return nil, errors.New("classification requires the postgres driver")
	}
	return pg, nil
}
