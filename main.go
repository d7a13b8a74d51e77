package main

import (
	"os"
	_ "time/tzdata"

	"quotekeeper/database"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	// Application startup: load environment variables and the config file, then hand over to the selected command.
	// Every command opens its own database connection so that scheduled jobs never share one.
	a := &app{}

	cliApp := &cli.App{
		Name:  "quotekeeper",
		Usage: "keep a local store of OHLCV price bars up to date",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file (default: $QUOTEKEEPER_CONFIG or config.yaml)",
			},
		},
		Before: a.setup,
		Commands: []*cli.Command{
			{
				Name:   "update",
				Usage:  "bring every configured ticker and interval up to date",
				Action: a.update,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sector", Usage: "update the tickers classified under this sector instead (postgres only)"},
					&cli.StringFlag{Name: "subsector", Usage: "narrow --sector to one subsector"},
				},
			},
			{
				Name:      "backfill",
				Usage:     "fetch a full span of history for one ticker",
				ArgsUsage: "<ticker> <span> [interval]",
				Action:    a.backfill,
			},
			{
				Name:   "schedule",
				Usage:  "run update and prune on their cron schedules until interrupted",
				Action: a.schedule,
			},
			{
				Name:   "prune",
				Usage:  "delete intraday bars older than the intraday keep window",
				Action: a.prune,
			},
			{
				Name:      "classify",
				Usage:     "attach tickers to a sector and subsector (postgres only)",
				ArgsUsage: "<sector> <subsector> <ticker>...",
				Action:    a.classify,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "primary", Usage: "mark this as the tickers' primary classification"},
				},
			},
			{
				Name:   "tickers",
				Usage:  "list classified tickers (postgres only)",
				Action: a.tickers,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "sector", Value: database.All},
					&cli.StringFlag{Name: "subsector", Value: database.All},
				},
			},
			{
				Name:   "schema",
				Usage:  "create the price tables, and on postgres the classification tables, if they do not exist",
				Action: a.schema,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		if a.log != nil {
			a.log.WithError(err).Fatal("quotekeeper failed")
		}
		logrus.WithError(err).Fatal("quotekeeper failed")
	}
}
