package database

import (
	"fmt"
	"strings"

	"quotekeeper/ohlcv"
)

// Table is the table holding bars of the interval. Every interval has its own table so bars of different lengths
// that start at the same instant never share a key.
func Table(interval ohlcv.Interval) string {
	return "prices_" + interval.String()
}

// timeColumn is `dt` (a calendar date) for daily bars and `ts` (an instant) for intraday bars.
func timeColumn(interval ohlcv.Interval) string {
	if interval.IsIntraday() {
		return "ts"
	}
	return "dt"
}

// valueColumns are the measured columns, in the order upsert statements bind them.
func valueColumns(interval ohlcv.Interval) []string {
	if interval.IsIntraday() {
		return []string{"open", "high", "low", "close", "volume"}
	}
	return []string{"open", "high", "low", "close", "adj_close", "volume"}
}

// upsertSQL builds the insert-or-replace statement for one bar. `returning` is appended verbatim, so each dialect
// can report whether the row was inserted.
func upsertSQL(interval ohlcv.Interval, placeholder func(int) string, returning string) string {
	cols := append([]string{"ticker", timeColumn(interval)}, valueColumns(interval)...)

	params := make([]string, len(cols))
	for i := range cols {
		params[i] = placeholder(i + 1)
	}

	sets := make([]string, 0, len(cols)-2)
	for _, c := range valueColumns(interval) {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (ticker, %s) DO UPDATE SET %s",
		Table(interval),
		strings.Join(cols, ", "),
		strings.Join(params, ", "),
		timeColumn(interval),
		strings.Join(sets, ", "),
	)
	if returning != "" {
		sql += " " + returning
	}
	return sql
}

func postgresPlaceholder(i int) string { return fmt.Sprintf("$%d", i) }

func sqlitePlaceholder(int) string { return "?" }

// priceTableDDL creates the interval's table. `timeType` is the dialect's type for the time column.
func priceTableDDL(interval ohlcv.Interval, timeType string) []string {
	table := Table(interval)
	col := timeColumn(interval)

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	fmt.Fprintf(&b, "  ticker text NOT NULL,\n")
	fmt.Fprintf(&b, "  %s %s NOT NULL,\n", col, timeType)
	for _, c := range valueColumns(interval) {
		typ := "double precision"
		if c == "volume" {
			typ = "bigint"
		}
		fmt.Fprintf(&b, "  %s %s,\n", c, typ)
	}
	fmt.Fprintf(&b, "  PRIMARY KEY (ticker, %s)\n)", col)

	stmts := []string{b.String()}
	if interval.IsIntraday() {
		// The prune job deletes by time across all tickers.
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)", table, table))
	}
	return stmts
}

var classificationDDL = []string{
	`CREATE TABLE IF NOT EXISTS sector (
  sector_id serial PRIMARY KEY,
  sector_name text NOT NULL UNIQUE
)`,
	`CREATE TABLE IF NOT EXISTS subsector (
  subsector_id serial PRIMARY KEY,
  sector_id integer NOT NULL REFERENCES sector (sector_id),
  subsector_name text NOT NULL,
  UNIQUE (sector_id, subsector_name)
)`,
	`CREATE TABLE IF NOT EXISTS instrument (
  ticker text PRIMARY KEY
)`,
	`CREATE TABLE IF NOT EXISTS instrument_classification (
  ticker text NOT NULL REFERENCES instrument (ticker),
  subsector_id integer NOT NULL REFERENCES subsector (subsector_id),
  is_primary boolean NOT NULL DEFAULT false,
  UNIQUE (ticker, subsector_id)
)`,
}
