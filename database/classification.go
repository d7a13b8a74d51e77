package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// All matches every sector or subsector in ResolveTickers.
const All = "All"

// EnsureSubsector creates the sector and subsector if they do not exist and returns the subsector's id.
func (p *Postgres) EnsureSubsector(ctx context.Context, sector, subsector string) (int, error) {
	sector = strings.TrimSpace(sector)
	subsector = strings.TrimSpace(subsector)
	if sector == "" || subsector == "" {
		return 0, errors.New("sector and subsector must be non-empty")
	}

	var subsectorID int
	err := pgx.BeginFunc(ctx, p.conn, func(tx pgx.Tx) error {
		var sectorID int
		err := tx.QueryRow(ctx, `
			INSERT INTO sector (sector_name)
			VALUES ($1)
			ON CONFLICT (sector_name) DO UPDATE
			  SET sector_name = EXCLUDED.sector_name
			RETURNING sector_id`,
			sector,
		).Scan(&sectorID)
		if err != nil {
			return fmt.Errorf("upsert sector %q: %w", sector, err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO subsector (sector_id, subsector_name)
			VALUES ($1, $2)
			ON CONFLICT (sector_id, subsector_name) DO UPDATE
			  SET subsector_name = EXCLUDED.subsector_name
			RETURNING subsector_id`,
			sectorID, subsector,
		).Scan(&subsectorID)
		if err != nil {
			return fmt.Errorf("upsert subsector %q: %w", subsector, err)
		}
		return nil
	})
	return subsectorID, err
}

// Classify attaches the tickers to the subsector, creating instrument rows as needed. Re-classifying an existing link
// only updates its primary flag.
func (p *Postgres) Classify(ctx context.Context, tickers []string, subsectorID int, primary bool) error {
	clean := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			clean = append(clean, t)
		}
	}
	if len(clean) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, p.conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO instrument (ticker)
			SELECT UNNEST($1::text[])
			ON CONFLICT (ticker) DO NOTHING`,
			clean,
		)
		if err != nil {
			return fmt.Errorf("upsert instruments: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO instrument_classification (ticker, subsector_id, is_primary)
			SELECT UNNEST($1::text[]), $2, $3
			ON CONFLICT (ticker, subsector_id) DO UPDATE
			  SET is_primary = EXCLUDED.is_primary`,
			clean, subsectorID, primary,
		)
		if err != nil {
			return fmt.Errorf("classify instruments: %w", err)
		}
		return nil
	})
}

// ResolveTickers lists the tickers whose primary classification matches. Either argument may be `All`; with both
// set to `All` every known instrument is returned.
func (p *Postgres) ResolveTickers(ctx context.Context, sector, subsector string) ([]string, error) {
	query, args := resolveTickersQuery(sector, subsector)

	rows, err := p.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resolve tickers: %w", err)
	}
	tickers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("resolve tickers: %w", err)
	}
	return tickers, nil
}

func resolveTickersQuery(sector, subsector string) (string, []any) {
	if sector == All && subsector == All {
		return "SELECT DISTINCT i.ticker FROM instrument i ORDER BY i.ticker", nil
	}

	var (
		where []string
		args  []any
	)
	if sector != All {
		args = append(args, sector)
		where = append(where, fmt.Sprintf("se.sector_name = $%d", len(args)))
	}
	if subsector != All {
		args = append(args, subsector)
		where = append(where, fmt.Sprintf("sc.subsector_name = $%d", len(args)))
	}

	return `SELECT DISTINCT i.ticker
		FROM instrument i
		JOIN instrument_classification ic ON ic.ticker = i.ticker AND ic.is_primary
		JOIN subsector sc ON sc.subsector_id = ic.subsector_id
		JOIN sector se ON se.sector_id = sc.sector_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY i.ticker`, args
}
