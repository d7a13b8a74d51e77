package providers

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"quotekeeper/ohlcv"

	"github.com/guregu/null/v6"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Column layout of Polygon's minute aggregate flat files.
const (
	colTicker = iota
	colVolume
	colOpen
	colClose
	colHigh
	colLow
	colWindowStart
	colTransactions
)

// maxCachedDays bounds how many compressed day files a provider keeps in memory.
const maxCachedDays = 8

// PolygonFlatFiles reads Polygon's daily gzipped CSV files of minute aggregates over S3. Each file holds every
// ticker for one trading day, so it only serves `ohlcv.OneMinute`.
//
// A run asks for the same days once per ticker, so the compressed files are kept for the provider's lifetime and
// downloaded once. A day with no published file is remembered as nil.
type PolygonFlatFiles struct {
	s3     *minio.Client
	bucket string
	loc    *time.Location
	log    *logrus.Entry

	download func(ctx context.Context, fileName string) ([]byte, error)
	days     *lru.Cache[string, []byte]
	inflight singleflight.Group
}

func NewPolygonFlatFiles(endpoint, bucket, accessKeyID, secretAccessKey string, log logrus.FieldLogger) (*PolygonFlatFiles, error) {
	s3, err := minio.New(
		endpoint,
		&minio.Options{
			Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
			Secure: true,
		})
	if err != nil {
		return nil, fmt.Errorf("instantiate MinIO client: %w", err)
	}

	// Files are named by their New York trading date.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	pf := newFlatFiles(loc, log, nil)
	pf.s3 = s3
	pf.bucket = bucket
	pf.download = pf.getObject
	return pf, nil
}

func newFlatFiles(loc *time.Location, log logrus.FieldLogger, download func(context.Context, string) ([]byte, error)) *PolygonFlatFiles {
	// Only fails for a non-positive size.
	days, _ := lru.New[string, []byte](maxCachedDays)
	return &PolygonFlatFiles{
		loc:      loc,
		log:      log.WithField("provider", "polygon-flatfiles"),
		download: download,
		days:     days,
	}
}

func (pf *PolygonFlatFiles) Name() string {
	return "polygon-flatfiles"
}

// Fetch reads the file of every trading date that overlaps [start, end] and keeps the rows for `ticker` inside the
// window. Dates whose file is not published (weekends, holidays, or today before the file lands) are skipped.
func (pf *PolygonFlatFiles) Fetch(ctx context.Context, ticker string, interval ohlcv.Interval, start, end time.Time) ([]ohlcv.RawBar, error) {
	if interval != ohlcv.OneMinute {
		return nil, fmt.Errorf("%w: %s serves %s only, not %s", ohlcv.ErrUnsupportedInterval, pf.Name(), ohlcv.OneMinute, interval)
	}

	w := ohlcv.FetchWindow{Ticker: ticker, Interval: interval, Start: start, End: end}
	var bars []ohlcv.RawBar

	last := truncateToDay(end.In(pf.loc))
	for day := truncateToDay(start.In(pf.loc)); !day.After(last); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}

		dayBars, err := pf.readDay(ctx, flatFileName(day), ticker, w)
		if err != nil {
			return nil, err
		}
		bars = append(bars, dayBars...)
	}

	return bars, nil
}

// Polygon's flat file naming structure is YYYY-MM-DD, accessible as a gzipped CSV file. The directory this flat file
// is placed under is the `minute_aggs_v1` directory, with year and month subdirectories.
func flatFileName(day time.Time) string {
	return path.Join(
		"us_stocks_sip",
		"minute_aggs_v1",
		day.Format("2006"),
		day.Format("01"),
		day.Format("2006-01-02")+".csv.gz",
	)
}

// readDay returns the rows for `ticker` that fall inside `w` from one day's flat file.
func (pf *PolygonFlatFiles) readDay(ctx context.Context, fileName, ticker string, w ohlcv.FetchWindow) ([]ohlcv.RawBar, error) {
	data, err := pf.dayFile(ctx, fileName)
	if err != nil || data == nil {
		return nil, err
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open flat file %s: %w", fileName, err)
	}
	defer gz.Close()

	return parseFlatFile(gz, ticker, w)
}

// dayFile returns the compressed contents of a flat file, downloading it at most once while it stays cached.
// Concurrent callers asking for the same file share one download.
func (pf *PolygonFlatFiles) dayFile(ctx context.Context, fileName string) ([]byte, error) {
	if data, ok := pf.days.Get(fileName); ok {
		return data, nil
	}

	v, err, _ := pf.inflight.Do(fileName, func() (any, error) {
		if data, ok := pf.days.Get(fileName); ok {
			return data, nil
		}
		data, err := pf.download(ctx, fileName)
		if err != nil {
			return nil, err
		}
		pf.days.Add(fileName, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// getObject downloads one flat file. A file that is not on the server yields nil data and no error.
func (pf *PolygonFlatFiles) getObject(ctx context.Context, fileName string) ([]byte, error) {
	obj, err := pf.s3.GetObject(ctx, pf.bucket, fileName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get flat file %s: %w", fileName, err)
	}
	defer obj.Close()

	// GetObject does not fetch anything, so a file that does not exist on the server surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && (minioErr.StatusCode == 403 || minioErr.StatusCode == 404) {
			pf.log.WithFields(logrus.Fields{
				"file":   fileName,
				"status": minioErr.StatusCode,
			}).Debug("flat file does not exist on the server, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("download flat file %s: %w", fileName, err)
	}
	return data, nil
}

// parseFlatFile reads a decompressed minute aggregate CSV, skipping its header row.
func parseFlatFile(r io.Reader, ticker string, w ohlcv.FetchWindow) ([]ohlcv.RawBar, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	if _, err := cr.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read header row: %w", err)
	}

	var bars []ohlcv.RawBar
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if len(row) <= colTransactions || !strings.EqualFold(row[colTicker], ticker) {
			continue
		}

		// An unparsable window start leaves the timestamp zero, and the reconciler rejects and counts the row.
		var ts time.Time
		if ns, err := strconv.ParseInt(row[colWindowStart], 10, 64); err == nil && ns > 0 {
			ts = time.Unix(0, ns).UTC()
			if !w.Contains(ts) {
				continue
			}
		}

		bars = append(bars, ohlcv.RawBar{
			Ticker:    row[colTicker],
			Timestamp: ts,
			Open:      parseDecimal(row[colOpen]),
			High:      parseDecimal(row[colHigh]),
			Low:       parseDecimal(row[colLow]),
			Close:     parseDecimal(row[colClose]),
			Volume:    parseVolume(row[colVolume]),
		})
	}
	return bars, nil
}

func parseDecimal(s string) decimal.NullDecimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// parseVolume accepts integral volumes written either as integers or with a fractional part.
func parseVolume(s string) null.Int {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return null.IntFrom(v)
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return null.IntFrom(d.IntPart())
	}
	return null.Int{}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
