package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/pkg/types"
)

// Accepted timestamp layouts for bar files. Intraday exports use the
// space-separated form, daily exports just the date.
var barTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// LoadBars reads an OHLCV CSV with a timestamp,open,high,low,close,volume
// header. Every bar is range-validated and timestamps must be strictly
// ascending; backtests must not run on malformed data.
func LoadBars(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bar file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", filepath.Base(path), err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	var bars []types.Bar
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}

		bar, err := parseBar(row, cols)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
		if len(bars) > 0 && !bar.Timestamp.After(bars[len(bars)-1].Timestamp) {
			return nil, fmt.Errorf("%s line %d: timestamps not strictly ascending", filepath.Base(path), line)
		}
		bars = append(bars, bar)
	}

	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: no bars", filepath.Base(path))
	}
	return bars, nil
}

type columnMap struct {
	ts, open, high, low, clos, volume int
}

func mapColumns(header []string) (columnMap, error) {
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	cols := columnMap{ts: -1, open: -1, high: -1, low: -1, clos: -1, volume: -1}
	assign := map[string]*int{
		"timestamp": &cols.ts,
		"open":      &cols.open,
		"high":      &cols.high,
		"low":       &cols.low,
		"close":     &cols.clos,
		"volume":    &cols.volume,
	}
	for name, dst := range assign {
		i, ok := idx[name]
		if !ok {
			// "date" is a common alias in daily exports.
			if name == "timestamp" {
				if j, ok := idx["date"]; ok {
					*dst = j
					continue
				}
			}
			return columnMap{}, fmt.Errorf("missing column %q", name)
		}
		*dst = i
	}
	return cols, nil
}

func parseBar(row []string, cols columnMap) (types.Bar, error) {
	ts, err := parseBarTime(row[cols.ts])
	if err != nil {
		return types.Bar{}, err
	}

	bar := types.Bar{Timestamp: ts}
	prices := map[string]struct {
		idx int
		dst *decimal.Decimal
	}{
		"open":  {cols.open, &bar.Open},
		"high":  {cols.high, &bar.High},
		"low":   {cols.low, &bar.Low},
		"close": {cols.clos, &bar.Close},
	}
	for name, p := range prices {
		d, err := decimal.NewFromString(strings.TrimSpace(row[p.idx]))
		if err != nil {
			return types.Bar{}, fmt.Errorf("invalid %s %q", name, row[p.idx])
		}
		*p.dst = d
	}

	vol, err := strconv.ParseInt(strings.TrimSpace(row[cols.volume]), 10, 64)
	if err != nil {
		return types.Bar{}, fmt.Errorf("invalid volume %q", row[cols.volume])
	}
	bar.Volume = vol
	return bar, nil
}

func parseBarTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range barTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
