package observer

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// LoadBars reads OHLCV bars from a CSV file, oldest first.
// Format: timestamp,open,high,low,close[,volume] with an optional header.
func LoadBars(path string, logger *slog.Logger) ([]*types.Bar, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars: %w", err)
	}
	defer file.Close()

	bars, skipped, err := ParseBars(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if skipped > 0 {
		logger.Warn("skipped invalid bar rows", "file", path, "rows", skipped)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s: %w", path, types.ErrNoMarketData)
	}
	logger.Info("bars loaded", "file", path, "bars", len(bars), "from", bars[0].Timestamp, "to", bars[len(bars)-1].Timestamp)
	return bars, nil
}

// ParseBars parses OHLCV rows. Rows that do not parse or whose prices are
// inconsistent are skipped and counted. The result is sorted oldest first;
// an out of order row is an error.
func ParseBars(r io.Reader) ([]*types.Bar, int, error) {
	var bars []*types.Bar
	skipped := 0

	err := readRows(r, 5, func(record []string) {
		bar, err := parseBar(record)
		if err != nil {
			skipped++
			return
		}
		bars = append(bars, bar)
	}, &skipped)
	if err != nil {
		return nil, skipped, err
	}

	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, skipped, fmt.Errorf("%w: bar at %s not after %s",
				types.ErrInvalidData, bars[i].Timestamp, bars[i-1].Timestamp)
		}
	}
	return bars, skipped, nil
}

// LoadFunding reads a funding-rate table from a CSV file.
// Format: timestamp,rate with an optional header.
func LoadFunding(path string) (map[int64]decimal.Decimal, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open funding: %w", err)
	}
	defer file.Close()

	table, err := ParseFunding(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return table, nil
}

// ParseFunding parses timestamp,rate rows into a table keyed by unix
// seconds. Unlike bars, a bad funding row is an error.
func ParseFunding(r io.Reader) (map[int64]decimal.Decimal, error) {
	table := make(map[int64]decimal.Decimal)
	var rowErr error
	line := 0

	err := readRows(r, 2, func(record []string) {
		line++
		if rowErr != nil {
			return
		}
		ts, err := parseTimestamp(record[0])
		if err != nil {
			rowErr = fmt.Errorf("row %d: %w", line, err)
			return
		}
		rate, err := decimal.NewFromString(record[1])
		if err != nil {
			rowErr = fmt.Errorf("row %d: parse rate: %w", line, err)
			return
		}
		table[ts.Unix()] = rate
	}, nil)
	if err != nil {
		return nil, err
	}
	if rowErr != nil {
		return nil, rowErr
	}
	return table, nil
}

// readRows calls fn for every data row with at least minFields fields. A
// leading header row is skipped. Short rows are counted in short when it is
// not nil and are an error otherwise.
func readRows(r io.Reader, minFields int, fn func([]string), short *int) error {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	reader.Comment = '#'

	lineNum := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNum+1, err)
		}
		lineNum++

		if lineNum == 1 && isHeader(record) {
			continue
		}
		if len(record) < minFields {
			if short == nil {
				return fmt.Errorf("line %d: %w: want %d fields, got %d", lineNum, types.ErrInvalidData, minFields, len(record))
			}
			*short++
			continue
		}
		fn(record)
	}
}

func parseBar(record []string) (*types.Bar, error) {
	ts, err := parseTimestamp(record[0])
	if err != nil {
		return nil, err
	}

	var ohlc [4]decimal.Decimal
	for i, name := range []string{"open", "high", "low", "close"} {
		v, err := decimal.NewFromString(record[i+1])
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if !v.IsPositive() {
			return nil, fmt.Errorf("%s %s: %w", name, v, types.ErrInvalidPrice)
		}
		ohlc[i] = v
	}
	bar := &types.Bar{Timestamp: ts, Open: ohlc[0], High: ohlc[1], Low: ohlc[2], Close: ohlc[3]}
	if bar.High.LessThan(decimal.Max(bar.Open, bar.Close)) || bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close)) {
		return nil, fmt.Errorf("%w: inconsistent ohlc at %s", types.ErrInvalidData, ts)
	}

	if len(record) > 5 && record[5] != "" {
		if vol, err := decimal.NewFromString(record[5]); err == nil {
			bar.Volume = vol
		}
	}
	return bar, nil
}

// parseTimestamp accepts unix seconds, unix milliseconds and common date
// layouts. Results are UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		if unix > 1e12 {
			return time.UnixMilli(unix).UTC(), nil
		}
		return time.Unix(unix, 0).UTC(), nil
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unknown timestamp format %q", types.ErrInvalidData, s)
}

func isHeader(record []string) bool {
	if len(record) == 0 {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(record[0])) {
	case "timestamp", "time", "date", "datetime":
		return true
	}
	return false
}
