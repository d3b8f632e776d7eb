package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"evbacktest/internal/domain"
)

var timeLayouts = []string{time.RFC3339, time.DateTime, time.DateOnly}

// ReadBarsCSV parses bars from CSV with a header row. A timestamp column
// ("timestamp", "date" or "time") and a "close" column are required; open,
// high, low, volume, trade_count and vwap are read when present. Rows are
// returned sorted by timestamp.
func ReadBarsCSV(r io.Reader, symbol string) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}

	tsCol := -1
	for _, name := range []string{"timestamp", "date", "time"} {
		if i, ok := col[name]; ok {
			tsCol = i
			break
		}
	}
	closeCol, ok := col["close"]
	if tsCol < 0 || !ok {
		return nil, errors.New("csv header must contain a timestamp/date column and a close column")
	}

	float := func(rec []string, name string) (float64, error) {
		i, ok := col[name]
		if !ok || i >= len(rec) || rec[i] == "" {
			return 0, nil
		}
		return strconv.ParseFloat(rec[i], 64)
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}

		ts, err := parseTime(rec[tsCol])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		b := domain.Bar{Symbol: strings.ToUpper(symbol), Timestamp: ts}
		if b.Close, err = strconv.ParseFloat(rec[closeCol], 64); err != nil {
			return nil, fmt.Errorf("csv line %d: close: %w", line, err)
		}
		for name, dst := range map[string]*float64{"open": &b.Open, "high": &b.High, "low": &b.Low, "vwap": &b.VWAP} {
			if *dst, err = float(rec, name); err != nil {
				return nil, fmt.Errorf("csv line %d: %s: %w", line, name, err)
			}
		}
		for name, dst := range map[string]*int64{"volume": &b.Volume, "trade_count": &b.TradeCount} {
			v, err := float(rec, name)
			if err != nil {
				return nil, fmt.Errorf("csv line %d: %s: %w", line, name, err)
			}
			*dst = int64(v)
		}
		bars = append(bars, b)
	}

	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// WriteFillsCSV writes fills as CSV with a header row.
func WriteFillsCSV(w io.Writer, fills []FillRecord) error {
	cw := csv.NewWriter(w)
	header := []string{
		"index", "timestamp", "action", "units", "price", "notional",
		"cost", "cash", "holdings", "net_wealth", "position",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, f := range fills {
		row := []string{
			strconv.Itoa(f.Index),
			f.Timestamp.Format(time.RFC3339),
			f.Action,
			fmtFloat(f.Units),
			fmtFloat(f.Price),
			fmtFloat(f.Notional),
			fmtFloat(f.Cost),
			fmtFloat(f.Cash),
			fmtFloat(f.Holdings),
			fmtFloat(f.NetWealth),
			f.Position,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
