// Package gather defines the data gathering processes that fill the bar store.
package gather

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run fetches data and blocks until done or ctx is cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// NormalizeSymbols upper-cases, trims, de-duplicates and sorts symbols.
func NormalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Batches splits symbols into consecutive chunks of at most size entries.
func Batches(symbols []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for chunk := range slices.Chunk(symbols, size) {
		out = append(out, chunk)
	}
	return out
}
