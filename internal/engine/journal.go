package engine

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Journal receives a human-readable account of a run. It is a reporting
// concern only; nothing in the ledger depends on it.
type Journal interface {
	Begin(strategy string, smaWindow int, threshold float64, costs CostModel)
	Fill(f Fill)
	Close(f Fill, r Report)
}

// NopJournal discards everything.
type NopJournal struct{}

func (NopJournal) Begin(string, int, float64, CostModel) {}
func (NopJournal) Fill(Fill)                             {}
func (NopJournal) Close(Fill, Report)                    {}

var rule = strings.Repeat("-", 55)

// TextJournal writes trade and summary lines to w:
//
//	2024-01-02 00:00:00, buying 10 units at 100.00
//	2024-01-02 00:00:00, current balance: 0.00
//	2024-01-02 00:00:00, current net wealth: 1000.00
type TextJournal struct {
	w io.Writer
}

// NewTextJournal returns a TextJournal writing to w.
func NewTextJournal(w io.Writer) *TextJournal {
	return &TextJournal{w: w}
}

func (j *TextJournal) Begin(strategy string, smaWindow int, threshold float64, costs CostModel) {
	fmt.Fprintf(j.w, "\n\nRunning %s strategy | Length SMA=%d & thr=%v\n", strategy, smaWindow, threshold)
	fmt.Fprintf(j.w, "fixed costs %v | proportional costs %v\n", costs.Fixed, costs.Proportional)
	fmt.Fprintln(j.w, rule)
}

func (j *TextJournal) Fill(f Fill) {
	date := formatDate(f.Timestamp)
	verb := "buying"
	if f.Action == ActionSell {
		verb = "selling"
	}
	fmt.Fprintf(j.w, "%s, %s %s units at %.2f\n", date, verb, formatUnits(f.Units), f.Price)
	fmt.Fprintf(j.w, "%s, current balance: %.2f\n", date, f.Cash)
	fmt.Fprintf(j.w, "%s, current net wealth: %.2f\n", date, f.NetWealth)
}

func (j *TextJournal) Close(f Fill, r Report) {
	fmt.Fprintf(j.w, "%s, inventory %s units at %.2f\n", formatDate(f.Timestamp), formatUnits(f.Units), f.Price)
	fmt.Fprintln(j.w, rule)
	fmt.Fprintf(j.w, "Final balance  [$] %.2f\n", r.FinalCash)
	fmt.Fprintf(j.w, "Net performance  [%%] %.2f\n", r.NetPerformancePct)
	fmt.Fprintf(j.w, "Trades Executed  [#] %d\n", r.Trades)
	fmt.Fprintln(j.w, rule)
}

func formatDate(t time.Time) string {
	return t.Format(time.DateTime)
}

func formatUnits(u float64) string {
	return strconv.FormatFloat(u, 'f', -1, 64)
}
