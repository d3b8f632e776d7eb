package us

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// Bars for a session settle after the extended-hours close.
const settleHour, settleMinute = 20, 5

// Calendar reports the last trading day whose daily bar is final.
type Calendar interface {
	LatestFinishedDay(ctx context.Context) (time.Time, error)
}

// StaticCalendar always reports Day.
type StaticCalendar struct {
	Day time.Time
}

// LatestFinishedDay returns c.Day.
func (c StaticCalendar) LatestFinishedDay(context.Context) (time.Time, error) {
	return c.Day, nil
}

type calendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaCalendar asks the Alpaca trading calendar which sessions exist.
type AlpacaCalendar struct {
	client calendarClient
	now    func() time.Time
}

// NewAlpacaCalendar creates a calendar backed by the Alpaca trading API at
// baseURL; an empty baseURL uses the SDK default.
func NewAlpacaCalendar(apiKey, apiSecret, baseURL string) *AlpacaCalendar {
	return &AlpacaCalendar{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		now: time.Now,
	}
}

// LatestFinishedDay returns the most recent session that ended before now,
// counting today only after 20:05 ET.
func (c *AlpacaCalendar) LatestFinishedDay(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	now := c.now().In(eastern())
	days, err := c.client.GetCalendar(alpaca.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	dates := make([]string, len(days))
	for i, d := range days {
		dates[i] = d.Date
	}
	return latestFinished(dates, now)
}

// latestFinished scans session dates (ascending, YYYY-MM-DD) backwards from
// now, which must be in Eastern time.
func latestFinished(dates []string, now time.Time) (time.Time, error) {
	if len(dates) == 0 {
		return time.Time{}, errors.New("no trading days returned from calendar")
	}
	today := now.Format(time.DateOnly)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), settleHour, settleMinute, 0, 0, now.Location())

	for i := len(dates) - 1; i >= 0; i-- {
		day, err := time.Parse(time.DateOnly, dates[i])
		if err != nil {
			continue
		}
		switch {
		case dates[i] == today:
			if now.After(cutoff) {
				return day, nil
			}
		case dates[i] < today:
			return day, nil
		}
	}
	return time.Time{}, errors.New("could not determine latest finished trading day")
}

func eastern() *time.Location {
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.FixedZone("EST", -5*60*60)
}
