// Package calendar provides the US equity trading calendar and the weekly
// entry/exit schedule derived from it.
package calendar

import (
	"time"
	_ "time/tzdata"
)

// NewYork is the exchange-local time zone for US equities.
var NewYork = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Session describes one calendar date at the exchange.
type Session struct {
	Date         time.Time `json:"date"`
	IsTradingDay bool      `json:"isTradingDay"`
	Open         time.Time `json:"open"`
	Close        time.Time `json:"close"`
}

// Calendar maps a date to its session bounds.
type Calendar interface {
	SessionBounds(date time.Time) Session
}

// USEquity is the NYSE/Nasdaq regular-hours calendar with full holidays and
// 13:00 early closes.
type USEquity struct {
	loc *time.Location
}

// NewUSEquity creates a US equity calendar in New York time.
func NewUSEquity() *USEquity {
	return &USEquity{loc: NewYork}
}

// SessionBounds returns the session for the date's New York calendar day.
func (c *USEquity) SessionBounds(date time.Time) Session {
	d := date.In(c.loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
	s := Session{Date: day}

	if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		return s
	}
	if _, ok := holidayName(day); ok {
		return s
	}

	s.IsTradingDay = true
	s.Open = time.Date(day.Year(), day.Month(), day.Day(), 9, 30, 0, 0, c.loc)
	closeHour := 16
	if isEarlyClose(day) {
		closeHour = 13
	}
	s.Close = time.Date(day.Year(), day.Month(), day.Day(), closeHour, 0, 0, 0, c.loc)
	return s
}

// IsTradingDay is a convenience wrapper around SessionBounds.
func IsTradingDay(cal Calendar, date time.Time) bool {
	return cal.SessionBounds(date).IsTradingDay
}
