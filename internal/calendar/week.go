package calendar

import (
	"fmt"
	"time"

	"github.com/atlas-desktop/weekly-trader/pkg/types"
)

// WeekSchedule is the entry and exit plan for one calendar week.
type WeekSchedule struct {
	FirstSession Session   `json:"firstSession"`
	LastSession  Session   `json:"lastSession"`
	EntryTime    time.Time `json:"entryTime"`
	ExitDeadline time.Time `json:"exitDeadline"`
}

// Contains reports whether t falls between the first session open and the
// exit deadline.
func (w WeekSchedule) Contains(t time.Time) bool {
	return !t.Before(w.FirstSession.Open) && t.Before(w.ExitDeadline)
}

// ScheduleFor builds the schedule of the Monday-to-Friday week containing t.
// The entry is on the first trading day of the week, the exit on the last,
// so holiday Mondays and Fridays roll inward. Returns an error when the week
// has no trading day at all.
func ScheduleFor(cal Calendar, t time.Time, timing types.EntryTiming, exitBeforeClose time.Duration) (WeekSchedule, error) {
	local := t.In(NewYork)
	offset := (int(local.Weekday()) + 6) % 7 // days since Monday
	monday := time.Date(local.Year(), local.Month(), local.Day()-offset, 12, 0, 0, 0, NewYork)

	var first, last Session
	for i := 0; i < 5; i++ {
		s := cal.SessionBounds(monday.AddDate(0, 0, i))
		if !s.IsTradingDay {
			continue
		}
		if !first.IsTradingDay {
			first = s
		}
		last = s
	}
	if !first.IsTradingDay {
		return WeekSchedule{}, fmt.Errorf("no trading day in week of %s", monday.Format("2006-01-02"))
	}

	entry := first.Open
	if timing == types.EntryTimingDelayed2h {
		entry = entry.Add(2 * time.Hour)
	}
	if entry.After(first.Close) {
		entry = first.Open
	}

	return WeekSchedule{
		FirstSession: first,
		LastSession:  last,
		EntryTime:    entry,
		ExitDeadline: last.Close.Add(-exitBeforeClose),
	}, nil
}

// NextSchedule returns the schedule of the week containing t, or of the
// following week when t is already past this week's exit deadline.
func NextSchedule(cal Calendar, t time.Time, timing types.EntryTiming, exitBeforeClose time.Duration) (WeekSchedule, error) {
	ws, err := ScheduleFor(cal, t, timing, exitBeforeClose)
	if err == nil && t.Before(ws.ExitDeadline) {
		return ws, nil
	}
	for i := 1; i <= 3; i++ {
		ws, err = ScheduleFor(cal, t.AddDate(0, 0, 7*i), timing, exitBeforeClose)
		if err == nil {
			return ws, nil
		}
	}
	return WeekSchedule{}, err
}
