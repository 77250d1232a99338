package calendar_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/calendar"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
)

func ny(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, calendar.NewYork)
}

func TestSessionBounds(t *testing.T) {
	cal := calendar.NewUSEquity()

	tests := []struct {
		name    string
		date    time.Time
		trading bool
		close   int
	}{
		{"regular monday", ny(2024, time.March, 4, 8, 0), true, 16},
		{"saturday", ny(2024, time.March, 9, 8, 0), false, 0},
		{"good friday", ny(2024, time.March, 29, 8, 0), false, 0},
		{"memorial day", ny(2024, time.May, 27, 8, 0), false, 0},
		{"juneteenth", ny(2024, time.June, 19, 8, 0), false, 0},
		{"independence day observed", ny(2026, time.July, 3, 8, 0), false, 0},
		{"thanksgiving", ny(2024, time.November, 28, 8, 0), false, 0},
		{"black friday early close", ny(2024, time.November, 29, 8, 0), true, 13},
		{"christmas eve early close", ny(2024, time.December, 24, 8, 0), true, 13},
		{"christmas", ny(2024, time.December, 25, 8, 0), false, 0},
		{"new year observed monday", ny(2023, time.January, 2, 8, 0), false, 0},
		{"mlk day", ny(2025, time.January, 20, 8, 0), false, 0},
		{"labor day", ny(2025, time.September, 1, 8, 0), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := cal.SessionBounds(tt.date)
			if s.IsTradingDay != tt.trading {
				t.Fatalf("IsTradingDay = %v, want %v", s.IsTradingDay, tt.trading)
			}
			if !tt.trading {
				return
			}
			if s.Open.Hour() != 9 || s.Open.Minute() != 30 {
				t.Errorf("open = %s, want 09:30", s.Open.Format("15:04"))
			}
			if s.Close.Hour() != tt.close {
				t.Errorf("close hour = %d, want %d", s.Close.Hour(), tt.close)
			}
		})
	}
}

func TestScheduleForRegularWeek(t *testing.T) {
	cal := calendar.NewUSEquity()

	ws, err := calendar.ScheduleFor(cal, ny(2024, time.March, 6, 10, 0), types.EntryTimingDelayed2h, 5*time.Minute)
	if err != nil {
		t.Fatalf("ScheduleFor failed: %v", err)
	}

	if !ws.EntryTime.Equal(ny(2024, time.March, 4, 11, 30)) {
		t.Errorf("entry = %s, want Monday 11:30", ws.EntryTime)
	}
	if !ws.ExitDeadline.Equal(ny(2024, time.March, 8, 15, 55)) {
		t.Errorf("deadline = %s, want Friday 15:55", ws.ExitDeadline)
	}
}

func TestScheduleForHolidayWeek(t *testing.T) {
	cal := calendar.NewUSEquity()

	// Good Friday 2024: exit rolls back to Thursday.
	ws, err := calendar.ScheduleFor(cal, ny(2024, time.March, 25, 7, 0), types.EntryTimingOpen, 5*time.Minute)
	if err != nil {
		t.Fatalf("ScheduleFor failed: %v", err)
	}
	if !ws.EntryTime.Equal(ny(2024, time.March, 25, 9, 30)) {
		t.Errorf("entry = %s, want Monday 09:30", ws.EntryTime)
	}
	if !ws.ExitDeadline.Equal(ny(2024, time.March, 28, 15, 55)) {
		t.Errorf("deadline = %s, want Thursday 15:55", ws.ExitDeadline)
	}

	// Memorial Day 2024: entry rolls forward to Tuesday.
	ws, err = calendar.ScheduleFor(cal, ny(2024, time.May, 29, 7, 0), types.EntryTimingDelayed2h, 5*time.Minute)
	if err != nil {
		t.Fatalf("ScheduleFor failed: %v", err)
	}
	if !ws.EntryTime.Equal(ny(2024, time.May, 28, 11, 30)) {
		t.Errorf("entry = %s, want Tuesday 11:30", ws.EntryTime)
	}
}

func TestNextScheduleAfterDeadline(t *testing.T) {
	cal := calendar.NewUSEquity()

	ws, err := calendar.NextSchedule(cal, ny(2024, time.March, 8, 15, 56), types.EntryTimingOpen, 5*time.Minute)
	if err != nil {
		t.Fatalf("NextSchedule failed: %v", err)
	}
	if !ws.FirstSession.Date.Equal(ny(2024, time.March, 11, 0, 0)) {
		t.Errorf("first session = %s, want next Monday", ws.FirstSession.Date)
	}
	if ws.Contains(ny(2024, time.March, 11, 9, 0)) {
		t.Error("pre-open time should not be inside the week")
	}
	if !ws.Contains(ny(2024, time.March, 11, 9, 30)) {
		t.Error("session open should be inside the week")
	}
}
