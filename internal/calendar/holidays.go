package calendar

import "time"

// holidayName reports whether day is a full-day market holiday.
func holidayName(day time.Time) (string, bool) {
	y, m, d := day.Date()
	loc := day.Location()
	on := func(t time.Time) bool {
		ty, tm, td := t.Date()
		return ty == y && tm == m && td == d
	}

	switch {
	// A Saturday New Year's Day is not observed on the prior Dec 31.
	case on(observed(time.Date(y, time.January, 1, 0, 0, 0, 0, loc))):
		return "New Year's Day", true
	case on(nthWeekday(y, time.January, time.Monday, 3, loc)):
		return "Martin Luther King Jr. Day", true
	case on(nthWeekday(y, time.February, time.Monday, 3, loc)):
		return "Washington's Birthday", true
	case on(easter(y, loc).AddDate(0, 0, -2)):
		return "Good Friday", true
	case on(lastWeekday(y, time.May, time.Monday, loc)):
		return "Memorial Day", true
	case y >= 2022 && on(observed(time.Date(y, time.June, 19, 0, 0, 0, 0, loc))):
		return "Juneteenth", true
	case on(observed(time.Date(y, time.July, 4, 0, 0, 0, 0, loc))):
		return "Independence Day", true
	case on(nthWeekday(y, time.September, time.Monday, 1, loc)):
		return "Labor Day", true
	case on(nthWeekday(y, time.November, time.Thursday, 4, loc)):
		return "Thanksgiving Day", true
	case on(observed(time.Date(y, time.December, 25, 0, 0, 0, 0, loc))):
		return "Christmas Day", true
	}
	return "", false
}

// isEarlyClose reports the 13:00 early-close sessions.
func isEarlyClose(day time.Time) bool {
	y, m, d := day.Date()
	loc := day.Location()

	// Day after Thanksgiving.
	thanksgiving := nthWeekday(y, time.November, time.Thursday, 4, loc)
	if m == time.November && d == thanksgiving.Day()+1 {
		return true
	}
	// Christmas Eve on a weekday.
	if m == time.December && d == 24 && day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
		return true
	}
	// July 3 when Independence Day is not itself shifted onto it.
	if m == time.July && d == 3 && day.Weekday() != time.Friday {
		return true
	}
	return false
}

// observed shifts a fixed-date holiday off the weekend.
func observed(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, -1)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int, loc *time.Location) time.Time {
	t := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	for t.Weekday() != wd {
		t = t.AddDate(0, 0, 1)
	}
	return t.AddDate(0, 0, 7*(n-1))
}

func lastWeekday(year int, month time.Month, wd time.Weekday, loc *time.Location) time.Time {
	t := time.Date(year, month+1, 1, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	for t.Weekday() != wd {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// easter returns Western Easter Sunday (anonymous Gregorian algorithm).
func easter(year int, loc *time.Location) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}
