// Package calendar abstracts market-session awareness. Holiday handling and
// exchange timetables live behind the interface; the core only asks one
// question.
package calendar

import "time"

// Calendar reports whether the trading session is active at a given moment.
type Calendar interface {
	IsOpen(t time.Time) bool
}

// AlwaysOpen treats every moment as a live session. Used in paper mode and
// tests.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }

// Window is a simple fixed daily session (e.g. 09:15-15:30 IST) applied
// Monday through Friday. It knows nothing about exchange holidays; a real
// deployment substitutes a holiday-aware implementation.
type Window struct {
	Location  *time.Location
	OpenHour  int
	OpenMin   int
	CloseHour int
	CloseMin  int
}

// NewNSEWindow returns the regular NSE equity session.
func NewNSEWindow() Window {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	return Window{Location: loc, OpenHour: 9, OpenMin: 15, CloseHour: 15, CloseMin: 30}
}

func (w Window) IsOpen(t time.Time) bool {
	local := t.In(w.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), w.OpenHour, w.OpenMin, 0, 0, w.Location)
	close := time.Date(local.Year(), local.Month(), local.Day(), w.CloseHour, w.CloseMin, 0, 0, w.Location)
	return !local.Before(open) && !local.After(close)
}
