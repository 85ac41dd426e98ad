package queue

import (
	"fmt"
	"time"
)

// Window restricts dispatch to certain hours and days. StartHour > EndHour
// wraps past midnight; StartHour == EndHour covers the whole day. An empty
// DaysOfWeek allows every day. The day is that of the moment checked, so
// the after-midnight part of an overnight window needs its own weekday.
type Window struct {
	Enabled    bool           `json:"enabled"`
	StartHour  int            `json:"start_hour"`
	EndHour    int            `json:"end_hour"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
}

func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("%w: start hour %d", ErrInvalidSchedule, w.StartHour)
	}
	if w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("%w: end hour %d", ErrInvalidSchedule, w.EndHour)
	}
	for _, d := range w.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: day %d", ErrInvalidSchedule, d)
		}
	}
	return nil
}

// Contains reports whether dispatch is allowed at t. A disabled window
// always contains t.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	if len(w.DaysOfWeek) > 0 {
		ok := false
		for _, d := range w.DaysOfWeek {
			if d == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	h := t.Hour()
	switch {
	case w.StartHour == w.EndHour:
		return true
	case w.StartHour < w.EndHour:
		return h >= w.StartHour && h < w.EndHour
	default:
		return h >= w.StartHour || h < w.EndHour
	}
}

func (w Window) clone() Window {
	if w.DaysOfWeek != nil {
		w.DaysOfWeek = append([]time.Weekday(nil), w.DaysOfWeek...)
	}
	return w
}
