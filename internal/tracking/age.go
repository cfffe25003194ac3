package tracking

import (
	"fmt"
	"time"
)

// yearSeconds is a fixed average year of 365.242189 days, truncated to whole seconds.
const yearSeconds int64 = 31_556_925

const (
	daySeconds    int64 = 24 * 60 * 60
	hourSeconds   int64 = 60 * 60
	minuteSeconds int64 = 60
)

// Age is an elapsed duration broken into calendar-free units.
type Age struct {
	Years   int64
	Days    int64
	Hours   int64
	Minutes int64
	Seconds int64
}

// Decompose splits the whole seconds between from and now. Each unit is the
// remainder of the previous one. A from after now yields the zero Age.
func Decompose(from, now time.Time) Age {
	total := now.Unix() - from.Unix()
	if total <= 0 {
		return Age{}
	}
	var a Age
	a.Years, total = total/yearSeconds, total%yearSeconds
	a.Days, total = total/daySeconds, total%daySeconds
	a.Hours, total = total/hourSeconds, total%hourSeconds
	a.Minutes, a.Seconds = total/minuteSeconds, total%minuteSeconds
	return a
}

func (a Age) String() string {
	return fmt.Sprintf("%d years, %d days, %d hours, %d minutes, %d seconds",
		a.Years, a.Days, a.Hours, a.Minutes, a.Seconds)
}

// FormatAge renders the age of from at now, or "Unknown" when from is zero.
func FormatAge(from, now time.Time) string {
	if from.IsZero() {
		return unknown
	}
	return Decompose(from, now).String()
}
