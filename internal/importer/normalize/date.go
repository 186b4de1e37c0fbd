package normalize

import (
	"strings"
	"time"
)

var timeLayouts = []string{"15:04:05", "15:04", "3:04:05 PM", "3:04 PM", "3:04PM"}

// ParseDate parses s with each layout in turn and returns a UTC midnight.
// Empty or unparseable input returns nil, never an error.
func ParseDate(s string, layouts []string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	}
	return nil
}

// ParseDateTime combines a legacy date and time-of-day in loc. A missing or
// unparseable time yields midnight; a missing or unparseable date yields nil.
func ParseDateTime(date, clock string, layouts []string, loc *time.Location) any {
	d, ok := ParseDate(date, layouts).(time.Time)
	if !ok {
		return nil
	}
	hour, minute, sec := 0, 0, 0
	clock = strings.ToUpper(strings.TrimSpace(clock))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, clock); err == nil {
			hour, minute, sec = t.Clock()
			break
		}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, sec, 0, loc)
}
