// Package timeslot anchors civil reservation times to absolute instants and
// answers overlap questions on half-open windows.
package timeslot

import (
	"errors"
	"fmt"
	"time"

	"studio-booking-backend/internal/parse"
)

// Studio business hours in local civil time.
const (
	OpenHour    = 9
	CloseHour   = 18
	MinDuration = 2
	MaxDuration = 4
)

var ErrOutsideBusinessHours = errors.New("outside business hours")

// Window is the half-open absolute interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether w and other share any instant. Touching windows
// (one ends exactly when the other starts) do not overlap.
func (w Window) Overlaps(other Window) bool {
	return Overlaps(w.Start, w.End, other.Start, other.End)
}

// ToInstant interprets the civil date and clock in loc and returns the UTC instant.
func ToInstant(date parse.Date, clock parse.Clock, loc *time.Location) time.Time {
	return time.Date(date.Year, date.Month, date.Day, clock.Hour, clock.Minute, 0, 0, loc).UTC()
}

// End adds whole hours to an absolute instant.
func End(start time.Time, hours int) time.Time {
	return start.Add(time.Duration(hours) * time.Hour)
}

// Overlaps is the half-open interval test aStart < bEnd && bStart < aEnd.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// IsPast reports whether instant lies strictly before now.
func IsPast(instant, now time.Time) bool {
	return instant.Before(now)
}

// EndsAfter reports whether instant lies strictly after cutoff.
func EndsAfter(instant, cutoff time.Time) bool {
	return instant.After(cutoff)
}

// AdjacentDates returns the day before, the day itself and the day after.
func AdjacentDates(d parse.Date) []parse.Date {
	return []parse.Date{d.AddDays(-1), d, d.AddDays(1)}
}

// ValidateGranularity checks the allowed durations and that the start is on
// the hour.
func ValidateGranularity(clock parse.Clock, duration int) error {
	if duration < MinDuration || duration > MaxDuration {
		return fmt.Errorf("duration must be between %d and %d hours", MinDuration, MaxDuration)
	}
	if clock.Minute != 0 {
		return fmt.Errorf("start time must be on the hour: %w", ErrOutsideBusinessHours)
	}
	return nil
}

// ValidateBusinessHours checks granularity, the opening hour and the closing
// cutoff.
func ValidateBusinessHours(clock parse.Clock, duration int) error {
	if err := ValidateGranularity(clock, duration); err != nil {
		return err
	}
	if clock.Hour < OpenHour {
		return fmt.Errorf("start time must be %02d:00 or later: %w", OpenHour, ErrOutsideBusinessHours)
	}
	if clock.Hour+duration > CloseHour {
		return fmt.Errorf("booking must end by %02d:00: %w", CloseHour, ErrOutsideBusinessHours)
	}
	return nil
}

// Span resolves a civil booking into its absolute window.
type Span struct {
	Date     parse.Date
	Clock    parse.Clock
	Zone     string
	Location *time.Location
	Duration int
}

// Window returns the absolute window of the span.
func (s Span) Window() Window {
	start := ToInstant(s.Date, s.Clock, s.Location)
	return Window{Start: start, End: End(start, s.Duration)}
}

// Cutoff returns the absolute closing instant on the span's civil date.
func (s Span) Cutoff() time.Time {
	return ToInstant(s.Date, parse.Clock{Hour: CloseHour}, s.Location)
}

// NewSpan parses raw civil strings into a Span. fallbackZone is used when
// zone is empty.
func NewSpan(date, clock, zone, fallbackZone string, duration int) (Span, error) {
	d, err := parse.CivilDate(date)
	if err != nil {
		return Span{}, err
	}
	c, err := parse.CivilTime(clock)
	if err != nil {
		return Span{}, err
	}
	loc, name, err := parse.Zone(zone, fallbackZone)
	if err != nil {
		return Span{}, err
	}
	return Span{Date: d, Clock: c, Zone: name, Location: loc, Duration: duration}, nil
}
