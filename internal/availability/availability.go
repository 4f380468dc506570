// Package availability projects which canonical start hours of a civil date
// can still be booked.
package availability

import (
	"sort"
	"time"

	"studio-booking-backend/internal/arbiter"
	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/parse"
	"studio-booking-backend/internal/timeslot"
)

// State is the projected status of one start hour.
type State string

const (
	Free       State = "free"
	Past       State = "past"
	AfterHours State = "afterHours"
	Conflict   State = "conflict"
)

// Slot is the projection of one canonical start hour.
type Slot struct {
	Time       string `json:"time"`
	State      State  `json:"state"`
	ConflictID string `json:"conflictId,omitempty"`
}

// Project returns one Slot per start hour from opening until the last hour
// that begins before closing. The first matching state wins, in the order
// afterHours, past, conflict, free. Any start before now is past, which on
// earlier dates marks every bookable hour.
func Project(date parse.Date, loc *time.Location, duration int, booked []model.Reservation, editingID string, now time.Time) []Slot {
	sorted := make([]model.Reservation, 0, len(booked))
	for _, b := range booked {
		if b.ID != editingID && !b.Hidden() {
			sorted = append(sorted, b)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	slots := make([]Slot, 0, timeslot.CloseHour-timeslot.OpenHour-1)
	for hour := timeslot.OpenHour; hour <= timeslot.CloseHour-timeslot.MinDuration; hour++ {
		clock := parse.Clock{Hour: hour}
		slot := Slot{Time: clock.String(), State: Free}

		start := timeslot.ToInstant(date, clock, loc)
		w := timeslot.Window{Start: start, End: timeslot.End(start, duration)}

		switch {
		case hour+duration > timeslot.CloseHour:
			slot.State = AfterHours
		case timeslot.IsPast(start, now):
			slot.State = Past
		default:
			for i := range sorted {
				if w.Overlaps(arbiter.WindowOf(&sorted[i])) {
					slot.State = Conflict
					slot.ConflictID = sorted[i].ID
					break
				}
			}
		}
		slots = append(slots, slot)
	}
	return slots
}
