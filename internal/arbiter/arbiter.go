// Package arbiter decides whether a proposed reservation may be written,
// serialising competing proposals on per-date locks held in the store.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/parse"
	"studio-booking-backend/internal/store"
	"studio-booking-backend/internal/timeslot"
)

// ErrInvalidProposal wraps every validation failure of a proposal.
var ErrInvalidProposal = errors.New("invalid proposal")

// ConflictError lists the reservations a proposal overlaps, sorted by id.
type ConflictError struct {
	IDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("time slot conflicts with %d existing booking(s): %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

// Locker runs fn inside a transaction holding the locks of dates.
type Locker interface {
	WithDateLock(ctx context.Context, dates []string, fn func(tx store.Tx) error) error
}

// Decision describes an accepted proposal.
type Decision struct {
	Window timeslot.Window
	Dates  []string
	// Existing is the caller's reservation being edited, read under the lock.
	Existing *model.Reservation
}

// WriteFunc persists an accepted proposal inside the locking transaction.
type WriteFunc func(tx store.Tx, d *Decision) error

// Arbiter checks proposals against every stored reservation.
type Arbiter struct {
	locker Locker
}

func New(locker Locker) *Arbiter {
	return &Arbiter{locker: locker}
}

// Arbitrate validates span, locks the adjacent civil dates and runs write
// when no other reservation overlaps. editingID, when set, must name a
// reservation of uid; it is excluded from the check. An overlap is reported
// before an out-of-hours start, so a proposal that collides with an existing
// booking always yields a ConflictError.
func (a *Arbiter) Arbitrate(ctx context.Context, uid string, span timeslot.Span, editingID string, write WriteFunc) (*Decision, error) {
	if err := timeslot.ValidateGranularity(span.Clock, span.Duration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}

	decision := &Decision{Window: span.Window(), Dates: dateStrings(timeslot.AdjacentDates(span.Date))}

	err := a.locker.WithDateLock(ctx, decision.Dates, func(tx store.Tx) error {
		if editingID != "" {
			existing, err := tx.Get(ctx, uid, editingID)
			if err != nil {
				return err
			}
			decision.Existing = existing
		}
		candidates, err := tx.QueryByDates(ctx, decision.Dates)
		if err != nil {
			return fmt.Errorf("load candidates: %w", err)
		}
		if ids := Conflicts(decision.Window, candidates, editingID); len(ids) > 0 {
			return &ConflictError{IDs: ids}
		}
		if err := timeslot.ValidateBusinessHours(span.Clock, span.Duration); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		return write(tx, decision)
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// Conflicts returns the sorted ids of candidates overlapping w. Each
// candidate is placed using its own stored zone.
func Conflicts(w timeslot.Window, candidates []model.Reservation, editingID string) []string {
	var ids []string
	for i := range candidates {
		c := &candidates[i]
		if c.ID == editingID || c.Hidden() {
			continue
		}
		if w.Overlaps(WindowOf(c)) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// WindowOf resolves a stored reservation to its absolute window. Rows whose
// civil fields no longer parse fall back to the stored instants.
func WindowOf(r *model.Reservation) timeslot.Window {
	span, err := timeslot.NewSpan(r.Date, r.Time, r.UserTimeZone, "", r.Duration)
	if err != nil {
		return timeslot.Window{Start: r.StartsAt, End: r.EndsAt}
	}
	return span.Window()
}

func dateStrings(dates []parse.Date) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.String()
	}
	return out
}
