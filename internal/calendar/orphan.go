package calendar

import (
	"context"
	"errors"
	"log"

	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/store"
)

// Lookup reads a reservation regardless of owner or visibility.
type Lookup interface {
	GetByID(ctx context.Context, id string) (*model.Reservation, error)
}

// DropIfCancelled deletes eventID when its reservation is gone or being
// cancelled. It is called after an upsert could not be recorded: a cancel
// that ran while the upsert was in flight may have deleted the event before
// the upsert wrote it again. It reports whether the event was deleted.
func DropIfCancelled(ctx context.Context, rows Lookup, m Mirror, id, eventID string) bool {
	res, err := rows.GetByID(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		log.Printf("calendar: could not re-read %s after upsert: %v", id, err)
		return false
	case !res.Hidden():
		return false
	}

	if err := m.Delete(ctx, eventID); err != nil {
		log.Printf("calendar: could not drop event %s of cancelled booking %s: %v", eventID, id, err)
		return false
	}
	return true
}
