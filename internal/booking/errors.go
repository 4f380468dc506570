package booking

import (
	"errors"
	"fmt"
	"strings"

	"studio-booking-backend/internal/arbiter"
	"studio-booking-backend/internal/calendar"
	"studio-booking-backend/internal/store"
)

var (
	// ErrBadRequest wraps every input that fails validation. The message after
	// the prefix is a single sentence meant for the caller.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound covers unknown ids and ids owned by someone else.
	ErrNotFound = errors.New("booking not found")
	// ErrTransient means a dependency is temporarily unavailable.
	ErrTransient = errors.New("temporarily unavailable")
)

// ConflictError is returned when the proposal overlaps existing reservations.
type ConflictError = arbiter.ConflictError

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// translate maps store, arbiter and calendar errors onto the service kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return err
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrNotFound), errors.Is(err, ErrTransient):
		return err
	case errors.Is(err, arbiter.ErrInvalidProposal):
		return fmt.Errorf("%w: %s", ErrBadRequest, strings.TrimPrefix(err.Error(), arbiter.ErrInvalidProposal.Error()+": "))
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrPermissionDenied):
		return ErrNotFound
	case errors.Is(err, store.ErrTransient), errors.Is(err, calendar.ErrTransient):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// Message returns the caller-facing sentence of a bad request.
func Message(err error) string {
	return strings.TrimPrefix(err.Error(), ErrBadRequest.Error()+": ")
}
