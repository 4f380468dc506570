// Package calendar mirrors reservations into a shared Google Calendar.
package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"studio-booking-backend/config"
	"studio-booking-backend/internal/model"
)

// CallTimeout bounds every calendar API call.
const CallTimeout = 10 * time.Second

var (
	// ErrTransient marks failures worth retrying later.
	ErrTransient = errors.New("calendar: transient failure")
	// ErrPermanent marks failures that will not go away by retrying.
	ErrPermanent = errors.New("calendar: permanent failure")
)

// Mirror keeps one calendar event per reservation.
type Mirror interface {
	Upsert(ctx context.Context, res *model.Reservation) (string, error)
	Delete(ctx context.Context, eventID string) error
}

// GoogleMirror writes events with the Calendar v3 API.
type GoogleMirror struct {
	events     *gcal.EventsService
	calendarID string
	location   string
}

// NewGoogleMirror builds the API client from the configured service account.
// Extra options are appended, which lets tests point the client at a fake.
func NewGoogleMirror(ctx context.Context, cfg *config.CalendarConfig, extra ...option.ClientOption) (*GoogleMirror, error) {
	opts := []option.ClientOption{option.WithScopes(gcal.CalendarEventsScope)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	opts = append(opts, extra...)

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &GoogleMirror{events: svc.Events, calendarID: cfg.CalendarID, location: cfg.Location}, nil
}

// Upsert creates or updates the event of res and returns its id. An event id
// already stored on res is updated in place; otherwise the event is inserted
// under an id derived from the reservation id, so retries never duplicate it.
func (m *GoogleMirror) Upsert(ctx context.Context, res *model.Reservation) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	ev, err := BuildEvent(res, m.location)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	if existing := res.EventID(); existing != "" {
		out, err := m.events.Update(m.calendarID, existing, ev).Context(ctx).Do()
		if err == nil {
			return out.Id, nil
		}
		if !isGone(err) {
			return "", classify("update event", err)
		}
	}

	ev.Id = EventIDFor(res.ID)
	out, err := m.events.Insert(m.calendarID, ev).Context(ctx).Do()
	if err == nil {
		return out.Id, nil
	}
	if hasStatus(err, http.StatusConflict) {
		out, err = m.events.Update(m.calendarID, ev.Id, ev).Context(ctx).Do()
		if err == nil {
			return out.Id, nil
		}
	}
	return "", classify("insert event", err)
}

// Delete removes the event. An event that is already gone counts as deleted.
func (m *GoogleMirror) Delete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	err := m.events.Delete(m.calendarID, eventID).Context(ctx).Do()
	if err == nil || isGone(err) {
		return nil
	}
	return classify("delete event", err)
}

// EventIDFor derives the calendar event id of a reservation. Event ids may
// only use the base32hex alphabet (0-9, a-v), which lowercase hex satisfies.
func EventIDFor(reservationID string) string {
	id := strings.ToLower(strings.ReplaceAll(reservationID, "-", ""))
	if len(id) >= 5 && strings.Trim(id, "0123456789abcdef") == "" {
		return id
	}
	sum := sha256.Sum256([]byte(reservationID))
	return hex.EncodeToString(sum[:16])
}

// BuildEvent renders the calendar event of res.
func BuildEvent(res *model.Reservation, location string) (*gcal.Event, error) {
	loc, err := time.LoadLocation(res.UserTimeZone)
	if err != nil {
		return nil, fmt.Errorf("load zone %q: %w", res.UserTimeZone, err)
	}
	start := res.StartsAt.In(loc)
	end := res.EndsAt.In(loc)

	names := make([]string, 0, len(res.Equipment))
	for _, eq := range res.Equipment {
		names = append(names, eq.Name)
	}
	equipment := strings.Join(names, ", ")
	if equipment == "" {
		equipment = "None"
	}

	description := strings.Join([]string{
		"Booking ID: " + res.ID,
		"Date: " + res.Date,
		fmt.Sprintf("Time: %s - %s", start.Format("15:04"), end.Format("15:04")),
		fmt.Sprintf("Duration: %d hours", res.Duration),
		"Equipment: " + equipment,
		fmt.Sprintf("Payment: %s (%s)", res.PaymentMethod, res.PaymentStatus),
	}, "\n")

	return &gcal.Event{
		Summary:     "DJ Studio Booking by " + res.UserName,
		Location:    location,
		Description: description,
		Status:      "confirmed",
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: res.UserTimeZone},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: res.UserTimeZone},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 10},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}, nil
}

func hasStatus(err error, codes ...int) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

func isGone(err error) bool {
	return hasStatus(err, http.StatusNotFound, http.StatusGone)
}

func classify(op string, err error) error {
	if IsTransient(err) {
		return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrPermanent, op, err)
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, timeouts and network failures.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return true
		}
		if apiErr.Code == http.StatusForbidden {
			for _, item := range apiErr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					return true
				}
			}
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Disabled is a Mirror that records nothing, used when no calendar is configured.
type Disabled struct{}

func (Disabled) Upsert(_ context.Context, res *model.Reservation) (string, error) {
	return EventIDFor(res.ID), nil
}

func (Disabled) Delete(context.Context, string) error { return nil }
