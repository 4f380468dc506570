// Package booking orchestrates the reservation lifecycle: validation,
// arbitration, persistence and the calendar mirror.
package booking

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"studio-booking-backend/internal/arbiter"
	"studio-booking-backend/internal/availability"
	"studio-booking-backend/internal/calendar"
	"studio-booking-backend/internal/metrics"
	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/parse"
	"studio-booking-backend/internal/store"
	"studio-booking-backend/internal/timeslot"
)

const (
	// DefaultUserName labels reservations of callers without any name.
	DefaultUserName = "A User"
	// MaxDisplayNameLength is counted in runes.
	MaxDisplayNameLength = 100
)

// Invalidator drops cached public views of civil dates.
type Invalidator interface {
	Invalidate(dates ...string)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(...string) {}

// Options carries the business settings of the service.
type Options struct {
	RoomRate        int64
	DefaultTimeZone string
	// RetryAfter delays the first reconciler attempt after a failed mirror call.
	RetryAfter time.Duration
	Now        func() time.Time
}

// Service implements the reservation operations behind the HTTP surface.
type Service struct {
	store   store.Store
	arbiter *arbiter.Arbiter
	mirror  calendar.Mirror
	cache   Invalidator
	opts    Options
}

// NewService wires the service. cache may be nil.
func NewService(st store.Store, mirror calendar.Mirror, cache Invalidator, opts Options) *Service {
	if cache == nil {
		cache = noopInvalidator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 30 * time.Second
	}
	return &Service{store: st, arbiter: arbiter.New(st), mirror: mirror, cache: cache, opts: opts}
}

// Request is a proposed reservation as submitted by its owner.
type Request struct {
	Date          string
	Time          string
	Duration      int
	UserTimeZone  string
	Equipment     []model.Equipment
	PaymentMethod string
	// Total is optional; when present it must match the server price.
	Total     *int64
	UserName  string
	EditingID string
}

// Result is the outcome of a successful confirm.
type Result struct {
	Reservation *model.Reservation
	Created     bool
}

// BookedSlot is the public projection of a reservation.
type BookedSlot struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Duration     int    `json:"duration"`
	UserTimeZone string `json:"userTimeZone"`
}

// Confirm creates a reservation, or overwrites the caller's reservation named
// by req.EditingID, after arbitration. The calendar is mirrored after commit;
// a failed mirror leaves the reservation pending for the reconciler.
func (s *Service) Confirm(ctx context.Context, uid string, profile *model.Profile, req Request) (*Result, error) {
	op := "create"
	if req.EditingID != "" {
		op = "edit"
	}

	res, previousDate, err := s.confirm(ctx, uid, profile, req)
	if err != nil {
		err = translate(err)
		metrics.TrackBooking(op, outcome(err))
		return nil, err
	}
	metrics.TrackBooking(op, "ok")

	s.cache.Invalidate(res.Date, previousDate)
	s.syncMirror(context.WithoutCancel(ctx), res)
	return &Result{Reservation: res, Created: req.EditingID == ""}, nil
}

func (s *Service) confirm(ctx context.Context, uid string, profile *model.Profile, req Request) (*model.Reservation, string, error) {
	method := model.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if method != model.PaymentCash && method != model.PaymentOnline {
		return nil, "", badRequest("paymentMethod must be cash or online")
	}

	span, err := timeslot.NewSpan(req.Date, req.Time, req.UserTimeZone, s.opts.DefaultTimeZone, req.Duration)
	if err != nil {
		return nil, "", badRequest("%v", err)
	}
	if err := timeslot.ValidateGranularity(span.Clock, span.Duration); err != nil {
		return nil, "", badRequest("%v", err)
	}
	if timeslot.IsPast(span.Window().Start, s.opts.Now()) {
		return nil, "", badRequest("start time is in the past")
	}

	total := s.opts.RoomRate * int64(span.Duration)
	if req.Total != nil && *req.Total != total {
		return nil, "", badRequest("total must be %d for %d hours", total, span.Duration)
	}

	res := &model.Reservation{
		ID:            req.EditingID,
		UserName:      userName(profile, req.UserName),
		Date:          span.Date.String(),
		Time:          span.Clock.String(),
		Duration:      span.Duration,
		UserTimeZone:  span.Zone,
		Equipment:     dedupeEquipment(req.Equipment),
		PaymentMethod: method,
		PaymentStatus: model.PaymentPending,
		Total:         total,
		MirrorStatus:  model.MirrorPending,
	}

	var previousDate string
	_, err = s.arbiter.Arbitrate(ctx, uid, span, req.EditingID, func(tx store.Tx, d *arbiter.Decision) error {
		if existing := d.Existing; existing != nil {
			previousDate = existing.Date
			res.PaymentStatus = existing.PaymentStatus
			res.CalendarEventID = existing.CalendarEventID
		}
		res.StartsAt = d.Window.Start
		res.EndsAt = d.Window.End
		return tx.Put(ctx, uid, res)
	})
	if err != nil {
		return nil, "", err
	}
	return res, previousDate, nil
}

// syncMirror pushes res to the calendar and records the outcome on the row.
func (s *Service) syncMirror(ctx context.Context, res *model.Reservation) {
	eventID, err := s.mirror.Upsert(ctx, res)
	if err != nil {
		metrics.TrackMirror("upsert", mirrorResult(err))
		log.Printf("booking: mirror of %s failed, leaving it pending: %v", res.ID, err)
		if _, markErr := s.store.MarkMirrorPending(ctx, res.ID, res.Version, err.Error(), s.opts.Now().Add(s.opts.RetryAfter)); markErr != nil {
			log.Printf("booking: could not record pending mirror of %s: %v", res.ID, markErr)
		}
		return
	}
	metrics.TrackMirror("upsert", "ok")

	ok, err := s.store.MarkMirrored(ctx, res.ID, res.Version, eventID)
	if err != nil {
		log.Printf("booking: could not record event %s for %s: %v", eventID, res.ID, err)
		return
	}
	if !ok {
		calendar.DropIfCancelled(ctx, s.store, s.mirror, res.ID, eventID)
		return
	}
	res.CalendarEventID = &eventID
	res.MirrorStatus = model.MirrorSynced
}

// Cancel hides the reservation, deletes its calendar event and then the
// row. When the calendar is unreachable the reservation stays hidden as
// cancel-pending and ErrTransient is returned; the reconciler finishes the
// job. A calendar that refuses the delete leaves the reservation in place.
func (s *Service) Cancel(ctx context.Context, uid, id string) error {
	err := s.cancel(ctx, uid, id)
	metrics.TrackBooking("cancel", outcome(err))
	return err
}

func (s *Service) cancel(ctx context.Context, uid, id string) error {
	if id == "" {
		return badRequest("bookingId is required")
	}
	res, err := s.store.GetByID(ctx, id)
	if err != nil {
		return translate(err)
	}
	if res.UserID != uid {
		return ErrNotFound
	}
	defer s.cache.Invalidate(res.Date)

	eventID := res.EventID()
	if eventID == "" {
		// An earlier insert may have landed without being recorded.
		eventID = calendar.EventIDFor(res.ID)
	}

	ctx = context.WithoutCancel(ctx)
	next := s.opts.Now().Add(s.opts.RetryAfter)

	// Hiding first stops in-flight upserts from recording the event, so they
	// clean up after themselves instead.
	wasHidden := res.Hidden()
	if !wasHidden {
		if err := s.store.MarkCancelPending(ctx, uid, id, "", next); err != nil {
			return translate(err)
		}
	}

	if err := s.mirror.Delete(ctx, eventID); err != nil {
		metrics.TrackMirror("delete", mirrorResult(err))
		if !calendar.IsTransient(err) {
			log.Printf("booking: calendar refused to delete event %s of %s: %v", eventID, id, err)
			if !wasHidden {
				if _, restoreErr := s.store.RestoreCancelled(ctx, id, err.Error(), next); restoreErr != nil {
					log.Printf("booking: could not restore %s: %v", id, restoreErr)
				}
			}
			return err
		}
		if markErr := s.store.RescheduleCancel(ctx, id, err.Error(), next); markErr != nil && !errors.Is(markErr, store.ErrNotFound) {
			log.Printf("booking: could not reschedule cancel of %s: %v", id, markErr)
		}
		return translate(err)
	}
	metrics.TrackMirror("delete", "ok")

	err = s.store.RemoveCancelled(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// The reconciler finished first.
		return nil
	}
	return translate(err)
}

// ConfirmPayment marks the caller's reservation paid. Repeating it succeeds
// and reports alreadyPaid.
func (s *Service) ConfirmPayment(ctx context.Context, uid, id string) (*model.Reservation, bool, error) {
	if id == "" {
		err := badRequest("bookingId is required")
		metrics.TrackBooking("payment", outcome(err))
		return nil, false, err
	}
	res, alreadyPaid, err := s.store.MarkPaid(ctx, uid, id)
	if err != nil {
		err = translate(err)
		metrics.TrackBooking("payment", outcome(err))
		return nil, false, err
	}
	metrics.TrackBooking("payment", "ok")
	if !alreadyPaid {
		s.syncMirror(context.WithoutCancel(ctx), res)
	}
	return res, alreadyPaid, nil
}

// UpdateProfile sets the caller's display name.
func (s *Service) UpdateProfile(ctx context.Context, uid, displayName string) (*model.Profile, error) {
	name := strings.TrimSpace(displayName)
	switch {
	case name == "":
		return nil, badRequest("displayName must not be empty")
	case utf8.RuneCountInString(name) > MaxDisplayNameLength:
		return nil, badRequest("displayName must be at most %d characters", MaxDisplayNameLength)
	}
	profile, err := s.store.UpdateDisplayName(ctx, uid, name)
	if err != nil {
		return nil, translate(err)
	}
	return profile, nil
}

// BookedSlots lists the public view of every reservation on date.
func (s *Service) BookedSlots(ctx context.Context, date string) ([]BookedSlot, error) {
	d, err := parse.CivilDate(date)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	rows, err := s.store.QueryByDates(ctx, []string{d.String()})
	if err != nil {
		return nil, translate(err)
	}
	slots := make([]BookedSlot, 0, len(rows))
	for _, r := range rows {
		slots = append(slots, BookedSlot{ID: r.ID, Date: r.Date, Time: r.Time, Duration: r.Duration, UserTimeZone: r.UserTimeZone})
	}
	return slots, nil
}

// Availability projects the start hours of date in zone for a session of
// duration hours. Reservations on the adjacent dates are considered too.
func (s *Service) Availability(ctx context.Context, date, zone string, duration int, editingID string) ([]availability.Slot, string, error) {
	d, err := parse.CivilDate(date)
	if err != nil {
		return nil, "", badRequest("%v", err)
	}
	loc, zoneName, err := parse.Zone(zone, s.opts.DefaultTimeZone)
	if err != nil {
		return nil, "", badRequest("%v", err)
	}
	if duration < timeslot.MinDuration || duration > timeslot.MaxDuration {
		return nil, "", badRequest("duration must be between %d and %d hours", timeslot.MinDuration, timeslot.MaxDuration)
	}

	adjacent := timeslot.AdjacentDates(d)
	dates := make([]string, len(adjacent))
	for i, a := range adjacent {
		dates[i] = a.String()
	}
	rows, err := s.store.QueryByDates(ctx, dates)
	if err != nil {
		return nil, "", translate(err)
	}
	return availability.Project(d, loc, duration, rows, editingID, s.opts.Now()), zoneName, nil
}

// Subscribe streams the caller's reservations: a snapshot, newest first,
// followed by live changes.
func (s *Service) Subscribe(ctx context.Context, uid string) ([]model.Reservation, <-chan store.Change, func(), error) {
	snapshot, changes, cancel, err := s.store.Subscribe(ctx, uid)
	if err != nil {
		return nil, nil, nil, translate(err)
	}
	return snapshot, changes, cancel, nil
}

// Ping checks the primary store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func userName(profile *model.Profile, fromBody string) string {
	if profile != nil {
		if name := strings.TrimSpace(profile.DisplayName); name != "" {
			return name
		}
	}
	if name := strings.TrimSpace(fromBody); name != "" {
		return name
	}
	return DefaultUserName
}

func dedupeEquipment(in []model.Equipment) []model.Equipment {
	out := make([]model.Equipment, 0, len(in))
	seen := make(map[int64]bool, len(in))
	for _, eq := range in {
		if seen[eq.ID] {
			continue
		}
		seen[eq.ID] = true
		out = append(out, eq)
	}
	return out
}

func outcome(err error) string {
	var conflict *ConflictError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

func mirrorResult(err error) string {
	if calendar.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
