package booking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-booking-backend/config"
	"studio-booking-backend/internal/availability"
	"studio-booking-backend/internal/calendar"
	"studio-booking-backend/internal/db"
	"studio-booking-backend/internal/model"
	"studio-booking-backend/internal/store"
)

const rate = 200000

// fakeMirror keeps events in memory and can be told to fail.
type fakeMirror struct {
	mu          sync.Mutex
	events      map[string]*model.Reservation
	upserts     int
	deletes     int
	upsertErr   error
	deleteErr   error
	lastUpsert  *model.Reservation
	lastEventID string
	// beforeUpsert runs at the start of every Upsert, outside the lock.
	beforeUpsert func(res *model.Reservation)
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{events: map[string]*model.Reservation{}}
}

func (m *fakeMirror) Upsert(_ context.Context, res *model.Reservation) (string, error) {
	if m.beforeUpsert != nil {
		m.beforeUpsert(res)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.upsertErr != nil {
		return "", m.upsertErr
	}
	id := res.EventID()
	if id == "" {
		id = calendar.EventIDFor(res.ID)
	}
	snapshot := *res
	m.events[id] = &snapshot
	m.lastUpsert = &snapshot
	m.lastEventID = id
	return id, nil
}

func (m *fakeMirror) Delete(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.events, eventID)
	return nil
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type recordingCache struct {
	mu    sync.Mutex
	dates []string
}

func (c *recordingCache) Invalidate(dates ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dates = append(c.dates, dates...)
}

var testNow = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, store.Store, *fakeMirror, *recordingCache) {
	t.Helper()
	gormDB, err := db.Init(&config.DatabaseConfig{DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	st := store.NewGormStore(gormDB, "booking-test", nil)
	mirror := newFakeMirror()
	cache := &recordingCache{}
	svc := NewService(st, mirror, cache, Options{
		RoomRate:        rate,
		DefaultTimeZone: "Asia/Makassar",
		RetryAfter:      time.Minute,
		Now:             func() time.Time { return testNow },
	})
	return svc, st, mirror, cache
}

func s1Request() Request {
	return Request{
		Date:          "2030-04-10",
		Time:          "14:00",
		Duration:      2,
		UserTimeZone:  "Asia/Makassar",
		Equipment:     []model.Equipment{{ID: 1, Name: "Pioneer CDJ-3000", Type: "CDJ Player"}},
		PaymentMethod: "cash",
	}
}

func TestConfirm_ConflictScenarios(t *testing.T) {
	svc, _, mirror, _ := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)
	assert.True(t, s1.Created)
	assert.Equal(t, int64(400000), s1.Reservation.Total)
	assert.Equal(t, model.PaymentPending, s1.Reservation.PaymentStatus)
	assert.Equal(t, DefaultUserName, s1.Reservation.UserName)
	assert.Equal(t, model.MirrorSynced, s1.Reservation.MirrorStatus)
	assert.Equal(t, calendar.EventIDFor(s1.Reservation.ID), s1.Reservation.EventID())
	assert.Equal(t, "2030-04-10T06:00:00Z", s1.Reservation.StartsAt.Format(time.RFC3339))
	assert.Equal(t, 1, mirror.count())

	t.Run("direct overlap", func(t *testing.T) {
		req := s1Request()
		req.Time = "15:00"
		_, err := svc.Confirm(ctx, "user-b", nil, req)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, []string{s1.Reservation.ID}, conflict.IDs)
	})

	t.Run("cross-zone overlap", func(t *testing.T) {
		req := s1Request()
		req.Time = "07:00"
		req.UserTimeZone = "UTC"
		_, err := svc.Confirm(ctx, "user-c", nil, req)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, []string{s1.Reservation.ID}, conflict.IDs)
	})

	t.Run("adjacent allowed", func(t *testing.T) {
		req := s1Request()
		req.Time = "16:00"
		req.UserTimeZone = ""
		res, err := svc.Confirm(ctx, "user-b", nil, req)
		require.NoError(t, err)
		assert.Equal(t, "Asia/Makassar", res.Reservation.UserTimeZone)
	})

	slots, err := svc.BookedSlots(ctx, "2030-04-10")
	require.NoError(t, err)
	assert.Len(t, slots, 2)
}

func TestConfirm_EditInPlace(t *testing.T) {
	svc, st, mirror, cache := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	req := s1Request()
	req.Duration = 3
	req.EditingID = s1.Reservation.ID
	edited, err := svc.Confirm(ctx, "user-a", nil, req)
	require.NoError(t, err)

	assert.False(t, edited.Created)
	assert.Equal(t, s1.Reservation.ID, edited.Reservation.ID)
	assert.Equal(t, int64(600000), edited.Reservation.Total)
	assert.Equal(t, 2, mirror.upserts)
	assert.Equal(t, 1, mirror.count(), "event patched in place")
	assert.Equal(t, s1.Reservation.EventID(), mirror.lastEventID)
	assert.Contains(t, cache.dates, "2030-04-10")

	stored, err := st.GetByID(ctx, s1.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Duration)
	assert.Equal(t, "user-a", stored.UserID)

	t.Run("someone else's booking", func(t *testing.T) {
		_, err := svc.Confirm(ctx, "user-b", nil, req)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		req := req
		req.EditingID = uuid.NewString()
		_, err := svc.Confirm(ctx, "user-a", nil, req)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConfirm_EditOfForeignIDIsNotFoundEvenWhenOverlapping(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)
	morning := s1Request()
	morning.Time = "10:00"
	_, err = svc.Confirm(ctx, "user-b", nil, morning)
	require.NoError(t, err)

	// user-b's own 10:00 booking overlaps, yet the id is not theirs.
	steal := morning
	steal.EditingID = s1.Reservation.ID
	_, err = svc.Confirm(ctx, "user-b", nil, steal)
	assert.ErrorIs(t, err, ErrNotFound)

	unknown := morning
	unknown.EditingID = uuid.NewString()
	_, err = svc.Confirm(ctx, "user-a", nil, unknown)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfirm_RejectsInvalidInput(t *testing.T) {
	svc, _, _, _ := newService(t)
	total := int64(1)

	tests := []struct {
		name   string
		mutate func(r *Request)
		want   string
	}{
		{"payment method", func(r *Request) { r.PaymentMethod = "crypto" }, "paymentMethod"},
		{"date", func(r *Request) { r.Date = "10/04/2030" }, "date"},
		{"half hour", func(r *Request) { r.Time = "14:30" }, "on the hour"},
		{"too long", func(r *Request) { r.Duration = 5 }, "duration"},
		{"too short", func(r *Request) { r.Duration = 1 }, "duration"},
		{"zone", func(r *Request) { r.UserTimeZone = "Mars/Olympus" }, "Mars/Olympus"},
		{"past", func(r *Request) { r.Date = "2029-12-31" }, "past"},
		{"before opening", func(r *Request) { r.Time = "08:00" }, "09:00"},
		{"after closing", func(r *Request) { r.Time = "17:00" }, "18:00"},
		{"total", func(r *Request) { r.Total = &total }, "total"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := s1Request()
			tt.mutate(&req)
			_, err := svc.Confirm(context.Background(), "user-a", nil, req)
			require.ErrorIs(t, err, ErrBadRequest)
			assert.Contains(t, Message(err), tt.want)
			assert.False(t, strings.HasPrefix(Message(err), "bad request"))
		})
	}
}

func TestConfirm_NormalisesInput(t *testing.T) {
	svc, _, _, _ := newService(t)
	total := int64(400000)

	req := s1Request()
	req.PaymentMethod = " Online "
	req.Total = &total
	req.UserName = "Body Name"
	req.Equipment = append(req.Equipment, req.Equipment[0], model.Equipment{ID: 2, Name: "DJM-A9", Type: "Mixer"})

	res, err := svc.Confirm(context.Background(), "user-a", nil, req)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentOnline, res.Reservation.PaymentMethod)
	assert.Equal(t, "Body Name", res.Reservation.UserName)
	assert.Len(t, res.Reservation.Equipment, 2)

	req.Equipment = nil
	req.Date = "2030-04-11"
	res, err = svc.Confirm(context.Background(), "user-a", &model.Profile{DisplayName: "Profile Name"}, req)
	require.NoError(t, err)
	assert.Equal(t, "Profile Name", res.Reservation.UserName)
	assert.NotNil(t, res.Reservation.Equipment)
}

func TestConfirm_MirrorFailureLeavesReservationPending(t *testing.T) {
	svc, st, mirror, _ := newService(t)
	ctx := context.Background()
	mirror.upsertErr = fmt.Errorf("%w: 503", calendar.ErrTransient)

	res, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	stored, err := st.GetByID(ctx, res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MirrorPending, stored.MirrorStatus)
	assert.Equal(t, 1, stored.MirrorAttempts)
	require.NotNil(t, stored.MirrorNextAttemptAt)
	assert.True(t, stored.MirrorNextAttemptAt.Equal(testNow.Add(time.Minute)))
	assert.Empty(t, stored.EventID())
}

func TestCancel_ThenRebook(t *testing.T) {
	svc, _, mirror, cache := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, "user-a", s1.Reservation.ID))
	assert.Equal(t, 0, mirror.count())
	assert.Contains(t, cache.dates, "2030-04-10")

	again, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)
	assert.NotEqual(t, s1.Reservation.ID, again.Reservation.ID)
	assert.Equal(t, 1, mirror.count())

	slots, err := svc.BookedSlots(ctx, "2030-04-10")
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, again.Reservation.ID, slots[0].ID)

	assert.ErrorIs(t, svc.Cancel(ctx, "user-a", s1.Reservation.ID), ErrNotFound)
	assert.ErrorIs(t, svc.Cancel(ctx, "user-b", again.Reservation.ID), ErrNotFound)
	assert.ErrorIs(t, svc.Cancel(ctx, "user-a", ""), ErrBadRequest)
}

func TestCancel_CalendarUnavailable(t *testing.T) {
	svc, st, mirror, _ := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	mirror.deleteErr = fmt.Errorf("%w: 503", calendar.ErrTransient)
	err = svc.Cancel(ctx, "user-a", s1.Reservation.ID)
	require.ErrorIs(t, err, ErrTransient)

	// Hidden from its owner, from the public view and from conflict checks.
	_, err = st.Get(ctx, "user-a", s1.Reservation.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	slots, err := svc.BookedSlots(ctx, "2030-04-10")
	require.NoError(t, err)
	assert.Empty(t, slots)

	// The event still exists until the delete succeeds.
	assert.Equal(t, 1, mirror.count())

	mirror.deleteErr = nil
	require.NoError(t, svc.Cancel(ctx, "user-a", s1.Reservation.ID))
	assert.Equal(t, 0, mirror.count())
	_, err = st.GetByID(ctx, s1.Reservation.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_CalendarRefuses(t *testing.T) {
	svc, st, mirror, _ := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	mirror.deleteErr = fmt.Errorf("%w: 400", calendar.ErrPermanent)
	err = svc.Cancel(ctx, "user-a", s1.Reservation.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)

	got, err := st.Get(ctx, "user-a", s1.Reservation.ID)
	require.NoError(t, err)
	assert.False(t, got.Hidden())
	assert.Equal(t, model.MirrorPending, got.MirrorStatus, "the event is re-checked by the reconciler")
	assert.Equal(t, 1, mirror.count())

	slots, err := svc.BookedSlots(ctx, "2030-04-10")
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}

func TestCancel_DuringMirrorLeavesNoEvent(t *testing.T) {
	svc, st, mirror, _ := newService(t)
	ctx := context.Background()

	started := make(chan string)
	release := make(chan struct{})
	var once sync.Once
	mirror.beforeUpsert = func(res *model.Reservation) {
		once.Do(func() {
			started <- res.ID
			<-release
		})
	}

	confirmed := make(chan error, 1)
	go func() {
		_, err := svc.Confirm(ctx, "user-a", nil, s1Request())
		confirmed <- err
	}()

	id := <-started
	require.NoError(t, svc.Cancel(ctx, "user-a", id))
	close(release)
	require.NoError(t, <-confirmed)

	assert.Equal(t, 0, mirror.count())
	_, err := st.GetByID(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmPayment(t *testing.T) {
	svc, _, mirror, _ := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	res, alreadyPaid, err := svc.ConfirmPayment(ctx, "user-a", s1.Reservation.ID)
	require.NoError(t, err)
	assert.False(t, alreadyPaid)
	assert.Equal(t, model.PaymentPaid, res.PaymentStatus)
	assert.Equal(t, 2, mirror.upserts)
	assert.Equal(t, model.PaymentPaid, mirror.lastUpsert.PaymentStatus)

	res, alreadyPaid, err = svc.ConfirmPayment(ctx, "user-a", s1.Reservation.ID)
	require.NoError(t, err)
	assert.True(t, alreadyPaid)
	assert.Equal(t, model.PaymentPaid, res.PaymentStatus)
	assert.Equal(t, 2, mirror.upserts)

	_, _, err = svc.ConfirmPayment(ctx, "user-b", s1.Reservation.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Editing a paid booking keeps it paid.
	req := s1Request()
	req.EditingID = s1.Reservation.ID
	req.Time = "10:00"
	edited, err := svc.Confirm(ctx, "user-a", nil, req)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, edited.Reservation.PaymentStatus)
}

func TestUpdateProfile(t *testing.T) {
	svc, st, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.UpdateProfile(ctx, "user-a", "   ")
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.UpdateProfile(ctx, "user-a", strings.Repeat("é", MaxDisplayNameLength+1))
	assert.ErrorIs(t, err, ErrBadRequest)

	name := strings.Repeat("é", MaxDisplayNameLength)
	profile, err := svc.UpdateProfile(ctx, "user-a", "  "+name+" ")
	require.NoError(t, err)
	assert.Equal(t, name, profile.DisplayName)

	stored, err := st.GetProfile(ctx, "user-a")
	require.NoError(t, err)
	assert.Equal(t, name, stored.DisplayName)
}

func TestAvailability(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	s1, err := svc.Confirm(ctx, "user-a", nil, s1Request())
	require.NoError(t, err)

	slots, zone, err := svc.Availability(ctx, "2030-04-10", "", 2, "")
	require.NoError(t, err)
	assert.Equal(t, "Asia/Makassar", zone)

	states := map[string]availability.State{}
	for _, s := range slots {
		states[s.Time] = s.State
	}
	assert.Equal(t, availability.Free, states["12:00"])
	assert.Equal(t, availability.Conflict, states["13:00"])
	assert.Equal(t, availability.Conflict, states["15:00"])
	assert.Equal(t, availability.Free, states["16:00"])

	// The same hours seen from Jakarta are one hour earlier.
	slots, _, err = svc.Availability(ctx, "2030-04-10", "Asia/Jakarta", 2, "")
	require.NoError(t, err)
	for _, s := range slots {
		if s.Time == "14:00" {
			assert.Equal(t, availability.Conflict, s.State)
			assert.Equal(t, s1.Reservation.ID, s.ConflictID)
		}
	}

	slots, _, err = svc.Availability(ctx, "2030-04-10", "", 2, s1.Reservation.ID)
	require.NoError(t, err)
	for _, s := range slots {
		assert.NotEqual(t, availability.Conflict, s.State)
	}

	_, _, err = svc.Availability(ctx, "2030-04-10", "", 6, "")
	assert.ErrorIs(t, err, ErrBadRequest)
	_, _, err = svc.Availability(ctx, "nope", "", 2, "")
	assert.ErrorIs(t, err, ErrBadRequest)
}
