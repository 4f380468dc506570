package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"studio-booking-backend/config"
	"studio-booking-backend/internal/api"
	"studio-booking-backend/internal/auth"
	"studio-booking-backend/internal/booking"
	"studio-booking-backend/internal/calendar"
	"studio-booking-backend/internal/db"
	"studio-booking-backend/internal/mw"
	"studio-booking-backend/internal/reconcile"
	"studio-booking-backend/internal/store"
)

// calendarServer stands in for the Google Calendar events endpoints.
type calendarServer struct {
	mu         sync.Mutex
	events     map[string]*gcal.Event
	failDelete int
}

func (s *calendarServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/calendars/studio@example.com/events"), "/")
	switch r.Method {
	case http.MethodPost:
		var ev gcal.Event
		json.NewDecoder(r.Body).Decode(&ev)
		if _, ok := s.events[ev.Id]; ok {
			apiError(w, http.StatusConflict)
			return
		}
		s.events[ev.Id] = &ev
		json.NewEncoder(w).Encode(ev)
	case http.MethodPut:
		if _, ok := s.events[id]; !ok {
			apiError(w, http.StatusNotFound)
			return
		}
		var ev gcal.Event
		json.NewDecoder(r.Body).Decode(&ev)
		ev.Id = id
		s.events[id] = &ev
		json.NewEncoder(w).Encode(ev)
	case http.MethodDelete:
		if s.failDelete > 0 {
			s.failDelete--
			apiError(w, http.StatusServiceUnavailable)
			return
		}
		if _, ok := s.events[id]; !ok {
			apiError(w, http.StatusGone)
			return
		}
		delete(s.events, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		apiError(w, http.StatusMethodNotAllowed)
	}
}

func (s *calendarServer) snapshot() map[string]gcal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]gcal.Event, len(s.events))
	for id, ev := range s.events {
		out[id] = *ev
	}
	return out
}

func apiError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s"}}`, code, http.StatusText(code))
}

type studio struct {
	router     *gin.Engine
	verifier   *auth.JWTVerifier
	calendar   *calendarServer
	reconciler *reconcile.Reconciler
}

func newStudio(t *testing.T) *studio {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gormDB, err := db.Init(&config.DatabaseConfig{DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	cal := &calendarServer{events: map[string]*gcal.Event{}}
	server := httptest.NewServer(cal)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mirror, err := calendar.NewGoogleMirror(ctx, &config.CalendarConfig{
		CalendarID: "studio@example.com",
		Location:   "DJ Studio",
		Endpoint:   server.URL + "/",
	}, option.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	st := store.NewGormStore(gormDB, "dj-studio", store.NewMemoryFeed())
	slots := mw.NewSlotCache(time.Minute)
	svc := booking.NewService(st, mirror, slots, booking.Options{
		RoomRate:        200000,
		DefaultTimeZone: "Asia/Makassar",
		RetryAfter:      time.Millisecond,
		Now:             func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) },
	})

	rec := reconcile.New(config.ReconcilerConfig{
		Enabled:     true,
		Workers:     2,
		BatchSize:   10,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, st, mirror)
	rec.Start(ctx)

	verifier := auth.NewJWTVerifier("integration-secret", "", "")
	router := api.NewRouter(svc, api.RouterConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		RateLimit:      rate.Inf,
		RateBurst:      1,
		Verifier:       verifier,
		Profiles:       st,
		Slots:          slots,
	})
	return &studio{router: router, verifier: verifier, calendar: cal, reconciler: rec}
}

func (s *studio) post(t *testing.T, uid, path string, body any) (int, map[string]any) {
	t.Helper()
	tok, err := s.verifier.Sign(uid, "", "", time.Hour)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func (s *studio) bookedSlots(t *testing.T, date string) []any {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/check-booked-slots?date="+date, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		BookedSlots []any `json:"bookedSlots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.BookedSlots
}

func bookingRequest(clock string, duration int, zone string) map[string]any {
	data := map[string]any{
		"date":          "2025-04-10",
		"time":          clock,
		"duration":      duration,
		"equipment":     []map[string]any{{"id": 1, "name": "Pioneer CDJ-3000", "type": "CDJ Player"}},
		"paymentMethod": "cash",
	}
	if zone != "" {
		data["userTimeZone"] = zone
	}
	return map[string]any{"bookingData": data, "userName": "DJ A"}
}

// TestReservationScenarios walks the happy path, both conflict kinds,
// adjacency, edit in place and cancel-then-rebook against the full stack.
func TestReservationScenarios(t *testing.T) {
	s := newStudio(t)

	// Happy path.
	code, body := s.post(t, "user-a", "/api/confirm-booking", bookingRequest("14:00", 2, "Asia/Makassar"))
	require.Equal(t, http.StatusCreated, code, body)
	s1 := body["bookingId"].(string)
	booked := body["booking"].(map[string]any)
	assert.Equal(t, float64(400000), booked["total"])
	assert.Equal(t, "pending", booked["paymentStatus"])

	events := s.calendar.snapshot()
	require.Len(t, events, 1)
	ev := events[calendar.EventIDFor(s1)]
	assert.Equal(t, "2025-04-10T14:00:00+08:00", ev.Start.DateTime)
	assert.Equal(t, "2025-04-10T16:00:00+08:00", ev.End.DateTime)
	assert.Equal(t, "Asia/Makassar", ev.Start.TimeZone)

	// Direct conflict.
	code, body = s.post(t, "user-b", "/api/confirm-booking", bookingRequest("15:00", 2, "Asia/Makassar"))
	require.Equal(t, http.StatusConflict, code)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, []any{s1}, details["conflictingIds"])

	// Cross-zone overlap: 07:00 UTC is 15:00 in Makassar.
	code, _ = s.post(t, "user-c", "/api/confirm-booking", bookingRequest("07:00", 2, "UTC"))
	assert.Equal(t, http.StatusConflict, code)

	// Adjacency is allowed.
	code, body = s.post(t, "user-b", "/api/confirm-booking", bookingRequest("16:00", 2, ""))
	require.Equal(t, http.StatusCreated, code, body)
	adjacent := body["bookingId"].(string)
	assert.Len(t, s.bookedSlots(t, "2025-04-10"), 2)

	// Edit in place. Cancelling the neighbour leaves room for three hours.
	code, _ = s.post(t, "user-b", "/api/cancel-booking", map[string]any{"bookingId": adjacent})
	require.Equal(t, http.StatusOK, code)

	edit := bookingRequest("14:00", 3, "Asia/Makassar")
	edit["editingBookingId"] = s1
	code, body = s.post(t, "user-a", "/api/confirm-booking", edit)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, s1, body["bookingId"])
	assert.Equal(t, float64(600000), body["booking"].(map[string]any)["total"])

	events = s.calendar.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "2025-04-10T17:00:00+08:00", events[calendar.EventIDFor(s1)].End.DateTime, "event patched in place")

	// Cancel then rebook.
	code, _ = s.post(t, "user-a", "/api/cancel-booking", map[string]any{"bookingId": s1})
	require.Equal(t, http.StatusOK, code)
	code, body = s.post(t, "user-a", "/api/confirm-booking", bookingRequest("14:00", 2, "Asia/Makassar"))
	require.Equal(t, http.StatusCreated, code, body)

	assert.Len(t, s.calendar.snapshot(), 1)
	assert.Len(t, s.bookedSlots(t, "2025-04-10"), 1)

	// Repeating the cancel lands on the same final state.
	code, _ = s.post(t, "user-a", "/api/cancel-booking", map[string]any{"bookingId": s1})
	assert.Equal(t, http.StatusNotFound, code)
}

// TestCancelCompletesAfterCalendarOutage checks that a cancel which could
// not reach the calendar hides the booking and is finished by the reconciler.
func TestCancelCompletesAfterCalendarOutage(t *testing.T) {
	s := newStudio(t)

	code, body := s.post(t, "user-a", "/api/confirm-booking", bookingRequest("10:00", 2, ""))
	require.Equal(t, http.StatusCreated, code, body)
	id := body["bookingId"].(string)

	s.calendar.mu.Lock()
	s.calendar.failDelete = 1
	s.calendar.mu.Unlock()

	code, body = s.post(t, "user-a", "/api/cancel-booking", map[string]any{"bookingId": id})
	require.Equal(t, http.StatusServiceUnavailable, code, body)
	assert.Equal(t, "UNAVAILABLE", body["error"].(map[string]any)["code"])

	assert.Empty(t, s.bookedSlots(t, "2025-04-10"), "hidden while the event is still up")
	assert.Len(t, s.calendar.snapshot(), 1)

	// The slot is free again for others.
	code, _ = s.post(t, "user-b", "/api/confirm-booking", bookingRequest("10:00", 2, ""))
	require.Equal(t, http.StatusCreated, code)

	assert.Equal(t, 1, s.reconciler.ReconcileOnce(context.Background()))

	events := s.calendar.snapshot()
	assert.Len(t, events, 1)
	_, stillThere := events[calendar.EventIDFor(id)]
	assert.False(t, stillThere)
}
