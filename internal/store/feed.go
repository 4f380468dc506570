package store

import (
	"context"
	"log"
	"sync"
	"time"

	"studio-booking-backend/internal/model"
)

// ChangeType describes what happened to a reservation.
type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

// Change is one committed write as seen by the owner's subscription.
type Change struct {
	Type          ChangeType         `json:"type"`
	UserID        string             `json:"userId"`
	ReservationID string             `json:"bookingId"`
	Reservation   *model.Reservation `json:"booking,omitempty"`
	At            time.Time          `json:"at"`
}

// Feed fans committed changes out to live subscribers of a user.
type Feed interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(ctx context.Context, uid string) (<-chan Change, func())
}

const subscriberBuffer = 64

// MemoryFeed is an in-process Feed.
type MemoryFeed struct {
	mu   sync.RWMutex
	subs map[string]map[chan Change]func()
}

// NewMemoryFeed creates an empty in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[chan Change]func())}
}

// Publish delivers c to every subscriber of c.UserID. A subscriber whose
// buffer is full is closed instead of blocking writers; it has to
// subscribe again for a fresh snapshot.
func (f *MemoryFeed) Publish(_ context.Context, c Change) error {
	var overflowed []func()

	f.mu.RLock()
	for ch, cancel := range f.subs[c.UserID] {
		select {
		case ch <- c:
		default:
			overflowed = append(overflowed, cancel)
		}
	}
	f.mu.RUnlock()

	for _, cancel := range overflowed {
		log.Printf("feed: subscriber of %s fell behind at %s event for booking %s; closing it", c.UserID, c.Type, c.ReservationID)
		cancel()
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release it; it closes the channel. The subscription also ends when ctx
// is done or the subscriber falls a full buffer behind.
func (f *MemoryFeed) Subscribe(ctx context.Context, uid string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[uid], ch)
			if len(f.subs[uid]) == 0 {
				delete(f.subs, uid)
			}
			close(ch)
			f.mu.Unlock()
			close(done)
		})
	}

	f.mu.Lock()
	if f.subs[uid] == nil {
		f.subs[uid] = make(map[chan Change]func())
	}
	f.subs[uid][ch] = cancel
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel
}

// Subscribers returns the number of live subscriptions for uid.
func (f *MemoryFeed) Subscribers(uid string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[uid])
}
