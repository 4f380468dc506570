package model

import (
	"fmt"
	"time"
)

// PaymentMethod is how the customer intends to pay.
type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentOnline PaymentMethod = "online"
)

// PaymentStatus only ever advances from pending to paid.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// MirrorStatus tracks whether the calendar mirror has caught up with the row.
type MirrorStatus string

const (
	MirrorSynced        MirrorStatus = "synced"
	MirrorPending       MirrorStatus = "pending"
	MirrorCancelPending MirrorStatus = "cancel_pending"
)

// Equipment is one catalogue item selected for a session.
type Equipment struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Reservation is a confirmed use of the studio.
type Reservation struct {
	ID            string        `gorm:"primaryKey;size:36" json:"id"`
	AppID         string        `gorm:"size:128;not null;index:idx_reservations_app_user;index:idx_reservations_app_date" json:"-"`
	UserID        string        `gorm:"size:128;not null;index:idx_reservations_app_user" json:"userId"`
	UserName      string        `gorm:"size:256;not null" json:"userName"`
	Date          string        `gorm:"size:10;not null;index:idx_reservations_app_date" json:"date"`
	Time          string        `gorm:"size:5;not null" json:"time"`
	Duration      int           `gorm:"not null" json:"duration"`
	UserTimeZone  string        `gorm:"size:64;not null" json:"userTimeZone"`
	Equipment     []Equipment   `gorm:"serializer:json" json:"equipment"`
	PaymentMethod PaymentMethod `gorm:"size:16;not null" json:"paymentMethod"`
	PaymentStatus PaymentStatus `gorm:"size:16;not null" json:"paymentStatus"`
	Total         int64         `gorm:"not null" json:"total"`
	StartsAt      time.Time     `gorm:"not null;index" json:"startsAt"`
	EndsAt        time.Time     `gorm:"not null" json:"endsAt"`

	CalendarEventID     *string      `gorm:"size:1024" json:"calendarEventId"`
	MirrorStatus        MirrorStatus `gorm:"size:16;not null;index" json:"-"`
	MirrorAttempts      int          `gorm:"not null;default:0" json:"-"`
	MirrorNextAttemptAt *time.Time   `json:"-"`
	MirrorLastError     string       `gorm:"size:512" json:"-"`

	Version   int64     `gorm:"not null;default:1" json:"-"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

// Path is the logical document path of the reservation in its owner's namespace.
func (r *Reservation) Path() string {
	return fmt.Sprintf("%s/users/%s/bookings/%s", r.AppID, r.UserID, r.ID)
}

// Hidden reports whether the row is on its way out and must not be shown or
// considered for conflicts.
func (r *Reservation) Hidden() bool {
	return r.MirrorStatus == MirrorCancelPending
}

// EventID returns the mirrored calendar event id, or "".
func (r *Reservation) EventID() string {
	if r.CalendarEventID == nil {
		return ""
	}
	return *r.CalendarEventID
}
