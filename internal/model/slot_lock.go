package model

import "time"

// SlotLock is the per-date sentinel row that serialises conflict checks.
// Writers bump Version inside their transaction so that any other writer
// touching the same date waits for the commit.
type SlotLock struct {
	AppID     string    `gorm:"primaryKey;size:128"`
	Date      string    `gorm:"primaryKey;size:10"`
	Version   int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}
