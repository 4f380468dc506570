package model

import (
	"fmt"
	"time"
)

// ProfileDocID is the fixed document name of a user's profile.
const ProfileDocID = "userProfile"

// Profile holds the user's display name as shown on reservations.
type Profile struct {
	AppID       string    `gorm:"primaryKey;size:128" json:"-"`
	UserID      string    `gorm:"primaryKey;size:128" json:"userId"`
	DisplayName string    `gorm:"size:256;not null" json:"displayName"`
	Email       string    `gorm:"size:256" json:"email,omitempty"`
	CreatedAt   time.Time `gorm:"not null" json:"createdAt"`
	LastUpdated time.Time `gorm:"not null;autoUpdateTime" json:"lastUpdated"`
}

// Path is the logical document path of the profile.
func (p *Profile) Path() string {
	return fmt.Sprintf("%s/users/%s/profiles/%s", p.AppID, p.UserID, ProfileDocID)
}
