package users

import (
	"strings"
	"time"
)

const maxDisplayNameLength = 64

// Identity captures the mapping between a canonical slotsync user id and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the user-facing record other members see: the name attached to
// presence entries, change notifications and machine attribution.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	DisplayName string    `gorm:"column:display_name;size:64;not null;default:''" json:"display_name"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// DefaultDisplayName picks the first usable name: the explicit one, the email local part, then the user id.
func DefaultDisplayName(displayName, email, userID string) string {
	if name := normalize(displayName); name != "" {
		return truncate(name)
	}
	if local, _, found := strings.Cut(normalize(email), "@"); found && local != "" {
		return truncate(local)
	}
	return truncate(userID)
}

func truncate(value string) string {
	runes := []rune(value)
	if len(runes) > maxDisplayNameLength {
		return string(runes[:maxDisplayNameLength])
	}
	return value
}
