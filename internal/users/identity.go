package users

import (
	"strings"
	"time"
)

// Identity is the last known profile of a user as reported by their session.
type Identity struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Name       string    `gorm:"column:user_name;size:320"`
	Phone      string    `gorm:"column:user_phone;size:32;index"`
	Role       string    `gorm:"column:user_role;size:32"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// EmergencyContact is a person allowed to follow OwnerUserID's alerts.
// Rows are maintained outside this service; Phone is stored normalized.
type EmergencyContact struct {
	ID          uint   `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerUserID string `gorm:"column:owner_user_id;size:190;not null;index"`
	Name        string `gorm:"column:contact_name;size:320"`
	Phone       string `gorm:"column:contact_phone;size:32;not null;index"`
	Email       string `gorm:"column:contact_email;size:320"`
	Priority    int    `gorm:"column:priority;not null;default:0"`
}

// TableName exposes the table backing emergency contacts.
func (EmergencyContact) TableName() string {
	return "emergency_contacts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
