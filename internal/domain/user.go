package domain

import (
	"strings"
	"time"
)

// UserStatus tracks the account lifecycle.
type UserStatus string

const (
	UserStatusActive          UserStatus = "active"
	UserStatusPendingDeletion UserStatus = "pending_deletion"
)

// User is a household member that signs in through an OAuth provider or the device flow.
type User struct {
	ID                  int64
	Email               string
	Name                string
	AvatarURL           string
	HouseholdID         *int64
	Role                string
	Status              UserStatus
	DeletionScheduledAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PendingDeletion reports whether the account is waiting for the sweep.
func (u User) PendingDeletion() bool {
	return u.Status == UserStatusPendingDeletion
}

// DefaultRole is assigned to users created on first login.
const DefaultRole = "member"

// MaskEmail keeps the first character of the local part and the domain, for logs.
func MaskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
