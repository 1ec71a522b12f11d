package domain

import "time"

// DeviceStatus is the state of a device authorization request.
type DeviceStatus string

const (
	DeviceStatusPending  DeviceStatus = "pending"
	DeviceStatusApproved DeviceStatus = "approved"
	DeviceStatusDenied   DeviceStatus = "denied"
	DeviceStatusExpired  DeviceStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s DeviceStatus) Terminal() bool {
	return s != DeviceStatusPending
}

// DeviceCode is one RFC 8628 authorization request. UserID is set only while approved.
type DeviceCode struct {
	ID           int64
	DeviceCode   string
	UserCode     string
	ClientID     string
	Status       DeviceStatus
	UserID       *int64
	ExpiresAt    time.Time
	Interval     time.Duration
	LastPolledAt *time.Time
	CreatedAt    time.Time
}

// Expired reports whether the request can no longer be approved or redeemed.
func (d DeviceCode) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}
