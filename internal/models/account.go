package models

import (
	"time"
)

// Account statuses. Accounts are never hard-deleted.
const (
	AccountStatusActive      = "active"
	AccountStatusDeactivated = "deactivated"
)

// Account roles
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is a platform identity together with its login-security state
type Account struct {
	ID                string
	Email             string
	PasswordHash      string
	Name              string
	Role              string
	Status            string
	MFAEnabled        bool
	FailedAttempts    int
	LockedUntil       *time.Time
	PasswordChangedAt *time.Time
	DeactivatedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the account may authenticate at all
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// IsLocked reports whether a temporary lockout is in force at now
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// LockoutState is the counter/lock pair returned by an atomic failure update
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Locked reports whether the state carries a lock that is in force at now
func (s LockoutState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}
