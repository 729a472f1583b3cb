package models

import (
	"fmt"
	"time"
)

// CodePurpose binds a one-time code to the flow that issued it
type CodePurpose string

const (
	CodePurposeLogin         CodePurpose = "login"
	CodePurposePasswordReset CodePurpose = "password_reset"
	CodePurposeEnableMFA     CodePurpose = "enable_mfa"
)

// ParseCodePurpose validates a stored purpose string
func ParseCodePurpose(s string) (CodePurpose, error) {
	switch p := CodePurpose(s); p {
	case CodePurposeLogin, CodePurposePasswordReset, CodePurposeEnableMFA:
		return p, nil
	}
	return "", fmt.Errorf("unknown code purpose %q", s)
}

// VerifyOutcome is the verdict of a one-time code verification
type VerifyOutcome string

const (
	VerifyOutcomeVerified  VerifyOutcome = "VERIFIED"
	VerifyOutcomeInvalid   VerifyOutcome = "INVALID"
	VerifyOutcomeExpired   VerifyOutcome = "EXPIRED"
	VerifyOutcomeExhausted VerifyOutcome = "EXHAUSTED"

	// VerifyOutcomeLocked is returned when the account locked while its login code was outstanding
	VerifyOutcomeLocked VerifyOutcome = "LOCKED"
)

// OneTimeCode is a short-lived, single-use secret. Only the hash is stored.
// The ID doubles as the challenge id handed to the client.
type OneTimeCode struct {
	ID            string
	AccountID     string
	Purpose       CodePurpose
	CodeHash      string
	Attempts      int
	MaxAttempts   int
	ExpiresAt     time.Time
	UsedAt        *time.Time
	InvalidatedAt *time.Time
	CreatedAt     time.Time

	// Login context captured when the code was issued
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	RiskScore         int
	NewDevice         bool
}

// IsExpired reports whether the code's window has closed at now
func (c *OneTimeCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsExhausted reports whether the guess budget is spent
func (c *OneTimeCode) IsExhausted() bool {
	return c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts
}

// IsActive reports whether the code is unused, not invalidated and unexpired
func (c *OneTimeCode) IsActive(now time.Time) bool {
	return c.UsedAt == nil && c.InvalidatedAt == nil && !c.IsExpired(now)
}
