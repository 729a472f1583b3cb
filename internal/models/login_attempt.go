package models

import "time"

// LoginOutcome is the verdict of a single login attempt
type LoginOutcome string

const (
	LoginOutcomeSuccess     LoginOutcome = "SUCCESS"
	LoginOutcomeMFARequired LoginOutcome = "MFA_REQUIRED"
	LoginOutcomeLocked      LoginOutcome = "LOCKED"
	LoginOutcomeInvalid     LoginOutcome = "INVALID"
)

// Failure reasons recorded on login attempts
const (
	FailureReasonInvalidCredentials = "invalid_credentials"
	FailureReasonUnknownAccount     = "unknown_account"
	FailureReasonAccountLocked      = "account_locked"
	FailureReasonAccountInactive    = "account_inactive"
)

// LoginAttempt is one immutable record per login attempt
type LoginAttempt struct {
	ID                string       `db:"id"`
	AccountID         *string      `db:"account_id"` // nil when the identifier matched no account
	Identifier        string       `db:"identifier"`
	IPAddress         string       `db:"ip_address"`
	UserAgent         string       `db:"user_agent"`
	DeviceFingerprint string       `db:"device_fingerprint"`
	CountryCode       string       `db:"country_code"`
	Success           bool         `db:"success"`
	Outcome           LoginOutcome `db:"outcome"`
	FailureReason     *string      `db:"failure_reason"`
	RiskScore         int          `db:"risk_score"`
	AttemptedAt       time.Time    `db:"attempted_at"`
}

// IsFailure reports whether the attempt counts toward the rolling failure window
func (a *LoginAttempt) IsFailure() bool {
	return a.Outcome == LoginOutcomeInvalid || a.Outcome == LoginOutcomeLocked
}
