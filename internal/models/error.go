package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound          = errors.New("resource not found")
	ErrConflict          = errors.New("resource already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrBadRequest        = errors.New("bad request")
	ErrInternalServer    = errors.New("internal server error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Login decision errors. Callers must not reveal which one occurred
	// beyond a generic authentication failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrAccountDeactivated = errors.New("account is deactivated")

	// One-time code errors
	ErrCodeInvalid   = errors.New("one-time code is invalid")
	ErrCodeExpired   = errors.New("one-time code has expired")
	ErrCodeExhausted = errors.New("one-time code attempts exhausted")

	// ErrNotificationDeliveryFailed is logged only; it never fails a security decision.
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
)
