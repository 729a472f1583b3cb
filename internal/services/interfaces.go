package services

import (
	"context"
	"time"

	"github.com/BradenHooton/leasegate/internal/models"
)

// AccountRepository is the persistent owner of per-account lockout state
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	RegisterFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (*models.LockoutState, error)
	ResetFailures(ctx context.Context, id string, now time.Time) error
	SetMFAEnabled(ctx context.Context, id string, enabled bool, now time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error
	Deactivate(ctx context.Context, id string, now time.Time) error
}

type LoginAttemptRepository interface {
	Record(ctx context.Context, attempt *models.LoginAttempt) error
	CountFailuresByAccount(ctx context.Context, accountID string, since time.Time) (int, error)
	CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error)
}

type DeviceRepository interface {
	IsKnown(ctx context.Context, accountID, fingerprint string) (bool, error)
	CountByAccount(ctx context.Context, accountID string) (int, error)
	Touch(ctx context.Context, device *models.DeviceFingerprint) (bool, error)
}

type OneTimeCodeRepository interface {
	Issue(ctx context.Context, code *models.OneTimeCode) (*models.OneTimeCode, error)
	IssueWithBudget(ctx context.Context, code *models.OneTimeCode, since time.Time) (*models.OneTimeCode, error)
	GetByID(ctx context.Context, id string) (*models.OneTimeCode, error)
	GetActive(ctx context.Context, accountID string, purpose models.CodePurpose, now time.Time) (*models.OneTimeCode, error)
	ConsumeAttempt(ctx context.Context, id string, now time.Time) (int, error)
	Invalidate(ctx context.Context, id string, now time.Time) error
	MarkUsed(ctx context.Context, id string, now time.Time) error
}

type SecurityAlertRepository interface {
	Create(ctx context.Context, alert *models.SecurityAlert) error
	ListRecentByAccount(ctx context.Context, accountID string, limit int) ([]*models.SecurityAlert, error)
	Acknowledge(ctx context.Context, id, accountID string, now time.Time) error
}

// SessionIssuer mints the session handed out after a completed login
type SessionIssuer interface {
	IssueSession(account *models.Account) (*models.Session, error)
}

type TokenValidator interface {
	ValidateToken(token string) (*models.TokenClaims, error)
}

type TokenRevoker interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
}

// SecretHasher hashes and compares passwords and one-time codes.
// Compare returns auth.ErrMismatch on a wrong secret.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) error
	CompareDummy(secret string)
}

// CodeSender delivers a plaintext one-time code exactly once
type CodeSender interface {
	SendCode(ctx context.Context, account *models.Account, purpose models.CodePurpose, code string, expiresAt time.Time) error
}

// Notifier delivers a security alert to the account holder or downstream systems
type Notifier interface {
	NotifyAlert(ctx context.Context, account *models.Account, alert *models.SecurityAlert) error
}

// CountryResolver maps an IP to an ISO country code. "" means unknown.
type CountryResolver interface {
	CountryCode(ip string) (string, error)
}

type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
