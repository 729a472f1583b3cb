package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/BradenHooton/leasegate/internal/metrics"
	"github.com/BradenHooton/leasegate/internal/models"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
)

// AttemptTracker records every login attempt and owns the failure counter
type AttemptTracker struct {
	attempts    LoginAttemptRepository
	accounts    AccountRepository
	policy      SecurityPolicy
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewAttemptTracker(
	attempts LoginAttemptRepository,
	accounts AccountRepository,
	policy SecurityPolicy,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AttemptTracker {
	return &AttemptTracker{
		attempts:    attempts,
		accounts:    accounts,
		policy:      policy,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// DeviceFingerprint derives the stable device identifier from IP and User-Agent
func DeviceFingerprint(ipAddress, userAgent string) string {
	sum := sha256.Sum256([]byte(ipAddress + ":" + userAgent))
	return hex.EncodeToString(sum[:])[:32]
}

// RegisterFailure applies one failed credential check. It returns
// models.ErrAccountLocked if a lock landed between the caller's read and this
// update, in which case the counter is unchanged.
func (t *AttemptTracker) RegisterFailure(ctx context.Context, accountID string, now time.Time) (*models.LockoutState, error) {
	state, err := t.accounts.RegisterFailure(ctx, accountID, t.policy.LockoutThreshold, t.policy.LockUntil(now), now)
	if err != nil {
		return nil, err
	}
	if state.Locked(now) {
		metrics.LockoutsTotal.Inc()
	}
	return state, nil
}

// Reset clears the counter and lock after a fully verified login
func (t *AttemptTracker) Reset(ctx context.Context, accountID string, now time.Time) error {
	return t.accounts.ResetFailures(ctx, accountID, now)
}

// RecentFailures returns the rolling-window failure counts for the account and the IP
func (t *AttemptTracker) RecentFailures(ctx context.Context, accountID, ip string, now time.Time) (int, int, error) {
	since := t.policy.WindowStart(now)

	accountFailures, err := t.attempts.CountFailuresByAccount(ctx, accountID, since)
	if err != nil {
		return 0, 0, err
	}
	ipFailures, err := t.attempts.CountFailuresByIP(ctx, ip, since)
	if err != nil {
		return 0, 0, err
	}
	return accountFailures, ipFailures, nil
}

// AccountFailures is the rolling-window failure count for the account alone
func (t *AttemptTracker) AccountFailures(ctx context.Context, accountID string, now time.Time) (int, error) {
	return t.attempts.CountFailuresByAccount(ctx, accountID, t.policy.WindowStart(now))
}

// Record appends the attempt and writes the audit line
func (t *AttemptTracker) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	metrics.LoginOutcomesTotal.WithLabelValues(string(attempt.Outcome)).Inc()

	event := pkglogger.AuditEvent{
		Type:      pkglogger.EventLoginAttempt,
		Email:     attempt.Identifier,
		IPAddress: attempt.IPAddress,
		UserAgent: attempt.UserAgent,
		Outcome:   string(attempt.Outcome),
		Success:   attempt.Success,
		RiskScore: &attempt.RiskScore,
	}
	if attempt.AccountID != nil {
		event.AccountID = *attempt.AccountID
	}
	if attempt.FailureReason != nil {
		event.Reason = *attempt.FailureReason
	}
	if attempt.CountryCode != "" {
		event.Metadata = map[string]string{"country": attempt.CountryCode}
	}
	t.auditLogger.Log(ctx, event)

	if err := t.attempts.Record(ctx, attempt); err != nil {
		t.logger.Error("failed to record login attempt", slog.Any("error", err))
		return err
	}
	return nil
}
