package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/leasegate/internal/database"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/google/uuid"
)

// LoginAttemptRepository handles database operations for login attempts
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

// Record appends an immutable attempt row
func (r *LoginAttemptRepository) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	query := `
		INSERT INTO login_attempts (id, account_id, identifier, ip_address, user_agent, device_fingerprint,
			country_code, success, outcome, failure_reason, risk_score, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		attempt.ID,
		attempt.AccountID,
		attempt.Identifier,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.DeviceFingerprint,
		attempt.CountryCode,
		attempt.Success,
		string(attempt.Outcome),
		attempt.FailureReason,
		attempt.RiskScore,
		attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", database.MapPostgresError(err))
	}
	return nil
}

// CountFailuresByAccount counts rejected attempts for an account since the given time.
// MFA_REQUIRED is a passed password check and does not count.
func (r *LoginAttemptRepository) CountFailuresByAccount(ctx context.Context, accountID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE account_id = $1 AND outcome IN ('INVALID', 'LOCKED') AND attempted_at >= $2
	`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, accountID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count account failures: %w", err)
	}
	return count, nil
}

// CountFailuresByIP counts failed attempts from an IP across all accounts
func (r *LoginAttemptRepository) CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE ip_address = $1 AND outcome IN ('INVALID', 'LOCKED') AND attempted_at >= $2
	`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, ip, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ip failures: %w", err)
	}
	return count, nil
}

// DeleteOlderThan prunes attempts recorded before cutoff
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
