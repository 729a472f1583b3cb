package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/leasegate/internal/database"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{pool: db.Pool}
}

// rowScanner covers both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const accountColumns = `id, email, password_hash, name, role, status, mfa_enabled,
	failed_attempts, locked_until, password_changed_at, deactivated_at, created_at, updated_at`

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var a models.Account
	err := scanner.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.Name, &a.Role, &a.Status, &a.MFAEnabled,
		&a.FailedAttempts, &a.LockedUntil, &a.PasswordChangedAt, &a.DeactivatedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccountRow(r.pool.QueryRow(ctx, query, id))
}

// GetByEmail matches case-insensitively
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	return scanAccountRow(r.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

func (r *AccountRepository) Create(ctx context.Context, a *models.Account) (*models.Account, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Role == "" {
		a.Role = models.RoleUser
	}
	if a.Status == "" {
		a.Status = models.AccountStatusActive
	}

	query := `
		INSERT INTO accounts (id, email, password_hash, name, role, status, mfa_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + accountColumns

	row := r.pool.QueryRow(ctx, query, a.ID, a.Email, a.PasswordHash, a.Name, a.Role, a.Status, a.MFAEnabled)
	return scanAccountRow(row)
}

// RegisterFailure atomically bumps the failure counter and applies a lock once
// the threshold is reached. A lock that has already elapsed restarts the count
// at one. It returns ErrAccountLocked when a lock is still in force (or the
// account is no longer active), in which case nothing is changed.
func (r *AccountRepository) RegisterFailure(ctx context.Context, id string, threshold int, lockUntil, now time.Time) (*models.LockoutState, error) {
	query := `
		UPDATE accounts SET
			failed_attempts = CASE WHEN locked_until IS NOT NULL THEN 1 ELSE failed_attempts + 1 END,
			locked_until = CASE
				WHEN (CASE WHEN locked_until IS NOT NULL THEN 1 ELSE failed_attempts + 1 END) >= $2::int THEN $3::timestamptz
				ELSE NULL
			END,
			updated_at = $4::timestamptz
		WHERE id = $1 AND status = 'active' AND (locked_until IS NULL OR locked_until <= $4::timestamptz)
		RETURNING failed_attempts, locked_until
	`

	var state models.LockoutState
	err := r.pool.QueryRow(ctx, query, id, threshold, lockUntil, now).Scan(&state.FailedAttempts, &state.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrAccountLocked
	}
	if err != nil {
		return nil, fmt.Errorf("register failure: %w", database.MapPostgresError(err))
	}
	return &state, nil
}

// ResetFailures clears the counter after a successful login. It applies only
// while no lock is in force, so a lock committed by a concurrent failure wins;
// in that case (or when the account is gone or inactive) it returns
// ErrAccountLocked and nothing is changed.
func (r *AccountRepository) ResetFailures(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE accounts SET failed_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE id = $1 AND status = 'active' AND (locked_until IS NULL OR locked_until <= $2)
	`
	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("reset failures: %w", database.MapPostgresError(err))
	}
	if result.RowsAffected() == 0 {
		return models.ErrAccountLocked
	}
	return nil
}

func (r *AccountRepository) SetMFAEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	query := `UPDATE accounts SET mfa_enabled = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, query, id, enabled, now)
}

// UpdatePassword also clears lockout state
func (r *AccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	query := `
		UPDATE accounts
		SET password_hash = $2, password_changed_at = $3, failed_attempts = 0, locked_until = NULL, updated_at = $3
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, passwordHash, now)
}

// Deactivate is a soft delete; rows are retained for audit history
func (r *AccountRepository) Deactivate(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE accounts SET status = 'deactivated', deactivated_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'
	`
	return r.execOne(ctx, query, id, now)
}

func (r *AccountRepository) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
