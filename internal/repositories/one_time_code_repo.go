package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/leasegate/internal/database"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OneTimeCodeRepository stores hashed one-time codes
type OneTimeCodeRepository struct {
	db *database.DB
}

func NewOneTimeCodeRepository(db *database.DB) *OneTimeCodeRepository {
	return &OneTimeCodeRepository{db: db}
}

const codeColumns = `id, account_id, purpose, code_hash, attempts, max_attempts, expires_at,
	used_at, invalidated_at, created_at, ip_address, user_agent, device_fingerprint, risk_score, new_device`

func scanCodeRow(scanner rowScanner) (*models.OneTimeCode, error) {
	var c models.OneTimeCode
	var purpose string
	err := scanner.Scan(
		&c.ID, &c.AccountID, &purpose, &c.CodeHash, &c.Attempts, &c.MaxAttempts, &c.ExpiresAt,
		&c.UsedAt, &c.InvalidatedAt, &c.CreatedAt, &c.IPAddress, &c.UserAgent, &c.DeviceFingerprint,
		&c.RiskScore, &c.NewDevice,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	if c.Purpose, err = models.ParseCodePurpose(purpose); err != nil {
		return nil, err
	}
	return &c, nil
}

// Issue invalidates every live code of the same account and purpose, then
// inserts the new one with a fresh attempt budget, in a single transaction.
func (r *OneTimeCodeRepository) Issue(ctx context.Context, code *models.OneTimeCode) (*models.OneTimeCode, error) {
	return r.issue(ctx, code, nil)
}

// IssueWithBudget is Issue, except the new code starts with the highest attempt
// count among codes of the same account and purpose created since the given
// time. Superseding a code therefore never refills the guess budget. It
// returns ErrCodeExhausted, and changes nothing, once that budget is spent.
func (r *OneTimeCodeRepository) IssueWithBudget(ctx context.Context, code *models.OneTimeCode, since time.Time) (*models.OneTimeCode, error) {
	return r.issue(ctx, code, &since)
}

func (r *OneTimeCodeRepository) issue(ctx context.Context, code *models.OneTimeCode, budgetSince *time.Time) (*models.OneTimeCode, error) {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}

	var issued *models.OneTimeCode
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		// The row locks taken here wait out in-flight ConsumeAttempt calls
		_, err := tx.Exec(ctx, `
			UPDATE one_time_codes SET invalidated_at = $3
			WHERE account_id = $1 AND purpose = $2 AND used_at IS NULL AND invalidated_at IS NULL
		`, code.AccountID, string(code.Purpose), code.CreatedAt)
		if err != nil {
			return fmt.Errorf("invalidate prior codes: %w", err)
		}

		attempts := 0
		if budgetSince != nil {
			err := tx.QueryRow(ctx, `
				SELECT COALESCE(MAX(attempts), 0) FROM one_time_codes
				WHERE account_id = $1 AND purpose = $2 AND created_at >= $3
			`, code.AccountID, string(code.Purpose), *budgetSince).Scan(&attempts)
			if err != nil {
				return fmt.Errorf("read attempt budget: %w", err)
			}
			if attempts >= code.MaxAttempts {
				return models.ErrCodeExhausted
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO one_time_codes (id, account_id, purpose, code_hash, attempts, max_attempts, expires_at, created_at,
				ip_address, user_agent, device_fingerprint, risk_score, new_device)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING `+codeColumns,
			code.ID, code.AccountID, string(code.Purpose), code.CodeHash, attempts, code.MaxAttempts, code.ExpiresAt,
			code.CreatedAt, code.IPAddress, code.UserAgent, code.DeviceFingerprint, code.RiskScore, code.NewDevice,
		)
		issued, err = scanCodeRow(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (r *OneTimeCodeRepository) GetByID(ctx context.Context, id string) (*models.OneTimeCode, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}
	return scanCodeRow(r.db.Pool.QueryRow(ctx, `SELECT `+codeColumns+` FROM one_time_codes WHERE id = $1`, id))
}

// GetActive returns the newest unused, non-invalidated, unexpired code
func (r *OneTimeCodeRepository) GetActive(ctx context.Context, accountID string, purpose models.CodePurpose, now time.Time) (*models.OneTimeCode, error) {
	query := `
		SELECT ` + codeColumns + ` FROM one_time_codes
		WHERE account_id = $1 AND purpose = $2 AND used_at IS NULL AND invalidated_at IS NULL AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanCodeRow(r.db.Pool.QueryRow(ctx, query, accountID, string(purpose), now))
}

// ConsumeAttempt claims one guess against a live code before its hash is
// compared and returns the new attempt count. It returns ErrNotFound when the
// code is used, invalidated, expired or out of attempts, so concurrent guesses
// can never exceed max_attempts.
func (r *OneTimeCodeRepository) ConsumeAttempt(ctx context.Context, id string, now time.Time) (int, error) {
	var attempts int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE one_time_codes SET attempts = attempts + 1
		WHERE id = $1 AND used_at IS NULL AND invalidated_at IS NULL
			AND expires_at > $2 AND attempts < max_attempts
		RETURNING attempts
	`, id, now).Scan(&attempts)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return attempts, nil
}

// Invalidate retires a code. ErrNotFound means it was already invalidated.
func (r *OneTimeCodeRepository) Invalidate(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE one_time_codes SET invalidated_at = $2 WHERE id = $1 AND invalidated_at IS NULL`, id, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkUsed consumes the code. ErrNotFound means another request won the race.
func (r *OneTimeCodeRepository) MarkUsed(ctx context.Context, id string, now time.Time) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE one_time_codes SET used_at = $2
		WHERE id = $1 AND used_at IS NULL AND invalidated_at IS NULL
	`, id, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteExpired removes codes that expired before cutoff
func (r *OneTimeCodeRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM one_time_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return result.RowsAffected(), nil
}
