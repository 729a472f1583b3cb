package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/leasegate/internal/database"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/google/uuid"
)

type SecurityAlertRepository struct {
	db *database.DB
}

func NewSecurityAlertRepository(db *database.DB) *SecurityAlertRepository {
	return &SecurityAlertRepository{db: db}
}

func (r *SecurityAlertRepository) Create(ctx context.Context, alert *models.SecurityAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if !alert.Kind.Valid() {
		return fmt.Errorf("create alert: %w", models.ErrBadRequest)
	}

	query := `
		INSERT INTO security_alerts (id, account_id, kind, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query, alert.ID, alert.AccountID, alert.Kind.String(), alert.Metadata, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("create alert: %w", database.MapPostgresError(err))
	}
	return nil
}

// ListRecentByAccount returns alerts newest first
func (r *SecurityAlertRepository) ListRecentByAccount(ctx context.Context, accountID string, limit int) ([]*models.SecurityAlert, error) {
	query := `
		SELECT id, account_id, kind, metadata, acknowledged, acknowledged_at, created_at
		FROM security_alerts
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]*models.SecurityAlert, 0)
	for rows.Next() {
		var a models.SecurityAlert
		var kind string
		if err := rows.Scan(&a.ID, &a.AccountID, &kind, &a.Metadata, &a.Acknowledged, &a.AcknowledgedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if a.Kind, err = models.ParseAlertKind(kind); err != nil {
			return nil, err
		}
		alerts = append(alerts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return alerts, nil
}

// Acknowledge marks an alert owned by accountID as seen. It is idempotent.
func (r *SecurityAlertRepository) Acknowledge(ctx context.Context, id, accountID string, now time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return models.ErrNotFound
	}

	result, err := r.db.Pool.Exec(ctx, `
		UPDATE security_alerts
		SET acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, $3)
		WHERE id = $1 AND account_id = $2
	`, id, accountID, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
