package repositories

import (
	"context"
	"fmt"

	"github.com/BradenHooton/leasegate/internal/database"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/google/uuid"
)

// DeviceRepository tracks the fingerprints each account has logged in from
type DeviceRepository struct {
	db *database.DB
}

func NewDeviceRepository(db *database.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) IsKnown(ctx context.Context, accountID, fingerprint string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM device_fingerprints WHERE account_id = $1 AND fingerprint = $2)`

	var known bool
	if err := r.db.Pool.QueryRow(ctx, query, accountID, fingerprint).Scan(&known); err != nil {
		return false, fmt.Errorf("check device: %w", err)
	}
	return known, nil
}

func (r *DeviceRepository) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM device_fingerprints WHERE account_id = $1`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

// Touch upserts the device and reports whether the row was newly created
func (r *DeviceRepository) Touch(ctx context.Context, d *models.DeviceFingerprint) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	query := `
		INSERT INTO device_fingerprints (id, account_id, fingerprint, user_agent, ip_address, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (account_id, fingerprint)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, ip_address = EXCLUDED.ip_address
		RETURNING id, first_seen_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.db.Pool.QueryRow(ctx, query, d.ID, d.AccountID, d.Fingerprint, d.UserAgent, d.IPAddress, d.LastSeenAt).
		Scan(&d.ID, &d.FirstSeenAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("touch device: %w", database.MapPostgresError(err))
	}
	return inserted, nil
}
