package devicetrust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DeviceStore persists trusted device records
type DeviceStore struct {
	db *sql.DB
}

// NewDeviceStore creates a device store and ensures its table
func NewDeviceStore(db *sql.DB) (*DeviceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	store := &DeviceStore{db: db}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure trusted_devices table: %w", err)
	}
	return store, nil
}

func (s *DeviceStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS trusted_devices (
		id UUID PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		fingerprint VARCHAR(64) NOT NULL,
		trust_level VARCHAR(16) NOT NULL,
		trusted BOOLEAN NOT NULL DEFAULT false,
		active BOOLEAN NOT NULL DEFAULT true,
		platform VARCHAR(64),
		browser VARCHAR(64),
		os VARCHAR(64),
		user_agent TEXT,
		country VARCHAR(8),
		city VARCHAR(128),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_used_at TIMESTAMP WITH TIME ZONE NOT NULL,
		trusted_at TIMESTAMP WITH TIME ZONE,
		revoked_at TIMESTAMP WITH TIME ZONE,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS trusted_devices_active_pair
		ON trusted_devices (user_id, fingerprint) WHERE active;
	CREATE INDEX IF NOT EXISTS trusted_devices_expiry
		ON trusted_devices (expires_at) WHERE active;
	`
	_, err := s.db.Exec(query)
	return err
}

const deviceColumns = `id, user_id, fingerprint, trust_level, trusted, active,
	platform, browser, os, user_agent, country, city,
	created_at, last_used_at, trusted_at, revoked_at, expires_at`

// Upsert inserts a device record; if an active record for the same
// (user, fingerprint) pair already exists it refreshes the last-used and
// location fields instead and returns the existing record. The conflict
// target makes concurrent duplicate registrations converge on one row.
func (s *DeviceStore) Upsert(ctx context.Context, device *TrustedDevice) (*TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO trusted_devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7, $8, $9, $10, $11, $12, $12, $13, NULL, $14)
		ON CONFLICT (user_id, fingerprint) WHERE active DO UPDATE
		SET last_used_at = EXCLUDED.last_used_at,
			country = EXCLUDED.country,
			city = EXCLUDED.city
		RETURNING `+deviceColumns,
		device.ID, device.UserID, device.Fingerprint, device.TrustLevel.String(),
		device.Trusted, nullIfEmpty(device.Descriptor.Platform),
		nullIfEmpty(device.Descriptor.Browser), nullIfEmpty(device.Descriptor.OS),
		nullIfEmpty(device.Descriptor.UserAgent), nullIfEmpty(device.Country),
		nullIfEmpty(device.City), device.CreatedAt, device.TrustedAt, device.ExpiresAt)
	return scanDevice(row)
}

// GetActive returns the active record for a (user, fingerprint) pair, or
// nil when none exists.
func (s *DeviceStore) GetActive(ctx context.Context, userID, fingerprint string) (*TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		FROM trusted_devices
		WHERE user_id = $1 AND fingerprint = $2 AND active
	`, userID, fingerprint)

	device, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return device, err
}

// Touch refreshes the last-used and location fields of an active record
func (s *DeviceStore) Touch(ctx context.Context, deviceID, country, city string, usedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trusted_devices
		SET last_used_at = $1,
			country = COALESCE(NULLIF($2, ''), country),
			city = COALESCE(NULLIF($3, ''), city)
		WHERE id = $4 AND active
	`, usedAt, country, city, deviceID)
	return err
}

// SharedWithOtherUser reports whether the fingerprint is registered under
// any other user.
func (s *DeviceStore) SharedWithOtherUser(ctx context.Context, userID, fingerprint string) (bool, error) {
	var shared bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trusted_devices
			WHERE fingerprint = $1 AND user_id <> $2 AND active
		)
	`, fingerprint, userID).Scan(&shared)
	return shared, err
}

// RecentCountries lists the countries this user has logged in from since
// the given time.
func (s *DeviceStore) RecentCountries(ctx context.Context, userID string, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT country FROM trusted_devices
		WHERE user_id = $1 AND last_used_at >= $2 AND country IS NOT NULL
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent countries: %w", err)
	}
	defer rows.Close()

	var countries []string
	for rows.Next() {
		var country string
		if err := rows.Scan(&country); err != nil {
			return nil, err
		}
		countries = append(countries, country)
	}
	return countries, rows.Err()
}

// Promote raises an active record's trust level. A nil expiresAt keeps the
// current expiry.
func (s *DeviceStore) Promote(ctx context.Context, userID, deviceID string, level TrustLevel, trustedAt time.Time, expiresAt *time.Time) (*TrustedDevice, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE trusted_devices
		SET trust_level = $1, trusted = true, trusted_at = $2,
			expires_at = COALESCE($3, expires_at)
		WHERE id = $4 AND user_id = $5 AND active
		RETURNING `+deviceColumns,
		level.String(), trustedAt, expiresAt, deviceID, userID)
	return scanDevice(row)
}

// Revoke deactivates a record permanently. Revocation is terminal: the row
// is never reactivated, a new registration creates a new row.
func (s *DeviceStore) Revoke(ctx context.Context, userID, deviceID string, revokedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE trusted_devices
		SET trusted = false, active = false, revoked_at = $1
		WHERE id = $2 AND user_id = $3 AND active
	`, revokedAt, deviceID, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeactivateExpired marks up to batchSize active-but-expired records
// inactive and returns how many it touched. Safe to run concurrently with
// logins; trust checks re-evaluate expiry at read time regardless.
func (s *DeviceStore) DeactivateExpired(ctx context.Context, asOf time.Time, batchSize int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE trusted_devices
		SET active = false
		WHERE id IN (
			SELECT id FROM trusted_devices
			WHERE active AND expires_at < $1
			LIMIT $2
		)
	`, asOf, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired devices: %w", err)
	}
	return result.RowsAffected()
}

func scanDevice(row interface{ Scan(...interface{}) error }) (*TrustedDevice, error) {
	var (
		device     TrustedDevice
		trustLevel string
		platform   sql.NullString
		browser    sql.NullString
		osName     sql.NullString
		userAgent  sql.NullString
		country    sql.NullString
		city       sql.NullString
		trustedAt  sql.NullTime
		revokedAt  sql.NullTime
	)

	err := row.Scan(&device.ID, &device.UserID, &device.Fingerprint, &trustLevel,
		&device.Trusted, &device.Active, &platform, &browser, &osName, &userAgent,
		&country, &city, &device.CreatedAt, &device.LastUsedAt, &trustedAt,
		&revokedAt, &device.ExpiresAt)
	if err != nil {
		return nil, err
	}

	device.TrustLevel = ParseTrustLevel(trustLevel)
	device.Descriptor = Descriptor{
		Platform:  platform.String,
		Browser:   browser.String,
		OS:        osName.String,
		UserAgent: userAgent.String,
	}
	device.Country = country.String
	device.City = city.String
	if trustedAt.Valid {
		device.TrustedAt = &trustedAt.Time
	}
	if revokedAt.Valid {
		device.RevokedAt = &revokedAt.Time
	}
	return &device, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
