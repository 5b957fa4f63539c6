package stepup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campusworks/trustcore/pkg/autherr"
)

// MfaStore persists per-user second-factor settings. Counter updates are
// guarded by the record's updated_at timestamp so two concurrent attempts
// cannot silently overwrite each other.
type MfaStore struct {
	db *sql.DB
}

// NewMfaStore creates an MFA settings store and ensures its table
func NewMfaStore(db *sql.DB) (*MfaStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	store := &MfaStore{db: db}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure mfa_settings table: %w", err)
	}
	return store, nil
}

func (s *MfaStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS mfa_settings (
		user_id VARCHAR(255) PRIMARY KEY,
		enabled BOOLEAN NOT NULL DEFAULT true,
		method VARCHAR(16) NOT NULL,
		secret_sealed TEXT NOT NULL,
		backup_codes JSONB NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		last_failure_at TIMESTAMP WITH TIME ZONE,
		last_success_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns a user's setting. Returns autherr.ErrNotEnrolled when the
// user has no record.
func (s *MfaStore) Get(ctx context.Context, userID string) (*MfaSetting, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, enabled, method, secret_sealed, backup_codes,
			failed_attempts, last_failure_at, last_success_at, created_at, updated_at
		FROM mfa_settings
		WHERE user_id = $1
	`, userID)

	var (
		setting     MfaSetting
		codesJSON   []byte
		lastFailure sql.NullTime
		lastSuccess sql.NullTime
	)
	err := row.Scan(&setting.UserID, &setting.Enabled, &setting.Method,
		&setting.SecretSealed, &codesJSON, &setting.FailedAttempts,
		&lastFailure, &lastSuccess, &setting.CreatedAt, &setting.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, autherr.ErrNotEnrolled
		}
		return nil, fmt.Errorf("failed to load mfa setting: %w", err)
	}

	if err := json.Unmarshal(codesJSON, &setting.BackupCodeHashes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup codes: %w", err)
	}
	if lastFailure.Valid {
		setting.LastFailureAt = &lastFailure.Time
	}
	if lastSuccess.Valid {
		setting.LastSuccessAt = &lastSuccess.Time
	}
	return &setting, nil
}

// Save writes a setting, replacing any previous enrollment for the user
func (s *MfaStore) Save(ctx context.Context, setting *MfaSetting) error {
	codesJSON, err := json.Marshal(setting.BackupCodeHashes)
	if err != nil {
		return fmt.Errorf("failed to marshal backup codes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mfa_settings (
			user_id, enabled, method, secret_sealed, backup_codes,
			failed_attempts, last_failure_at, last_success_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 0, NULL, NULL, $6, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET enabled = EXCLUDED.enabled,
			method = EXCLUDED.method,
			secret_sealed = EXCLUDED.secret_sealed,
			backup_codes = EXCLUDED.backup_codes,
			failed_attempts = 0,
			last_failure_at = NULL,
			updated_at = EXCLUDED.updated_at
	`, setting.UserID, setting.Enabled, setting.Method, setting.SecretSealed,
		codesJSON, setting.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save mfa setting: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter if the record has not moved
// since it was read. Returns the new counter value and whether the update
// applied; a lost race means another attempt already recorded its outcome.
func (s *MfaStore) RecordFailure(ctx context.Context, userID string, at, prevUpdatedAt time.Time) (int, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE mfa_settings
		SET failed_attempts = failed_attempts + 1, last_failure_at = $1, updated_at = $1
		WHERE user_id = $2 AND updated_at = $3
		RETURNING failed_attempts
	`, at, userID, prevUpdatedAt)

	var attempts int
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to record mfa failure: %w", err)
	}
	return attempts, true, nil
}

// RecordSuccess resets the failure counter under the same guard
func (s *MfaStore) RecordSuccess(ctx context.Context, userID string, at, prevUpdatedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mfa_settings
		SET failed_attempts = 0, last_success_at = $1, updated_at = $1
		WHERE user_id = $2 AND updated_at = $3
	`, at, userID, prevUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record mfa success: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ResetAttempts clears the failure counter after a lockout window elapses
func (s *MfaStore) ResetAttempts(ctx context.Context, userID string, at, prevUpdatedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mfa_settings
		SET failed_attempts = 0, updated_at = $1
		WHERE user_id = $2 AND updated_at = $3
	`, at, userID, prevUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to reset mfa attempts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ConsumeBackupCode replaces the code list and resets the counter in one
// guarded update. Of two concurrent consumers of the same code, the
// timestamp guard lets exactly one through.
func (s *MfaStore) ConsumeBackupCode(ctx context.Context, userID string, remaining []string, at, prevUpdatedAt time.Time) (bool, error) {
	codesJSON, err := json.Marshal(remaining)
	if err != nil {
		return false, fmt.Errorf("failed to marshal backup codes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE mfa_settings
		SET backup_codes = $1, failed_attempts = 0, last_success_at = $2, updated_at = $2
		WHERE user_id = $3 AND updated_at = $4
	`, codesJSON, at, userID, prevUpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// SetEnabled flips the enabled flag. The record itself is kept.
func (s *MfaStore) SetEnabled(ctx context.Context, userID string, enabled bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mfa_settings
		SET enabled = $1, updated_at = $2
		WHERE user_id = $3
	`, enabled, at, userID)
	if err != nil {
		return fmt.Errorf("failed to update mfa enabled flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return autherr.ErrNotEnrolled
	}
	return nil
}
