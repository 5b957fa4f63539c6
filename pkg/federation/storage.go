package federation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/campusworks/trustcore/pkg/autherr"
)

// ProviderStore persists identity provider configuration
type ProviderStore struct {
	db *sql.DB
}

// NewProviderStore creates a provider store and ensures its table
func NewProviderStore(db *sql.DB) (*ProviderStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	store := &ProviderStore{db: db}
	if err := store.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure identity_providers table: %w", err)
	}
	return store, nil
}

func (s *ProviderStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS identity_providers (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		version INTEGER NOT NULL DEFAULT 1,
		entity_id TEXT NOT NULL,
		sso_url TEXT NOT NULL,
		slo_url TEXT,
		certificate TEXT NOT NULL,
		sign_requests BOOLEAN NOT NULL DEFAULT false,
		require_signed_assertions BOOLEAN NOT NULL DEFAULT true,
		name_id_format TEXT,
		clock_skew_seconds INTEGER NOT NULL DEFAULT 0,
		attribute_mapping JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Create inserts a validated provider configuration
func (s *ProviderStore) Create(ctx context.Context, config *ProviderConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	mappingJSON, err := json.Marshal(config.AttributeMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identity_providers (
			id, name, enabled, version, entity_id, sso_url, slo_url, certificate,
			sign_requests, require_signed_assertions, name_id_format,
			clock_skew_seconds, attribute_mapping, created_at, updated_at
		)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, config.ID, config.Name, config.Enabled, config.EntityID, config.SSOURL,
		nullIfEmpty(config.SLOURL), config.Certificate, config.SignRequests,
		config.RequireSignedAssertions, nullIfEmpty(config.NameIDFormat),
		int(config.ClockSkew/time.Second), mappingJSON)
	if err != nil {
		return fmt.Errorf("failed to insert provider: %w", err)
	}
	config.Version = 1
	return nil
}

// Get retrieves a provider by id. Returns autherr.ErrConfigurationMissing
// when absent.
func (s *ProviderStore) Get(ctx context.Context, id string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, version, entity_id, sso_url, slo_url, certificate,
			sign_requests, require_signed_assertions, name_id_format,
			clock_skew_seconds, attribute_mapping, created_at, updated_at
		FROM identity_providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

// List returns all providers, optionally only enabled ones
func (s *ProviderStore) List(ctx context.Context, enabledOnly bool) ([]*ProviderConfig, error) {
	query := `
		SELECT id, name, enabled, version, entity_id, sso_url, slo_url, certificate,
			sign_requests, require_signed_assertions, name_id_format,
			clock_skew_seconds, attribute_mapping, created_at, updated_at
		FROM identity_providers
	`
	if enabledOnly {
		query += " WHERE enabled = true"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		config, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, config)
	}
	return providers, rows.Err()
}

// Update rewrites a provider configuration and bumps its version. The
// caller must invalidate the validator's cache afterwards.
func (s *ProviderStore) Update(ctx context.Context, config *ProviderConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}

	mappingJSON, err := json.Marshal(config.AttributeMapping)
	if err != nil {
		return fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE identity_providers
		SET name = $1, enabled = $2, entity_id = $3, sso_url = $4, slo_url = $5,
			certificate = $6, sign_requests = $7, require_signed_assertions = $8,
			name_id_format = $9, clock_skew_seconds = $10, attribute_mapping = $11,
			version = version + 1, updated_at = NOW()
		WHERE id = $12
		RETURNING version
	`, config.Name, config.Enabled, config.EntityID, config.SSOURL,
		nullIfEmpty(config.SLOURL), config.Certificate, config.SignRequests,
		config.RequireSignedAssertions, nullIfEmpty(config.NameIDFormat),
		int(config.ClockSkew/time.Second), mappingJSON, config.ID)

	if err := row.Scan(&config.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return autherr.ErrConfigurationMissing
		}
		return fmt.Errorf("failed to update provider: %w", err)
	}
	return nil
}

// scanner covers sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row scanner) (*ProviderConfig, error) {
	var (
		config       ProviderConfig
		sloURL       sql.NullString
		nameIDFormat sql.NullString
		skewSeconds  int
		mappingJSON  []byte
	)

	err := row.Scan(&config.ID, &config.Name, &config.Enabled, &config.Version,
		&config.EntityID, &config.SSOURL, &sloURL, &config.Certificate,
		&config.SignRequests, &config.RequireSignedAssertions, &nameIDFormat,
		&skewSeconds, &mappingJSON, &config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, autherr.ErrConfigurationMissing
		}
		return nil, fmt.Errorf("failed to scan provider: %w", err)
	}

	config.SLOURL = sloURL.String
	config.NameIDFormat = nameIDFormat.String
	config.ClockSkew = time.Duration(skewSeconds) * time.Second

	if err := json.Unmarshal(mappingJSON, &config.AttributeMapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
	}
	return &config, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
