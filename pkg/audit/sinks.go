package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/campusworks/trustcore/pkg/observability"
)

// PostgresSink persists audit events to the audit_events table
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a database-backed sink and ensures its table
func NewPostgresSink(db *sql.DB) (*PostgresSink, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	sink := &PostgresSink{db: db}
	if err := sink.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}
	return sink, nil
}

func (s *PostgresSink) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		name VARCHAR(100) NOT NULL,
		user_id VARCHAR(255),
		provider_id VARCHAR(255),
		ip_address VARCHAR(45),
		attributes JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_name ON audit_events(name);
	CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events(user_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Write inserts one event row
func (s *PostgresSink) Write(ctx context.Context, event Event) error {
	var attrsJSON []byte
	if event.Attributes != nil {
		var err error
		attrsJSON, err = json.Marshal(event.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, name, user_id, provider_id, ip_address, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.Timestamp, string(event.Name),
		nullable(event.UserID), nullable(event.ProviderID), nullable(event.IPAddress), attrsJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// LogSink writes audit events to the structured logger
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a logger-backed sink
func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Write logs one event at INFO
func (s *LogSink) Write(_ context.Context, event Event) error {
	fields := map[string]interface{}{
		"audit_id":  event.ID,
		"event":     string(event.Name),
		"timestamp": event.Timestamp,
	}
	if event.UserID != "" {
		fields["user_id"] = event.UserID
	}
	if event.ProviderID != "" {
		fields["provider_id"] = event.ProviderID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	for k, v := range event.Attributes {
		fields["attr_"+k] = v
	}

	s.logger.WithFields(fields).Info("audit event")
	return nil
}
