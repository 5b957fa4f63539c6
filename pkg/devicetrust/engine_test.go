package devicetrust

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/trustcore/pkg/observability"
)

var deviceTestColumns = []string{
	"id", "user_id", "fingerprint", "trust_level", "trusted", "active",
	"platform", "browser", "os", "user_agent", "country", "city",
	"created_at", "last_used_at", "trusted_at", "revoked_at", "expires_at",
}

var engineNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trusted_devices").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewDeviceStore(db)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	engine := NewEngine(policyConfig(), store, nil, nil, logger, nil)
	engine.now = func() time.Time { return engineNow }
	return engine, mock
}

func deviceRow(mock sqlmock.Sqlmock, level string, trusted bool, expiresAt time.Time) *sqlmock.Rows {
	return mock.NewRows(deviceTestColumns).AddRow(
		"device-1", "user-1", "fp-1", level, trusted, true,
		"macos", "Safari", "macOS 15", "Mozilla/5.0", "US", nil,
		engineNow.Add(-time.Hour), engineNow.Add(-time.Hour), nil, nil, expiresAt)
}

func TestRegisterDeviceCreatesNewRecord(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT (.+) FROM trusted_devices").
		WithArgs("user-1", "fp-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("fp-1", "user-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT DISTINCT country").
		WillReturnRows(mock.NewRows([]string{"country"}))
	mock.ExpectQuery("INSERT INTO trusted_devices").
		WillReturnRows(deviceRow(mock, "high", true, engineNow.Add(90*24*time.Hour)))

	descriptor := Descriptor{Platform: "macos", Browser: "Safari", UserAgent: "Mozilla/5.0"}
	device, err := engine.RegisterDevice(context.Background(), "user-1", "fp-1", descriptor, "203.0.113.9")
	require.NoError(t, err)

	assert.Equal(t, TrustHigh, device.TrustLevel)
	assert.True(t, device.Trusted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDeviceRefreshesExistingUnchanged(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT (.+) FROM trusted_devices").
		WithArgs("user-1", "fp-1").
		WillReturnRows(deviceRow(mock, "medium", true, engineNow.Add(time.Hour)))
	mock.ExpectExec("UPDATE trusted_devices").
		WillReturnResult(sqlmock.NewResult(0, 1))

	device, err := engine.RegisterDevice(context.Background(), "user-1", "fp-1", Descriptor{}, "203.0.113.9")
	require.NoError(t, err)

	// Trust level never changes on re-registration
	assert.Equal(t, TrustMedium, device.TrustLevel)
	assert.Equal(t, engineNow, device.LastUsedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentTrust(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		trusted     bool
		expiresAt   time.Time
		wantLevel   TrustLevel
		wantTrusted bool
	}{
		{"high trusted", "high", true, engineNow.Add(time.Hour), TrustHigh, true},
		{"medium trusted", "medium", true, engineNow.Add(time.Hour), TrustMedium, true},
		{"low level is never enough", "low", true, engineNow.Add(time.Hour), TrustLow, false},
		{"flag cleared", "high", false, engineNow.Add(time.Hour), TrustHigh, false},
		{"expired record still on disk", "high", true, engineNow.Add(-time.Minute), TrustUntrusted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, mock := newTestEngine(t)
			mock.ExpectQuery("SELECT (.+) FROM trusted_devices").
				WithArgs("user-1", "fp-1").
				WillReturnRows(deviceRow(mock, tt.level, tt.trusted, tt.expiresAt))

			level, trusted, err := engine.CurrentTrust(context.Background(), "user-1", "fp-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, level)
			assert.Equal(t, tt.wantTrusted, trusted)
		})
	}
}

func TestIsDeviceTrustedUnknownDevice(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT (.+) FROM trusted_devices").
		WithArgs("user-1", "fp-unknown").
		WillReturnError(sql.ErrNoRows)

	trusted, err := engine.IsDeviceTrusted(context.Background(), "user-1", "fp-unknown")
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestPromoteDevice(t *testing.T) {
	engine, mock := newTestEngine(t)

	promoted := mock.NewRows(deviceTestColumns).AddRow(
		"device-1", "user-1", "fp-1", "verified", true, true,
		"macos", "Safari", "macOS 15", "Mozilla/5.0", "US", nil,
		engineNow.Add(-time.Hour), engineNow, engineNow, nil,
		engineNow.Add(90*24*time.Hour))
	mock.ExpectQuery("UPDATE trusted_devices").
		WillReturnRows(promoted)

	device, err := engine.PromoteDevice(context.Background(), "user-1", "device-1", TrustVerified, true)
	require.NoError(t, err)
	assert.Equal(t, TrustVerified, device.TrustLevel)
	assert.True(t, device.Trusted)
}

func TestRevokeDevice(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectExec("UPDATE trusted_devices").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, engine.RevokeDevice(context.Background(), "user-1", "device-1"))
}

func TestRevokeDeviceAlreadyInactive(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectExec("UPDATE trusted_devices").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Error(t, engine.RevokeDevice(context.Background(), "user-1", "device-gone"))
}

func TestSweepExpiredDrainsInBatches(t *testing.T) {
	engine, mock := newTestEngine(t)
	engine.cfg.SweepBatchSize = 2

	mock.ExpectExec("UPDATE trusted_devices").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE trusted_devices").
		WillReturnResult(sqlmock.NewResult(0, 1))

	total, err := engine.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
