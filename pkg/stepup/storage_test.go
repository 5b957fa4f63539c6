package stepup

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/trustcore/pkg/autherr"
)

var mfaSettingColumns = []string{
	"user_id", "enabled", "method", "secret_sealed", "backup_codes",
	"failed_attempts", "last_failure_at", "last_success_at", "created_at", "updated_at",
}

var storeNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func newTestMfaStore(t *testing.T) (*MfaStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mfa_settings").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewMfaStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestMfaStoreGet(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectQuery("SELECT (.+) FROM mfa_settings").
		WithArgs("user-1").
		WillReturnRows(mock.NewRows(mfaSettingColumns).AddRow(
			"user-1", true, "totp", "sealed-secret", []byte(`["hash-a","hash-b"]`),
			2, storeNow.Add(-time.Minute), nil, storeNow.Add(-time.Hour), storeNow))

	setting, err := store.Get(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, "user-1", setting.UserID)
	assert.True(t, setting.Enabled)
	assert.Equal(t, []string{"hash-a", "hash-b"}, setting.BackupCodeHashes)
	assert.Equal(t, 2, setting.FailedAttempts)
	require.NotNil(t, setting.LastFailureAt)
	assert.Nil(t, setting.LastSuccessAt)
}

func TestMfaStoreGetNotEnrolled(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectQuery("SELECT (.+) FROM mfa_settings").
		WithArgs("user-missing").
		WillReturnRows(mock.NewRows(mfaSettingColumns))

	_, err := store.Get(context.Background(), "user-missing")
	assert.ErrorIs(t, err, autherr.ErrNotEnrolled)
}

func TestMfaStoreSave(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectExec("INSERT INTO mfa_settings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), &MfaSetting{
		UserID:           "user-1",
		Enabled:          true,
		Method:           "totp",
		SecretSealed:     "sealed-secret",
		BackupCodeHashes: []string{"hash-a"},
		CreatedAt:        storeNow,
		UpdatedAt:        storeNow,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFailureApplied(t *testing.T) {
	store, mock := newTestMfaStore(t)

	prev := storeNow.Add(-time.Minute)
	mock.ExpectQuery("UPDATE mfa_settings").
		WithArgs(storeNow, "user-1", prev).
		WillReturnRows(mock.NewRows([]string{"failed_attempts"}).AddRow(3))

	attempts, applied, err := store.RecordFailure(context.Background(), "user-1", storeNow, prev)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3, attempts)
}

func TestRecordFailureLostRace(t *testing.T) {
	store, mock := newTestMfaStore(t)

	// Another attempt moved updated_at first; the guarded update matches
	// nothing and the caller rereads.
	mock.ExpectQuery("UPDATE mfa_settings").
		WillReturnRows(mock.NewRows([]string{"failed_attempts"}))

	_, applied, err := store.RecordFailure(context.Background(), "user-1", storeNow, storeNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRecordSuccess(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectExec("UPDATE mfa_settings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := store.RecordSuccess(context.Background(), "user-1", storeNow, storeNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestConsumeBackupCode(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectExec("UPDATE mfa_settings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := store.ConsumeBackupCode(context.Background(), "user-1",
		[]string{"hash-b"}, storeNow, storeNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestConsumeBackupCodeLostRace(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectExec("UPDATE mfa_settings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := store.ConsumeBackupCode(context.Background(), "user-1",
		[]string{"hash-b"}, storeNow, storeNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSetEnabledNotEnrolled(t *testing.T) {
	store, mock := newTestMfaStore(t)

	mock.ExpectExec("UPDATE mfa_settings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetEnabled(context.Background(), "user-missing", false, storeNow)
	assert.ErrorIs(t, err, autherr.ErrNotEnrolled)
}
