package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/trustcore/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TRUSTCORE_SP_ENTITY_ID", "https://sp.example.com")
	t.Setenv("TRUSTCORE_BASE_URL", "https://sp.example.com")
	t.Setenv("TRUSTCORE_POSTGRES_URL", "postgres://localhost/trustcore?sslmode=disable")
	t.Setenv("TRUSTCORE_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 90*24*time.Hour, cfg.DeviceTrust.TrustHorizon)
	assert.Equal(t, 30, cfg.DeviceTrust.WeightSharedFingerprint)
	assert.Equal(t, 50, cfg.DeviceTrust.WeightAutomation)
	assert.Equal(t, 50, cfg.DeviceTrust.ThresholdCritical)
	assert.Equal(t, 70, cfg.DeviceTrust.ThresholdHigh)
	assert.Equal(t, 85, cfg.DeviceTrust.ThresholdMedium)
	assert.Equal(t, 5, cfg.StepUp.MaxFailedAttempts)
	assert.Equal(t, 30*time.Minute, cfg.StepUp.LockoutWindow)
	assert.Equal(t, 15*time.Minute, cfg.StepUp.PendingEnrollmentTTL)
	assert.Equal(t, uint(2), cfg.StepUp.TOTPSkew)
	assert.Equal(t, 10, cfg.StepUp.BackupCodeCount)
	assert.Equal(t, 10*time.Minute, cfg.Federation.RelayStateTTL)
	assert.Equal(t, 60*time.Second, cfg.Federation.MinReplayTTL)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRUSTCORE_WEIGHT_SHARED_FINGERPRINT", "45")
	t.Setenv("TRUSTCORE_MFA_MAX_FAILED_ATTEMPTS", "3")
	t.Setenv("TRUSTCORE_TRUST_HORIZON", "720h")
	t.Setenv("TRUSTCORE_HIGH_RISK_COUNTRIES", "AA, BB ,CC")
	t.Setenv("TRUSTCORE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.DeviceTrust.WeightSharedFingerprint)
	assert.Equal(t, 3, cfg.StepUp.MaxFailedAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.DeviceTrust.TrustHorizon)
	assert.Equal(t, []string{"AA", "BB", "CC"}, cfg.DeviceTrust.HighRiskCountries)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T)
		wantErr string
	}{
		{
			name:    "missing entity ID",
			prepare: func(t *testing.T) { t.Setenv("TRUSTCORE_SP_ENTITY_ID", "") },
			wantErr: "SP entity ID",
		},
		{
			name:    "missing postgres URL",
			prepare: func(t *testing.T) { t.Setenv("TRUSTCORE_POSTGRES_URL", "") },
			wantErr: "postgres URL",
		},
		{
			name: "short encryption key",
			prepare: func(t *testing.T) {
				t.Setenv("TRUSTCORE_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
			},
			wantErr: "encryption key",
		},
		{
			name: "non-increasing thresholds",
			prepare: func(t *testing.T) {
				t.Setenv("TRUSTCORE_RISK_THRESHOLD_CRITICAL", "90")
			},
			wantErr: "risk thresholds",
		},
		{
			name: "inverted business hours",
			prepare: func(t *testing.T) {
				t.Setenv("TRUSTCORE_BUSINESS_HOURS_START", "23")
			},
			wantErr: "business hours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			tt.prepare(t)

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigRejectsBadKeyEncoding(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TRUSTCORE_ENCRYPTION_KEY", "!!not-base64!!")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base64")
}
