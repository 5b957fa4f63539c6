// Package config loads trust core configuration from environment variables.
// Every risk weight, threshold, and lockout knob the engines consume is
// settable here; the defaults are the shipped security policy.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/campusworks/trustcore/pkg/observability"
	"github.com/campusworks/trustcore/pkg/storage"
)

// Config holds all trust core configuration
type Config struct {
	// Storage configuration
	Storage storage.Config

	// Observability configuration
	Observability ObservabilityConfig

	// Federation configuration
	Federation FederationConfig

	// DeviceTrust configuration
	DeviceTrust DeviceTrustConfig

	// StepUp configuration
	StepUp StepUpConfig

	// Secrets configuration
	Secrets SecretsConfig
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// FederationConfig holds assertion validation settings
type FederationConfig struct {
	// EntityID is this service provider's own entity identifier; assertion
	// audiences must match it exactly.
	EntityID string
	// BaseURL is the externally visible base URL used to derive the
	// assertion consumer service endpoint.
	BaseURL string
	// RelayStateTTL bounds how long an outbound authentication request may
	// remain outstanding.
	RelayStateTTL time.Duration
	// DefaultClockSkew applies when a provider config does not set its own.
	DefaultClockSkew time.Duration
	// MinReplayTTL is the floor for assertion replay markers even when the
	// assertion is about to expire.
	MinReplayTTL time.Duration
	// ProviderCacheSize bounds the in-process cache of built service
	// providers (keyed by provider id + config version).
	ProviderCacheSize int
	// SigningCertificate and SigningKey are this service provider's PEM
	// keypair, required only when a provider has sign_requests enabled.
	SigningCertificate string
	SigningKey         string
	// UpstreamTimeout bounds token exchange and profile fetch calls.
	UpstreamTimeout time.Duration
}

// DeviceTrustConfig holds device trust policy
type DeviceTrustConfig struct {
	// TrustHorizon is how long a registered device stays trusted.
	TrustHorizon time.Duration
	// SweepSchedule is a cron expression for the expiry sweep.
	SweepSchedule string
	// SweepBatchSize bounds how many records one sweep pass deactivates.
	SweepBatchSize int
	// HighRiskCountries are ISO country codes that draw an extra penalty.
	HighRiskCountries []string
	// KnownPlatforms are platform names that draw no penalty.
	KnownPlatforms []string

	// Risk weights (subtracted from the 100 baseline)
	WeightSharedFingerprint int
	WeightAutomation        int
	WeightUnknownPlatform   int
	WeightNewCountry        int
	WeightHighRiskCountry   int
	WeightOffHours          int

	// Level thresholds: score below Critical is CRITICAL, below High is
	// HIGH, below Medium is MEDIUM, otherwise LOW.
	ThresholdCritical int
	ThresholdHigh     int
	ThresholdMedium   int

	// Initial trust thresholds applied at registration
	InitialHighScore   int
	InitialMediumScore int

	// Business hours window for the off-hours penalty (local server time)
	BusinessHoursStart int
	BusinessHoursEnd   int
}

// StepUpConfig holds second-factor policy
type StepUpConfig struct {
	// Issuer appears in provisioning URIs.
	Issuer string
	// MaxFailedAttempts is the failure count that engages the lockout.
	MaxFailedAttempts int
	// LockoutWindow is the cooldown after the lockout engages.
	LockoutWindow time.Duration
	// PendingEnrollmentTTL bounds how long an unconfirmed enrollment lives.
	PendingEnrollmentTTL time.Duration
	// CodeReplayTTL spans the TOTP acceptance window.
	CodeReplayTTL time.Duration
	// TOTPSkew is the accepted number of 30s steps either side of now.
	TOTPSkew uint
	// BackupCodeCount is how many recovery codes an enrollment issues.
	BackupCodeCount int
}

// SecretsConfig holds encryption-at-rest keys
type SecretsConfig struct {
	// EncryptionKey is the primary 32-byte key, base64 encoded in the
	// environment.
	EncryptionKey []byte
	// PreviousKeys are retired keys still accepted for decryption.
	PreviousKeys [][]byte
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Federation:    loadFederationConfig(),
		DeviceTrust:   loadDeviceTrustConfig(),
		StepUp:        loadStepUpConfig(),
	}

	secrets, err := loadSecretsConfig()
	if err != nil {
		return nil, err
	}
	cfg.Secrets = secrets

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("TRUSTCORE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("TRUSTCORE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TRUSTCORE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TRUSTCORE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	if redisURL := getEnv("TRUSTCORE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TRUSTCORE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TRUSTCORE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if opTimeout := getEnvDuration("TRUSTCORE_OPERATION_TIMEOUT", 0); opTimeout > 0 {
		cfg.OperationTimeout = opTimeout
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("TRUSTCORE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("TRUSTCORE_METRICS_ENABLED", true),
	}
}

// loadFederationConfig loads federation configuration from environment
func loadFederationConfig() FederationConfig {
	return FederationConfig{
		EntityID:           getEnv("TRUSTCORE_SP_ENTITY_ID", ""),
		BaseURL:            getEnv("TRUSTCORE_BASE_URL", ""),
		RelayStateTTL:      getEnvDuration("TRUSTCORE_RELAY_STATE_TTL", 10*time.Minute),
		DefaultClockSkew:   getEnvDuration("TRUSTCORE_CLOCK_SKEW", 2*time.Minute),
		MinReplayTTL:       getEnvDuration("TRUSTCORE_MIN_REPLAY_TTL", 60*time.Second),
		ProviderCacheSize:  getEnvInt("TRUSTCORE_PROVIDER_CACHE_SIZE", 64),
		SigningCertificate: getEnv("TRUSTCORE_SP_SIGNING_CERT", ""),
		SigningKey:         getEnv("TRUSTCORE_SP_SIGNING_KEY", ""),
		UpstreamTimeout:    getEnvDuration("TRUSTCORE_UPSTREAM_TIMEOUT", 10*time.Second),
	}
}

// loadDeviceTrustConfig loads device trust policy from environment
func loadDeviceTrustConfig() DeviceTrustConfig {
	return DeviceTrustConfig{
		TrustHorizon:      getEnvDuration("TRUSTCORE_TRUST_HORIZON", 90*24*time.Hour),
		SweepSchedule:     getEnv("TRUSTCORE_SWEEP_SCHEDULE", "0 */6 * * *"),
		SweepBatchSize:    getEnvInt("TRUSTCORE_SWEEP_BATCH_SIZE", 500),
		HighRiskCountries: getEnvList("TRUSTCORE_HIGH_RISK_COUNTRIES", nil),
		KnownPlatforms: getEnvList("TRUSTCORE_KNOWN_PLATFORMS",
			[]string{"windows", "macos", "linux", "ios", "android"}),

		WeightSharedFingerprint: getEnvInt("TRUSTCORE_WEIGHT_SHARED_FINGERPRINT", 30),
		WeightAutomation:        getEnvInt("TRUSTCORE_WEIGHT_AUTOMATION", 50),
		WeightUnknownPlatform:   getEnvInt("TRUSTCORE_WEIGHT_UNKNOWN_PLATFORM", 20),
		WeightNewCountry:        getEnvInt("TRUSTCORE_WEIGHT_NEW_COUNTRY", 25),
		WeightHighRiskCountry:   getEnvInt("TRUSTCORE_WEIGHT_HIGH_RISK_COUNTRY", 40),
		WeightOffHours:          getEnvInt("TRUSTCORE_WEIGHT_OFF_HOURS", 10),

		ThresholdCritical: getEnvInt("TRUSTCORE_RISK_THRESHOLD_CRITICAL", 50),
		ThresholdHigh:     getEnvInt("TRUSTCORE_RISK_THRESHOLD_HIGH", 70),
		ThresholdMedium:   getEnvInt("TRUSTCORE_RISK_THRESHOLD_MEDIUM", 85),

		InitialHighScore:   getEnvInt("TRUSTCORE_INITIAL_HIGH_SCORE", 90),
		InitialMediumScore: getEnvInt("TRUSTCORE_INITIAL_MEDIUM_SCORE", 75),

		BusinessHoursStart: getEnvInt("TRUSTCORE_BUSINESS_HOURS_START", 6),
		BusinessHoursEnd:   getEnvInt("TRUSTCORE_BUSINESS_HOURS_END", 22),
	}
}

// loadStepUpConfig loads second-factor policy from environment
func loadStepUpConfig() StepUpConfig {
	return StepUpConfig{
		Issuer:               getEnv("TRUSTCORE_MFA_ISSUER", "trustcore"),
		MaxFailedAttempts:    getEnvInt("TRUSTCORE_MFA_MAX_FAILED_ATTEMPTS", 5),
		LockoutWindow:        getEnvDuration("TRUSTCORE_MFA_LOCKOUT_WINDOW", 30*time.Minute),
		PendingEnrollmentTTL: getEnvDuration("TRUSTCORE_MFA_PENDING_TTL", 15*time.Minute),
		CodeReplayTTL:        getEnvDuration("TRUSTCORE_MFA_CODE_REPLAY_TTL", 90*time.Second),
		TOTPSkew:             uint(getEnvInt("TRUSTCORE_MFA_TOTP_SKEW", 2)),
		BackupCodeCount:      getEnvInt("TRUSTCORE_MFA_BACKUP_CODE_COUNT", 10),
	}
}

// loadSecretsConfig decodes encryption keys from environment
func loadSecretsConfig() (SecretsConfig, error) {
	cfg := SecretsConfig{}

	encoded := getEnv("TRUSTCORE_ENCRYPTION_KEY", "")
	if encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return cfg, fmt.Errorf("TRUSTCORE_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		cfg.EncryptionKey = key
	}

	for _, prev := range getEnvList("TRUSTCORE_PREVIOUS_ENCRYPTION_KEYS", nil) {
		key, err := base64.StdEncoding.DecodeString(prev)
		if err != nil {
			return cfg, fmt.Errorf("TRUSTCORE_PREVIOUS_ENCRYPTION_KEYS entry is not valid base64: %w", err)
		}
		cfg.PreviousKeys = append(cfg.PreviousKeys, key)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Federation.EntityID == "" {
		return fmt.Errorf("SP entity ID is required")
	}
	if c.Federation.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if len(c.Secrets.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(c.Secrets.EncryptionKey))
	}
	if c.StepUp.MaxFailedAttempts < 1 {
		return fmt.Errorf("MFA max failed attempts must be at least 1")
	}
	if c.StepUp.BackupCodeCount < 1 {
		return fmt.Errorf("backup code count must be at least 1")
	}
	if c.DeviceTrust.TrustHorizon <= 0 {
		return fmt.Errorf("trust horizon must be positive")
	}
	if !(c.DeviceTrust.ThresholdCritical < c.DeviceTrust.ThresholdHigh &&
		c.DeviceTrust.ThresholdHigh < c.DeviceTrust.ThresholdMedium) {
		return fmt.Errorf("risk thresholds must be strictly increasing (critical < high < medium)")
	}
	if c.DeviceTrust.BusinessHoursStart < 0 || c.DeviceTrust.BusinessHoursEnd > 24 ||
		c.DeviceTrust.BusinessHoursStart >= c.DeviceTrust.BusinessHoursEnd {
		return fmt.Errorf("business hours window is invalid")
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
