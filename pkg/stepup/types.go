package stepup

import "time"

// MfaSetting is the durable per-user second-factor record. The shared
// secret is stored sealed; backup codes are stored as bcrypt hashes only.
// The record is never hard-deleted: disabling clears the enabled flag.
type MfaSetting struct {
	UserID  string `json:"user_id"`
	Enabled bool   `json:"enabled"`
	Method  string `json:"method"`

	SecretSealed     string   `json:"-"`
	BackupCodeHashes []string `json:"-"`

	FailedAttempts int        `json:"failed_attempts"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt  *time.Time `json:"last_success_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Enrollment is the output of beginning an enrollment. The plain backup
// codes appear here once and are never recoverable afterwards.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

// pendingEnrollment lives in the cache between begin and confirm
type pendingEnrollment struct {
	Secret           string    `json:"secret"`
	BackupCodeHashes []string  `json:"backup_code_hashes"`
	CreatedAt        time.Time `json:"created_at"`
}
