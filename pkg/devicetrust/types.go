package devicetrust

import "time"

// TrustLevel orders how much a device's history is worth
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLow
	TrustMedium
	TrustHigh
	TrustVerified
)

// String returns the storage representation of a trust level
func (l TrustLevel) String() string {
	switch l {
	case TrustUntrusted:
		return "untrusted"
	case TrustLow:
		return "low"
	case TrustMedium:
		return "medium"
	case TrustHigh:
		return "high"
	case TrustVerified:
		return "verified"
	default:
		return "untrusted"
	}
}

// ParseTrustLevel converts a storage value back to a level; unknown values
// collapse to untrusted.
func ParseTrustLevel(s string) TrustLevel {
	switch s {
	case "low":
		return TrustLow
	case "medium":
		return TrustMedium
	case "high":
		return TrustHigh
	case "verified":
		return TrustVerified
	default:
		return TrustUntrusted
	}
}

// RiskLevel buckets a risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ClientSignals are the raw fingerprint inputs reported by the client.
// Missing values stay empty strings so the digest shape never varies.
type ClientSignals struct {
	UserAgent      string `json:"user_agent"`
	AcceptLanguage string `json:"accept_language"`
	AcceptEncoding string `json:"accept_encoding"`
	Screen         string `json:"screen"`
	Timezone       string `json:"timezone"`
	Plugins        string `json:"plugins"`
	Fonts          string `json:"fonts"`
	CanvasHash     string `json:"canvas_hash"`
}

// Descriptor is the free-form device description kept alongside a record
type Descriptor struct {
	Platform  string `json:"platform"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	UserAgent string `json:"user_agent"`
}

// TrustedDevice is the per-(user, fingerprint) trust record. At most one
// active record exists per pair; revoked and expired records stay on disk
// for audit.
type TrustedDevice struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Fingerprint string     `json:"fingerprint"`
	TrustLevel  TrustLevel `json:"trust_level"`
	Trusted     bool       `json:"trusted"`
	Active      bool       `json:"active"`

	Descriptor Descriptor `json:"descriptor"`
	Country    string     `json:"country,omitempty"`
	City       string     `json:"city,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	TrustedAt  *time.Time `json:"trusted_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// RiskFactor is one contribution to a risk score
type RiskFactor struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Weight      int       `json:"weight"`
	Severity    RiskLevel `json:"severity"`
}

// RiskAssessment is the result of scoring one login context. It is never
// persisted; the factors exist so the decision can be explained.
type RiskAssessment struct {
	Score              int          `json:"score"`
	Level              RiskLevel    `json:"level"`
	Factors            []RiskFactor `json:"factors"`
	RecommendedActions []string     `json:"recommended_actions"`
}
