package federation

import (
	"fmt"
	"time"
)

func errProviderField(field string) error {
	return fmt.Errorf("provider config: %s is required", field)
}

// ProviderConfig represents one organization's identity provider settings.
// It is immutable during a validation; administrative updates bump Version,
// which keys the in-process service-provider cache.
type ProviderConfig struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Enabled      bool   `json:"enabled"`
	Version      int    `json:"version"`

	// EntityID is the identity provider's issuer identifier
	EntityID string `json:"entity_id"`
	// SSOURL receives outbound authentication requests
	SSOURL string `json:"sso_url"`
	// SLOURL receives outbound logout requests (optional)
	SLOURL string `json:"slo_url,omitempty"`
	// Certificate is the provider's PEM-encoded signing certificate
	Certificate string `json:"certificate"`
	// SignRequests controls whether outbound requests are signed
	SignRequests bool `json:"sign_requests"`
	// RequireSignedAssertions rejects responses whose assertions carry no
	// valid signature
	RequireSignedAssertions bool `json:"require_signed_assertions"`
	// NameIDFormat overrides the requested NameID format (optional)
	NameIDFormat string `json:"name_id_format,omitempty"`
	// ClockSkew is the tolerance applied symmetrically to both validity
	// bounds; zero means the service-wide default
	ClockSkew time.Duration `json:"clock_skew"`

	// AttributeMapping maps logical fields to assertion attribute names
	AttributeMapping AttributeMap `json:"attribute_mapping"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttributeMap is the closed mapping table from logical identity fields to
// provider attribute names. Assertion attributes not named here are dropped,
// never defaulted.
type AttributeMap struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	Groups      string `json:"groups,omitempty"`
}

// Validate rejects malformed provider configuration at load time
func (c *ProviderConfig) Validate() error {
	switch {
	case c.ID == "":
		return errProviderField("id")
	case c.EntityID == "":
		return errProviderField("entity_id")
	case c.SSOURL == "":
		return errProviderField("sso_url")
	case c.Certificate == "":
		return errProviderField("certificate")
	case c.AttributeMapping.UserID == "" && c.AttributeMapping.Email == "":
		return errProviderField("attribute_mapping")
	}
	return nil
}

// NormalizedIdentity is the validated output of an assertion. It is created
// fresh per validation and never persisted as-is.
type NormalizedIdentity struct {
	// SubjectID is the stable external identifier for the principal
	SubjectID string `json:"subject_id"`
	// SessionIndex is the protocol-level correlation handle used for logout
	SessionIndex string `json:"session_index,omitempty"`
	// ProviderID identifies which provider asserted this identity
	ProviderID string `json:"provider_id"`

	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Groups      []string `json:"groups,omitempty"`

	// Attributes holds the mapped logical fields only; unmapped assertion
	// attributes are dropped
	Attributes map[string]string `json:"attributes,omitempty"`

	// Validity window as stated by the assertion
	NotBefore    time.Time `json:"not_before"`
	NotOnOrAfter time.Time `json:"not_on_or_after"`
}

// RelayState is the opaque per-request state persisted between the outbound
// authentication request and the inbound response.
type RelayState struct {
	ProviderID string    `json:"provider_id"`
	ReturnTo   string    `json:"return_to,omitempty"`
	Logout     bool      `json:"logout,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
