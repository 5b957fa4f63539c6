package federation

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	saml2 "github.com/russellhaering/gosaml2"
	samltypes "github.com/russellhaering/gosaml2/types"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/campusworks/trustcore/pkg/audit"
	"github.com/campusworks/trustcore/pkg/autherr"
	"github.com/campusworks/trustcore/pkg/config"
	"github.com/campusworks/trustcore/pkg/observability"
	"github.com/campusworks/trustcore/pkg/storage/postgres"
)

// Validator turns signed SAML assertions into normalized identities. It
// owns an explicit cache of built service providers keyed by provider id
// and configuration version; there is no process-global provider state.
type Validator struct {
	cfg       config.FederationConfig
	providers *ProviderStore
	cache     *lru.Cache[string, *saml2.SAMLServiceProvider]
	relay     *relayCache
	auditor   audit.Emitter
	logger    *observability.Logger
	metrics   *observability.Metrics

	// now is swappable for tests
	now func() time.Time
}

// NewValidator creates an assertion validator
func NewValidator(cfg config.FederationConfig, providers *ProviderStore, redis *postgres.RedisClient,
	auditor audit.Emitter, logger *observability.Logger, metrics *observability.Metrics) (*Validator, error) {

	size := cfg.ProviderCacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, *saml2.SAMLServiceProvider](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider cache: %w", err)
	}

	if auditor == nil {
		auditor = audit.NopEmitter{}
	}

	return &Validator{
		cfg:       cfg,
		providers: providers,
		cache:     cache,
		relay:     &relayCache{redis: redis},
		auditor:   auditor,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

// BuildRequest produces the redirect target for an outbound authentication
// request and persists the opaque relay state that must accompany the
// response.
func (v *Validator) BuildRequest(ctx context.Context, providerID, returnTo string) (redirectURL, state string, err error) {
	sp, provider, err := v.serviceProvider(ctx, providerID)
	if err != nil {
		return "", "", err
	}

	state, err = v.relay.issueState(ctx, RelayState{
		ProviderID: providerID,
		ReturnTo:   returnTo,
		CreatedAt:  v.now().UTC(),
	}, v.cfg.RelayStateTTL)
	if err != nil {
		return "", "", err
	}

	redirectURL, err = sp.BuildAuthURL(state)
	if err != nil {
		return "", "", fmt.Errorf("failed to build auth URL for provider %s: %w", provider.ID, err)
	}

	if v.metrics != nil {
		v.metrics.RelayStatesIssuedTotal.Inc()
	}
	return redirectURL, state, nil
}

// ValidateResponse verifies a SAML response end to end: relay state
// (consumed exactly once), signature, validity window with symmetric clock
// skew, audience, and assertion replay. Any failure terminates the attempt
// with a precise kind; the caller may restart from BuildRequest.
func (v *Validator) ValidateResponse(ctx context.Context, rawResponse, presentedState string) (*NormalizedIdentity, error) {
	started := v.now()

	state, err := v.relay.consumeState(ctx, presentedState)
	if err != nil {
		v.reject(ctx, "", err)
		return nil, err
	}

	identity, err := v.validateForProvider(ctx, state.ProviderID, rawResponse)
	if err != nil {
		v.reject(ctx, state.ProviderID, err)
		return nil, err
	}

	if v.metrics != nil {
		v.metrics.AssertionsValidatedTotal.WithLabelValues(state.ProviderID, "validated").Inc()
		v.metrics.AssertionValidationTime.Observe(v.now().Sub(started).Seconds())
	}
	v.auditor.Emit(audit.NewEvent(audit.EventAssertionValidated).
		WithUser(identity.SubjectID).
		WithProvider(state.ProviderID))

	return identity, nil
}

func (v *Validator) validateForProvider(ctx context.Context, providerID, rawResponse string) (*NormalizedIdentity, error) {
	sp, provider, err := v.serviceProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	info, err := sp.RetrieveAssertionInfo(rawResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrSignatureInvalid, err)
	}
	if len(info.Assertions) == 0 {
		return nil, fmt.Errorf("%w: response carries no assertion", autherr.ErrSignatureInvalid)
	}
	assertion := info.Assertions[0]

	skew := provider.ClockSkew
	if skew == 0 {
		skew = v.cfg.DefaultClockSkew
	}

	notBefore, notOnOrAfter, err := v.checkValidityWindow(assertion.Conditions, skew)
	if err != nil {
		return nil, err
	}
	if err := v.checkAudience(assertion.Conditions); err != nil {
		return nil, err
	}

	// Replay marker TTL covers the assertion's own remaining validity
	ttl := notOnOrAfter.Add(skew).Sub(v.now())
	if ttl < v.cfg.MinReplayTTL {
		ttl = v.cfg.MinReplayTTL
	}
	if err := v.relay.markAssertion(ctx, assertion.ID, ttl); err != nil {
		return nil, err
	}

	identity := v.extractIdentity(provider, info)
	identity.NotBefore = notBefore
	identity.NotOnOrAfter = notOnOrAfter
	return identity, nil
}

// checkValidityWindow applies the provider's clock skew symmetrically to
// both bounds.
func (v *Validator) checkValidityWindow(conditions *samltypes.Conditions, skew time.Duration) (notBefore, notOnOrAfter time.Time, err error) {
	if conditions == nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: assertion carries no conditions", autherr.ErrSignatureInvalid)
	}

	now := v.now()

	if conditions.NotBefore != "" {
		notBefore, err = time.Parse(time.RFC3339, conditions.NotBefore)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: malformed NotBefore: %v", autherr.ErrAssertionNotYetValid, err)
		}
		if now.Add(skew).Before(notBefore) {
			return time.Time{}, time.Time{}, autherr.ErrAssertionNotYetValid
		}
	}

	if conditions.NotOnOrAfter != "" {
		notOnOrAfter, err = time.Parse(time.RFC3339, conditions.NotOnOrAfter)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: malformed NotOnOrAfter: %v", autherr.ErrAssertionExpired, err)
		}
		if !now.Add(-skew).Before(notOnOrAfter) {
			return time.Time{}, time.Time{}, autherr.ErrAssertionExpired
		}
	}

	return notBefore, notOnOrAfter, nil
}

// checkAudience requires the intended recipient to equal our entity id
// exactly.
func (v *Validator) checkAudience(conditions *samltypes.Conditions) error {
	if len(conditions.AudienceRestrictions) == 0 {
		return nil
	}
	for _, restriction := range conditions.AudienceRestrictions {
		for _, audience := range restriction.Audiences {
			if audience.Value == v.cfg.EntityID {
				return nil
			}
		}
	}
	return autherr.ErrAudienceMismatch
}

// extractIdentity applies the provider's attribute mapping table. Unmapped
// assertion attributes are dropped, not defaulted.
func (v *Validator) extractIdentity(provider *ProviderConfig, info *saml2.AssertionInfo) *NormalizedIdentity {
	identity := &NormalizedIdentity{
		SubjectID:    info.NameID,
		SessionIndex: info.SessionIndex,
		ProviderID:   provider.ID,
		Attributes:   make(map[string]string),
	}

	mapping := provider.AttributeMapping
	for _, attr := range info.Values {
		if len(attr.Values) == 0 {
			continue
		}
		value := attr.Values[0].Value

		switch attr.Name {
		case mapping.UserID:
			identity.SubjectID = value
			identity.Attributes["user_id"] = value
		case mapping.Email:
			identity.Email = value
			identity.Attributes["email"] = value
		case mapping.DisplayName:
			identity.DisplayName = value
			identity.Attributes["display_name"] = value
		case mapping.Role:
			identity.Role = value
			identity.Attributes["role"] = value
		case mapping.Groups:
			for _, av := range attr.Values {
				identity.Groups = append(identity.Groups, av.Value)
			}
			identity.Attributes["groups"] = strings.Join(identity.Groups, ",")
		}
	}

	return identity
}

// BuildLogoutRequest produces the redirect target for an outbound logout
// request, following the same state discipline as login.
func (v *Validator) BuildLogoutRequest(ctx context.Context, providerID, subjectID, sessionIndex string) (redirectURL, state string, err error) {
	sp, provider, err := v.serviceProvider(ctx, providerID)
	if err != nil {
		return "", "", err
	}
	if provider.SLOURL == "" {
		return "", "", fmt.Errorf("%w: provider %s has no logout endpoint", autherr.ErrConfigurationMissing, providerID)
	}

	state, err = v.relay.issueState(ctx, RelayState{
		ProviderID: providerID,
		Logout:     true,
		CreatedAt:  v.now().UTC(),
	}, v.cfg.RelayStateTTL)
	if err != nil {
		return "", "", err
	}

	doc, err := sp.BuildLogoutRequestDocument(subjectID, sessionIndex)
	if err != nil {
		return "", "", fmt.Errorf("failed to build logout request: %w", err)
	}
	redirectURL, err = sp.BuildLogoutURLRedirect(state, doc)
	if err != nil {
		return "", "", fmt.Errorf("failed to build logout URL: %w", err)
	}

	v.auditor.Emit(audit.NewEvent(audit.EventLogoutRequested).
		WithUser(subjectID).
		WithProvider(providerID))
	return redirectURL, state, nil
}

// ValidateLogoutResponse verifies the provider's logout response and
// consumes the relay state exactly once.
func (v *Validator) ValidateLogoutResponse(ctx context.Context, rawResponse, presentedState string) error {
	state, err := v.relay.consumeState(ctx, presentedState)
	if err != nil {
		return err
	}
	if !state.Logout {
		return autherr.ErrStateExpiredOrUnknown
	}

	sp, _, err := v.serviceProvider(ctx, state.ProviderID)
	if err != nil {
		return err
	}

	if _, err := sp.ValidateEncodedLogoutResponsePOST(rawResponse); err != nil {
		return fmt.Errorf("%w: %v", autherr.ErrSignatureInvalid, err)
	}
	return nil
}

// Invalidate drops every cached service provider for the given provider id.
// Called after administrative configuration updates.
func (v *Validator) Invalidate(providerID string) {
	prefix := providerID + ":"
	for _, key := range v.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			v.cache.Remove(key)
		}
	}
}

// serviceProvider returns the built service provider for the current
// configuration version, constructing and caching it on miss.
func (v *Validator) serviceProvider(ctx context.Context, providerID string) (*saml2.SAMLServiceProvider, *ProviderConfig, error) {
	provider, err := v.providers.Get(ctx, providerID)
	if err != nil {
		if errors.Is(err, autherr.ErrConfigurationMissing) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: provider lookup: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if !provider.Enabled {
		return nil, nil, fmt.Errorf("%w: provider %s is disabled", autherr.ErrConfigurationMissing, providerID)
	}

	key := fmt.Sprintf("%s:%d", provider.ID, provider.Version)
	if sp, ok := v.cache.Get(key); ok {
		return sp, provider, nil
	}

	sp, err := v.buildServiceProvider(provider)
	if err != nil {
		return nil, nil, err
	}
	v.cache.Add(key, sp)
	return sp, provider, nil
}

// buildServiceProvider constructs the gosaml2 service provider from a
// validated configuration.
func (v *Validator) buildServiceProvider(provider *ProviderConfig) (*saml2.SAMLServiceProvider, error) {
	certStore, err := parseCertificateStore(provider.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s certificate: %v", autherr.ErrConfigurationMissing, provider.ID, err)
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      provider.SSOURL,
		IdentityProviderSLOURL:      provider.SLOURL,
		IdentityProviderIssuer:      provider.EntityID,
		ServiceProviderIssuer:       v.cfg.EntityID,
		AssertionConsumerServiceURL: fmt.Sprintf("%s/auth/saml/%s/callback", v.cfg.BaseURL, provider.ID),
		ServiceProviderSLOURL:       fmt.Sprintf("%s/auth/saml/%s/logout", v.cfg.BaseURL, provider.ID),
		SignAuthnRequests:           provider.SignRequests,
		AudienceURI:                 v.cfg.EntityID,
		IDPCertificateStore:         certStore,
	}
	if provider.NameIDFormat != "" {
		sp.NameIdFormat = provider.NameIDFormat
	}
	if !provider.RequireSignedAssertions {
		sp.SkipSignatureValidation = true
	}

	if provider.SignRequests {
		keyStore, err := parseKeyStore(v.cfg.SigningCertificate, v.cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("%w: request signing for provider %s: %v", autherr.ErrConfigurationMissing, provider.ID, err)
		}
		sp.SPKeyStore = keyStore
	}

	return sp, nil
}

func parseCertificateStore(certPEM string) (*dsig.MemoryX509CertificateStore, error) {
	certBlock, _ := pem.Decode([]byte(certPEM))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}, nil
}

func parseKeyStore(certPEM, keyPEM string) (dsig.X509KeyStore, error) {
	if certPEM == "" || keyPEM == "" {
		return nil, fmt.Errorf("signing certificate and key are not configured")
	}

	certBlock, _ := pem.Decode([]byte(certPEM))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode signing certificate PEM")
	}
	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		privateKey = rsaKey
	}

	return &dsig.TLSCertKeyStore{
		PrivateKey:  privateKey,
		Certificate: [][]byte{certBlock.Bytes},
	}, nil
}

// reject records a failed validation with its precise kind
func (v *Validator) reject(ctx context.Context, providerID string, cause error) {
	outcome := rejectionOutcome(cause)
	if v.metrics != nil {
		label := providerID
		if label == "" {
			label = "unknown"
		}
		v.metrics.AssertionsValidatedTotal.WithLabelValues(label, outcome).Inc()
	}

	event := audit.NewEvent(audit.EventAssertionRejected).WithAttribute("reason", outcome)
	if providerID != "" {
		event = event.WithProvider(providerID)
		ctx = observability.WithProviderID(ctx, providerID)
	}
	v.auditor.Emit(event)

	observability.FromContext(ctx).WithError(cause).Warn("assertion rejected")
}

func rejectionOutcome(err error) string {
	switch {
	case errors.Is(err, autherr.ErrStateExpiredOrUnknown):
		return "state_unknown"
	case errors.Is(err, autherr.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, autherr.ErrAssertionExpired):
		return "expired"
	case errors.Is(err, autherr.ErrAssertionNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, autherr.ErrAudienceMismatch):
		return "audience_mismatch"
	case errors.Is(err, autherr.ErrReplayDetected):
		return "replay"
	case errors.Is(err, autherr.ErrConfigurationMissing):
		return "configuration_missing"
	case errors.Is(err, autherr.ErrPersistenceUnavailable):
		return "persistence_unavailable"
	default:
		return "error"
	}
}
