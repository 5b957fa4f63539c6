package devicetrust

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/campusworks/trustcore/pkg/audit"
	"github.com/campusworks/trustcore/pkg/autherr"
	"github.com/campusworks/trustcore/pkg/config"
	"github.com/campusworks/trustcore/pkg/observability"
)

// countryLookback is the trailing window for the new-country factor
const countryLookback = 30 * 24 * time.Hour

// GeoResolver maps a client IP to a coarse location. Resolution failures
// are soft: an empty country simply contributes no geography factors.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (country, city string, err error)
}

// NopGeoResolver resolves nothing; geography factors never trigger
type NopGeoResolver struct{}

func (NopGeoResolver) Resolve(context.Context, string) (string, string, error) { return "", "", nil }

// Engine owns the device trust lifecycle: registration, risk assessment,
// trust checks, promotion, revocation, and expiry.
type Engine struct {
	cfg     config.DeviceTrustConfig
	store   *DeviceStore
	policy  *RiskPolicy
	geo     GeoResolver
	auditor audit.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewEngine creates a device trust engine
func NewEngine(cfg config.DeviceTrustConfig, store *DeviceStore, geo GeoResolver,
	auditor audit.Emitter, logger *observability.Logger, metrics *observability.Metrics) *Engine {

	if geo == nil {
		geo = NopGeoResolver{}
	}
	if auditor == nil {
		auditor = audit.NopEmitter{}
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		policy:  NewRiskPolicy(cfg),
		geo:     geo,
		auditor: auditor,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// AssessRisk scores a login context for (user, fingerprint). It queries
// device history and geolocation, then hands everything to the pure
// scoring policy.
func (e *Engine) AssessRisk(ctx context.Context, userID, fingerprint string, descriptor Descriptor, clientIP string) (RiskAssessment, error) {
	input, _, err := e.gatherRiskInput(ctx, userID, fingerprint, descriptor, clientIP)
	if err != nil {
		return RiskAssessment{}, err
	}

	assessment := e.policy.Assess(input)
	if e.metrics != nil {
		e.metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Level)).Inc()
	}
	return assessment, nil
}

func (e *Engine) gatherRiskInput(ctx context.Context, userID, fingerprint string, descriptor Descriptor, clientIP string) (RiskInput, string, error) {
	shared, err := e.store.SharedWithOtherUser(ctx, userID, fingerprint)
	if err != nil {
		return RiskInput{}, "", fmt.Errorf("%w: fingerprint history: %v", autherr.ErrPersistenceUnavailable, err)
	}

	now := e.now()
	recent, err := e.store.RecentCountries(ctx, userID, now.Add(-countryLookback))
	if err != nil {
		return RiskInput{}, "", fmt.Errorf("%w: country history: %v", autherr.ErrPersistenceUnavailable, err)
	}

	country, city, err := e.geo.Resolve(ctx, clientIP)
	if err != nil {
		// Soft failure: score without geography rather than blocking login
		e.logger.WithError(err).WithField("client_ip", clientIP).
			Warn("geolocation unavailable, scoring without geography")
		country, city = "", ""
	}

	return RiskInput{
		UserID:                         userID,
		Fingerprint:                    fingerprint,
		Descriptor:                     descriptor,
		Country:                        country,
		RecentCountries:                recent,
		FingerprintSharedWithOtherUser: shared,
		Now:                            now,
	}, city, nil
}

// RegisterDevice returns the active record for (user, fingerprint),
// creating it from a fresh risk assessment when none exists. Re-registering
// a known device refreshes its last-used and location fields but never
// changes its trust level.
func (e *Engine) RegisterDevice(ctx context.Context, userID, fingerprint string, descriptor Descriptor, clientIP string) (*TrustedDevice, error) {
	now := e.now().UTC()

	existing, err := e.store.GetActive(ctx, userID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: device lookup: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if existing != nil {
		country, city, geoErr := e.geo.Resolve(ctx, clientIP)
		if geoErr != nil {
			country, city = "", ""
		}
		if err := e.store.Touch(ctx, existing.ID, country, city, now); err != nil {
			return nil, fmt.Errorf("%w: device refresh: %v", autherr.ErrPersistenceUnavailable, err)
		}
		existing.LastUsedAt = now
		return existing, nil
	}

	input, city, err := e.gatherRiskInput(ctx, userID, fingerprint, descriptor, clientIP)
	if err != nil {
		return nil, err
	}
	assessment := e.policy.Assess(input)
	if e.metrics != nil {
		e.metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Level)).Inc()
	}

	level := e.policy.initialTrustLevel(assessment.Score)
	trusted := assessment.Level != RiskHigh && assessment.Level != RiskCritical

	device := &TrustedDevice{
		ID:          uuid.New().String(),
		UserID:      userID,
		Fingerprint: fingerprint,
		TrustLevel:  level,
		Trusted:     trusted,
		Active:      true,
		Descriptor:  descriptor,
		Country:     input.Country,
		City:        city,
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(e.cfg.TrustHorizon),
	}

	stored, err := e.store.Upsert(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("%w: device registration: %v", autherr.ErrPersistenceUnavailable, err)
	}

	if e.metrics != nil {
		e.metrics.DevicesRegisteredTotal.Inc()
	}
	e.auditor.Emit(audit.NewEvent(audit.EventDeviceRegistered).
		WithUser(userID).
		WithIP(clientIP).
		WithAttribute("device_id", stored.ID).
		WithAttribute("trust_level", stored.TrustLevel.String()).
		WithAttribute("risk_score", strconv.Itoa(assessment.Score)))

	return stored, nil
}

// IsDeviceTrusted reports whether an active, unexpired record exists with
// the trusted flag set and trust level strictly above low. Expiry is
// evaluated here, at read time, so the answer is correct even before the
// sweep has run.
func (e *Engine) IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	_, trusted, err := e.CurrentTrust(ctx, userID, fingerprint)
	return trusted, err
}

// CurrentTrust returns the device's trust level together with the trust
// decision. Untrusted is returned when no usable record exists.
func (e *Engine) CurrentTrust(ctx context.Context, userID, fingerprint string) (TrustLevel, bool, error) {
	device, err := e.store.GetActive(ctx, userID, fingerprint)
	if err != nil {
		return TrustUntrusted, false, fmt.Errorf("%w: device lookup: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if device == nil {
		return TrustUntrusted, false, nil
	}
	if !e.now().Before(device.ExpiresAt) {
		return TrustUntrusted, false, nil
	}
	trusted := device.Trusted && device.TrustLevel > TrustLow
	return device.TrustLevel, trusted, nil
}

// PromoteDevice raises a device's trust after a successful step-up
func (e *Engine) PromoteDevice(ctx context.Context, userID, deviceID string, newLevel TrustLevel, extendExpiry bool) (*TrustedDevice, error) {
	now := e.now().UTC()
	var expiresAt *time.Time
	if extendExpiry {
		extended := now.Add(e.cfg.TrustHorizon)
		expiresAt = &extended
	}

	device, err := e.store.Promote(ctx, userID, deviceID, newLevel, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: device promotion: %v", autherr.ErrPersistenceUnavailable, err)
	}

	e.auditor.Emit(audit.NewEvent(audit.EventDeviceTrusted).
		WithUser(userID).
		WithAttribute("device_id", deviceID).
		WithAttribute("trust_level", newLevel.String()))
	return device, nil
}

// RevokeDevice permanently deactivates a device record
func (e *Engine) RevokeDevice(ctx context.Context, userID, deviceID string) error {
	if err := e.store.Revoke(ctx, userID, deviceID, e.now().UTC()); err != nil {
		return fmt.Errorf("%w: device revocation: %v", autherr.ErrPersistenceUnavailable, err)
	}

	e.auditor.Emit(audit.NewEvent(audit.EventDeviceRevoked).
		WithUser(userID).
		WithAttribute("device_id", deviceID))
	return nil
}

// SweepExpired deactivates active records past their expiry, in batches,
// until none remain. Returns the total number deactivated.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	asOf := e.now().UTC()
	batchSize := e.cfg.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	var total int64
	for {
		swept, err := e.store.DeactivateExpired(ctx, asOf, batchSize)
		if err != nil {
			return total, fmt.Errorf("%w: expiry sweep: %v", autherr.ErrPersistenceUnavailable, err)
		}
		total += swept
		if swept < int64(batchSize) {
			break
		}
	}

	if e.metrics != nil {
		e.metrics.DevicesSweptTotal.Add(float64(total))
	}
	e.auditor.Emit(audit.NewEvent(audit.EventDeviceSweep).
		WithAttribute("swept", strconv.FormatInt(total, 10)))
	return total, nil
}
