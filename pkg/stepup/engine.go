package stepup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/campusworks/trustcore/pkg/audit"
	"github.com/campusworks/trustcore/pkg/autherr"
	"github.com/campusworks/trustcore/pkg/config"
	"github.com/campusworks/trustcore/pkg/devicetrust"
	"github.com/campusworks/trustcore/pkg/observability"
	"github.com/campusworks/trustcore/pkg/secrets"
	"github.com/campusworks/trustcore/pkg/storage/postgres"
)

const (
	pendingKeyPrefix  = "mfa:pending:"
	usedCodeKeyPrefix = "mfa:used:"

	methodTOTP = "totp"

	// counterRetries bounds the optimistic-update retry loop
	counterRetries = 3
)

// Engine issues and verifies second-factor challenges. Verification is
// guarded by a lockout counter, a per-code replay marker, and single-use
// backup codes.
type Engine struct {
	cfg     config.StepUpConfig
	store   *MfaStore
	cache   *postgres.RedisClient
	sealer  *secrets.Sealer
	devices *devicetrust.Engine
	auditor audit.Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewEngine creates a step-up challenge engine
func NewEngine(cfg config.StepUpConfig, store *MfaStore, cache *postgres.RedisClient,
	sealer *secrets.Sealer, devices *devicetrust.Engine, auditor audit.Emitter,
	logger *observability.Logger, metrics *observability.Metrics) *Engine {

	if auditor == nil {
		auditor = audit.NopEmitter{}
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		cache:   cache,
		sealer:  sealer,
		devices: devices,
		auditor: auditor,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// BeginEnrollment generates a fresh shared secret and backup codes and
// parks them in a short-lived pending entry. Nothing durable is written
// until the user proves possession via ConfirmEnrollment.
func (e *Engine) BeginEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.cfg.Issuer,
		AccountName: userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	codes, hashes, err := generateBackupCodes(e.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(pendingEnrollment{
		Secret:           key.Secret(),
		BackupCodeHashes: hashes,
		CreatedAt:        e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pending enrollment: %w", err)
	}
	if err := e.cache.Set(ctx, pendingKeyPrefix+userID, payload, e.cfg.PendingEnrollmentTTL); err != nil {
		return nil, fmt.Errorf("%w: pending enrollment store: %v", autherr.ErrPersistenceUnavailable, err)
	}

	if e.metrics != nil {
		e.metrics.EnrollmentsTotal.WithLabelValues("started").Inc()
	}
	e.auditor.Emit(audit.NewEvent(audit.EventEnrollmentStarted).WithUser(userID))

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// ConfirmEnrollment verifies the submitted code against the pending secret
// and, on success, persists the durable setting with the secret sealed at
// rest. A wrong code leaves the pending entry intact for retry.
func (e *Engine) ConfirmEnrollment(ctx context.Context, userID, code string) (*MfaSetting, error) {
	raw, err := e.cache.Get(ctx, pendingKeyPrefix+userID)
	if err != nil {
		if errors.Is(err, postgres.ErrCacheMiss) {
			return nil, autherr.ErrStateExpiredOrUnknown
		}
		return nil, fmt.Errorf("%w: pending enrollment fetch: %v", autherr.ErrPersistenceUnavailable, err)
	}

	var pending pendingEnrollment
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, autherr.ErrStateExpiredOrUnknown
	}

	normalized := normalizeCode(code)
	if !e.validateTOTP(normalized, pending.Secret) {
		return nil, autherr.ErrInvalidCode
	}

	// The confirmation code is claimed like any verified code, so it cannot
	// be replayed against Verify inside its acceptance window
	claimed, err := e.cache.SetNX(ctx, usedCodeKey(userID, normalized), "1", e.cfg.CodeReplayTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: code replay marker: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if !claimed {
		return nil, autherr.ErrReplayedCode
	}

	sealed, err := e.sealer.Seal([]byte(pending.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed to seal totp secret: %w", err)
	}

	now := e.now().UTC()
	setting := &MfaSetting{
		UserID:           userID,
		Enabled:          true,
		Method:           methodTOTP,
		SecretSealed:     sealed,
		BackupCodeHashes: pending.BackupCodeHashes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.Save(ctx, setting); err != nil {
		return nil, fmt.Errorf("%w: mfa setting store: %v", autherr.ErrPersistenceUnavailable, err)
	}

	if err := e.cache.Del(ctx, pendingKeyPrefix+userID); err != nil {
		// The entry expires on its own; a failed delete only widens the window
		e.logger.WithError(err).WithField("user_id", userID).
			Warn("failed to delete pending enrollment")
	}

	if e.metrics != nil {
		e.metrics.EnrollmentsTotal.WithLabelValues("confirmed").Inc()
	}
	e.auditor.Emit(audit.NewEvent(audit.EventEnrollmentConfirmed).WithUser(userID))
	return setting, nil
}

// Verify checks a TOTP or backup code. The lockout gate runs before any
// code evaluation: a locked-out user learns nothing about code validity.
func (e *Engine) Verify(ctx context.Context, userID, code string) error {
	setting, err := e.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, autherr.ErrNotEnrolled) {
			return err
		}
		return fmt.Errorf("%w: mfa setting fetch: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if !setting.Enabled {
		return autherr.ErrNotEnrolled
	}

	now := e.now().UTC()

	if setting.FailedAttempts >= e.cfg.MaxFailedAttempts && setting.LastFailureAt != nil {
		elapsed := now.Sub(*setting.LastFailureAt)
		if elapsed < e.cfg.LockoutWindow {
			e.countVerification("locked_out")
			return &autherr.LockoutError{RetryAfter: e.cfg.LockoutWindow - elapsed}
		}
		// Cooldown elapsed: clear the counter and evaluate normally
		if applied, err := e.store.ResetAttempts(ctx, userID, now, setting.UpdatedAt); err != nil {
			return fmt.Errorf("%w: lockout reset: %v", autherr.ErrPersistenceUnavailable, err)
		} else if applied {
			setting.FailedAttempts = 0
			setting.UpdatedAt = now
		}
	}

	normalized := normalizeCode(code)

	if idx, ok := matchBackupCode(setting.BackupCodeHashes, normalized); ok {
		return e.consumeBackupCode(ctx, setting, idx, now)
	}

	secret, err := e.sealer.Open(setting.SecretSealed)
	if err != nil {
		return fmt.Errorf("failed to unseal totp secret: %w", err)
	}

	if !e.validateTOTP(normalized, string(secret)) {
		return e.registerFailure(ctx, setting, now, autherr.ErrInvalidCode)
	}

	// Valid code: claim it atomically so the same code cannot pass twice
	// inside the acceptance window
	claimed, err := e.cache.SetNX(ctx, usedCodeKey(userID, normalized), "1", e.cfg.CodeReplayTTL)
	if err != nil {
		// Fail closed: no replay store, no step-up success
		return fmt.Errorf("%w: code replay marker: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if !claimed {
		return e.registerFailure(ctx, setting, now, autherr.ErrReplayedCode)
	}

	if err := e.recordSuccess(ctx, userID, now, setting.UpdatedAt); err != nil {
		return err
	}

	e.countVerification("success")
	e.auditor.Emit(audit.NewEvent(audit.EventMFASuccess).
		WithUser(userID).
		WithAttribute("method", methodTOTP))
	return nil
}

// recordSuccess resets the failure counter, retrying against a fresh read
// when a concurrent attempt moved the record first. The verification itself
// already succeeded; a reset that keeps losing races is logged, not failed.
func (e *Engine) recordSuccess(ctx context.Context, userID string, now, prev time.Time) error {
	for i := 0; i < counterRetries; i++ {
		applied, err := e.store.RecordSuccess(ctx, userID, now, prev)
		if err != nil {
			return fmt.Errorf("%w: counter reset: %v", autherr.ErrPersistenceUnavailable, err)
		}
		if applied {
			return nil
		}

		fresh, err := e.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: counter reset reread: %v", autherr.ErrPersistenceUnavailable, err)
		}
		prev = fresh.UpdatedAt
	}

	e.logger.WithField("user_id", userID).
		Warn("failure counter reset kept losing races, leaving it to the next success")
	return nil
}

// consumeBackupCode removes the matched code and records a success. The
// guarded update means concurrent use of the same code succeeds exactly
// once; the loser sees the code as already spent.
func (e *Engine) consumeBackupCode(ctx context.Context, setting *MfaSetting, idx int, now time.Time) error {
	remaining := make([]string, 0, len(setting.BackupCodeHashes)-1)
	remaining = append(remaining, setting.BackupCodeHashes[:idx]...)
	remaining = append(remaining, setting.BackupCodeHashes[idx+1:]...)

	applied, err := e.store.ConsumeBackupCode(ctx, setting.UserID, remaining, now, setting.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: backup code consumption: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if !applied {
		e.countVerification("invalid")
		return autherr.ErrInvalidCode
	}

	e.countVerificationMethod("backup", "success")
	e.auditor.Emit(audit.NewEvent(audit.EventMFASuccess).
		WithUser(setting.UserID).
		WithAttribute("method", "backup_code").
		WithAttribute("codes_remaining", strconv.Itoa(len(remaining))))
	return nil
}

// registerFailure increments the failure counter and reports kind. The
// optimistic guard retries against a fresh read so concurrent attempts
// cannot under-count past the lockout threshold.
func (e *Engine) registerFailure(ctx context.Context, setting *MfaSetting, now time.Time, kind error) error {
	userID := setting.UserID
	prev := setting.UpdatedAt

	var attempts int
	for i := 0; i < counterRetries; i++ {
		count, applied, err := e.store.RecordFailure(ctx, userID, now, prev)
		if err != nil {
			return fmt.Errorf("%w: failure counter: %v", autherr.ErrPersistenceUnavailable, err)
		}
		if applied {
			attempts = count
			break
		}

		fresh, err := e.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: failure counter reread: %v", autherr.ErrPersistenceUnavailable, err)
		}
		prev = fresh.UpdatedAt
		attempts = fresh.FailedAttempts
	}

	e.countVerification(failureOutcome(kind))
	e.auditor.Emit(audit.NewEvent(audit.EventMFAFailed).
		WithUser(userID).
		WithAttribute("attempt_count", strconv.Itoa(attempts)))

	if attempts == e.cfg.MaxFailedAttempts {
		if e.metrics != nil {
			e.metrics.LockoutsTotal.Inc()
		}
		e.auditor.Emit(audit.NewEvent(audit.EventMFALockedOut).
			WithUser(userID).
			WithAttribute("attempt_count", strconv.Itoa(attempts)))
	}
	return kind
}

// Disable clears the enabled flag. History stays for audit; re-enrollment
// replaces the record.
func (e *Engine) Disable(ctx context.Context, userID string) error {
	if err := e.store.SetEnabled(ctx, userID, false, e.now().UTC()); err != nil {
		if errors.Is(err, autherr.ErrNotEnrolled) {
			return err
		}
		return fmt.Errorf("%w: mfa disable: %v", autherr.ErrPersistenceUnavailable, err)
	}
	e.auditor.Emit(audit.NewEvent(audit.EventMFADisabled).WithUser(userID))
	return nil
}

// ShouldSkipStepUp reports whether the device's standing trust is high
// enough to skip the challenge. Medium-trust devices still step up.
func (e *Engine) ShouldSkipStepUp(ctx context.Context, userID, fingerprint string) (bool, error) {
	level, trusted, err := e.devices.CurrentTrust(ctx, userID, fingerprint)
	if err != nil {
		return false, err
	}
	return trusted && level >= devicetrust.TrustHigh, nil
}

func (e *Engine) validateTOTP(code, secret string) bool {
	valid, err := totp.ValidateCustom(code, secret, e.now(), totp.ValidateOpts{
		Period:    30,
		Skew:      e.cfg.TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

func (e *Engine) countVerification(outcome string) {
	e.countVerificationMethod(methodTOTP, outcome)
}

func (e *Engine) countVerificationMethod(method, outcome string) {
	if e.metrics != nil {
		e.metrics.StepUpVerificationsTotal.WithLabelValues(method, outcome).Inc()
	}
}

func failureOutcome(kind error) string {
	if errors.Is(kind, autherr.ErrReplayedCode) {
		return "replayed"
	}
	return "invalid"
}

func usedCodeKey(userID, code string) string {
	return usedCodeKeyPrefix + userID + ":" + code
}
