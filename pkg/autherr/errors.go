// Package autherr defines the failure taxonomy shared by the federation,
// device trust, and step-up components. Callers match on these sentinels
// with errors.Is; none of them are ever collapsed into a generic
// "authentication failed" inside the core.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigurationMissing indicates the referenced identity provider or
	// MFA configuration does not exist or is disabled.
	ErrConfigurationMissing = errors.New("configuration missing")
	// ErrSignatureInvalid indicates the assertion signature could not be
	// verified against the configured provider certificate.
	ErrSignatureInvalid = errors.New("assertion signature invalid")
	// ErrAssertionExpired indicates the assertion's NotOnOrAfter bound is in
	// the past beyond the configured clock skew.
	ErrAssertionExpired = errors.New("assertion expired")
	// ErrAssertionNotYetValid indicates the assertion's NotBefore bound is in
	// the future beyond the configured clock skew.
	ErrAssertionNotYetValid = errors.New("assertion not yet valid")
	// ErrAudienceMismatch indicates the assertion was issued for a different
	// recipient entity.
	ErrAudienceMismatch = errors.New("assertion audience mismatch")
	// ErrReplayDetected indicates the assertion identifier has already been
	// consumed within its validity window.
	ErrReplayDetected = errors.New("assertion replay detected")
	// ErrStateExpiredOrUnknown indicates the presented relay state was not
	// found in the cache (expired, already consumed, or never issued).
	ErrStateExpiredOrUnknown = errors.New("relay state expired or unknown")
	// ErrInvalidCode indicates a TOTP or backup code that failed verification.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrReplayedCode indicates a TOTP code that was already accepted once
	// within its acceptance window.
	ErrReplayedCode = errors.New("verification code already used")
	// ErrLockedOut indicates too many failed verification attempts; the code
	// was not evaluated. Usually wrapped in a LockoutError carrying the
	// remaining cooldown.
	ErrLockedOut = errors.New("verification locked out")
	// ErrNotEnrolled indicates the user has no active MFA enrollment.
	ErrNotEnrolled = errors.New("mfa not enrolled")
	// ErrUpstreamTimeout indicates an external call (provider endpoint,
	// cache, database) exceeded its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstream indicates an external endpoint returned a non-2xx response.
	ErrUpstream = errors.New("upstream error")
	// ErrPersistenceUnavailable indicates the store or cache could not be
	// reached during a security-critical check. Such checks fail closed.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// LockoutError reports an active lockout window. It matches ErrLockedOut
// under errors.Is so callers can branch on the kind and still surface the
// retry-after duration.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("verification locked out, retry in %s", e.RetryAfter.Round(time.Second))
}

// Unwrap exposes ErrLockedOut so errors.Is matching works.
func (e *LockoutError) Unwrap() error {
	return ErrLockedOut
}

// RetryAfterSeconds returns the remaining cooldown in whole seconds,
// rounded up so a caller never retries early.
func (e *LockoutError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}
