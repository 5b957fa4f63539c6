// Package stepup issues and verifies time-based one-time-password
// challenges for logins that device trust alone cannot clear.
//
// Enrollment is two-phase. BeginEnrollment generates a shared secret and a
// set of single-use backup codes, returns them to the user exactly once,
// and parks them in a short-lived pending entry; nothing durable exists
// until ConfirmEnrollment sees a valid code from the user's authenticator.
// The confirmed secret is sealed at rest and backup codes are stored only
// as bcrypt hashes.
//
// Verify enforces three independent guards:
//
//   - a failure counter that locks the user out for a cooldown window once
//     it reaches the configured maximum
//   - an atomic per-code replay marker spanning the TOTP acceptance window,
//     so a captured code cannot be submitted a second time
//   - optimistic timestamp guards on every counter update, so concurrent
//     attempts against the same account cannot under-count failures
//
// When the replay marker store is unreachable the verification fails
// closed with autherr.ErrPersistenceUnavailable.
package stepup
