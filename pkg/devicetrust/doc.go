// Package devicetrust converts raw client signals into a stable device
// identity and a risk-informed trust decision, and owns the lifecycle of
// that trust over time.
//
// A device is identified by a deterministic fingerprint over the client's
// reported signals. Each (user, fingerprint) pair maps to at most one
// active TrustedDevice record; revoked and expired records stay on disk
// for audit but never influence trust decisions.
//
// Risk scoring starts from a 100-point baseline and subtracts configured
// penalties for shared fingerprints, automation signatures, unknown
// platforms, unfamiliar or high-risk countries, and off-hours logins. The
// weights and thresholds ship with defaults but are policy knobs, loaded
// from configuration rather than compiled in.
//
// Trust expires after a configurable horizon. Expiry is enforced twice:
// every read re-evaluates it, and a periodic sweep deactivates stale rows
// so the table does not accumulate live-looking records.
package devicetrust
