// Package federation validates SAML 2.0 assertions from enterprise
// identity providers and turns them into normalized identities.
//
// # Overview
//
// Each tenant organization registers an identity provider configuration
// (issuer, SSO endpoint, signing certificate, attribute mapping). The
// Validator builds the outbound authentication request, verifies the
// signed response, and enforces the controls the protocol leaves to the
// relying party:
//
//  1. Relay state issued per request, consumed exactly once
//  2. Signature verification against the provider's pinned certificate
//  3. Validity window with symmetric clock skew tolerance
//  4. Audience restriction matched exactly against our entity ID
//  5. Assertion ID replay detection for the remaining validity window
//
// Every failure carries a precise kind from pkg/autherr so callers can
// distinguish an expired assertion from a forged one.
//
// # Attribute Mapping
//
// Providers disagree on attribute names, so each configuration carries a
// closed mapping table from logical fields to assertion attributes:
//
//	mapping := federation.AttributeMap{
//		UserID:      "urn:oid:0.9.2342.19200300.100.1.1",
//		Email:       "urn:oid:0.9.2342.19200300.100.1.3",
//		DisplayName: "displayName",
//		Groups:      "memberOf",
//	}
//
// Assertion attributes not named in the mapping are dropped, never
// defaulted.
//
// # Related Packages
//
//   - pkg/devicetrust: risk assessment after identity is established
//   - pkg/stepup: second-factor challenges for untrusted devices
package federation
