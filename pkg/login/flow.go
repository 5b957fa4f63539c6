// Package login composes assertion validation, device trust, and step-up
// into a single authentication decision. The flow never mints sessions;
// it hands the caller a validated identity and a step-up verdict.
package login

import (
	"context"
	"fmt"

	"github.com/campusworks/trustcore/pkg/autherr"
	"github.com/campusworks/trustcore/pkg/devicetrust"
	"github.com/campusworks/trustcore/pkg/federation"
)

// AssertionValidator is the slice of the federation validator the flow uses
type AssertionValidator interface {
	ValidateResponse(ctx context.Context, rawResponse, state string) (*federation.NormalizedIdentity, error)
}

// DeviceTrust is the slice of the device trust engine the flow uses
type DeviceTrust interface {
	RegisterDevice(ctx context.Context, userID, fingerprint string, descriptor devicetrust.Descriptor, clientIP string) (*devicetrust.TrustedDevice, error)
	AssessRisk(ctx context.Context, userID, fingerprint string, descriptor devicetrust.Descriptor, clientIP string) (devicetrust.RiskAssessment, error)
	PromoteDevice(ctx context.Context, userID, deviceID string, level devicetrust.TrustLevel, extendExpiry bool) (*devicetrust.TrustedDevice, error)
}

// StepUpVerifier is the slice of the step-up engine the flow uses
type StepUpVerifier interface {
	Verify(ctx context.Context, userID, code string) error
	ShouldSkipStepUp(ctx context.Context, userID, fingerprint string) (bool, error)
}

// AssertionLogin is one inbound federated login attempt
type AssertionLogin struct {
	// ProviderID, when set, must match the provider the relay state was
	// issued for
	ProviderID string
	// RawResponse is the base64-encoded response document as posted
	RawResponse string
	// RelayState is the opaque token issued with the outbound request
	RelayState string

	Signals    devicetrust.ClientSignals
	Descriptor devicetrust.Descriptor
	ClientIP   string
}

// Result is the flow's decision. When StepUpRequired is set the caller must
// run CompleteStepUp before treating the login as finished.
type Result struct {
	Identity       *federation.NormalizedIdentity
	Device         *devicetrust.TrustedDevice
	Risk           devicetrust.RiskAssessment
	Fingerprint    string
	StepUpRequired bool
}

// Flow orchestrates one login attempt across the three engines
type Flow struct {
	validator AssertionValidator
	devices   DeviceTrust
	stepup    StepUpVerifier
}

// NewFlow creates a login flow
func NewFlow(validator AssertionValidator, devices DeviceTrust, stepup StepUpVerifier) *Flow {
	return &Flow{
		validator: validator,
		devices:   devices,
		stepup:    stepup,
	}
}

// Authenticate validates the assertion, registers or refreshes the device,
// scores the attempt, and decides whether a step-up challenge is required.
func (f *Flow) Authenticate(ctx context.Context, in AssertionLogin) (*Result, error) {
	identity, err := f.validator.ValidateResponse(ctx, in.RawResponse, in.RelayState)
	if err != nil {
		return nil, err
	}
	if in.ProviderID != "" && in.ProviderID != identity.ProviderID {
		return nil, fmt.Errorf("%w: response provider does not match request", autherr.ErrStateExpiredOrUnknown)
	}

	fingerprint := devicetrust.Fingerprint(in.Signals)

	device, err := f.devices.RegisterDevice(ctx, identity.SubjectID, fingerprint, in.Descriptor, in.ClientIP)
	if err != nil {
		return nil, err
	}

	risk, err := f.devices.AssessRisk(ctx, identity.SubjectID, fingerprint, in.Descriptor, in.ClientIP)
	if err != nil {
		return nil, err
	}

	skip, err := f.stepup.ShouldSkipStepUp(ctx, identity.SubjectID, fingerprint)
	if err != nil {
		return nil, err
	}

	return &Result{
		Identity:       identity,
		Device:         device,
		Risk:           risk,
		Fingerprint:    fingerprint,
		StepUpRequired: !skip,
	}, nil
}

// CompleteStepUp verifies the submitted code and, on success, promotes the
// device to high trust with its expiry extended so the next login from it
// can skip the challenge.
func (f *Flow) CompleteStepUp(ctx context.Context, userID, deviceID, code string) (*devicetrust.TrustedDevice, error) {
	if err := f.stepup.Verify(ctx, userID, code); err != nil {
		return nil, err
	}
	return f.devices.PromoteDevice(ctx, userID, deviceID, devicetrust.TrustHigh, true)
}
