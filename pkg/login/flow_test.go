package login

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/trustcore/pkg/autherr"
	"github.com/campusworks/trustcore/pkg/devicetrust"
	"github.com/campusworks/trustcore/pkg/federation"
)

type fakeValidator struct {
	identity *federation.NormalizedIdentity
	err      error
}

func (f *fakeValidator) ValidateResponse(context.Context, string, string) (*federation.NormalizedIdentity, error) {
	return f.identity, f.err
}

type fakeDevices struct {
	device       *devicetrust.TrustedDevice
	risk         devicetrust.RiskAssessment
	promoted     *devicetrust.TrustedDevice
	promoteCalls int
	promoteLevel devicetrust.TrustLevel
}

func (f *fakeDevices) RegisterDevice(_ context.Context, _, _ string, _ devicetrust.Descriptor, _ string) (*devicetrust.TrustedDevice, error) {
	return f.device, nil
}

func (f *fakeDevices) AssessRisk(context.Context, string, string, devicetrust.Descriptor, string) (devicetrust.RiskAssessment, error) {
	return f.risk, nil
}

func (f *fakeDevices) PromoteDevice(_ context.Context, _, _ string, level devicetrust.TrustLevel, _ bool) (*devicetrust.TrustedDevice, error) {
	f.promoteCalls++
	f.promoteLevel = level
	return f.promoted, nil
}

type fakeStepUp struct {
	skip      bool
	verifyErr error
	verified  int
}

func (f *fakeStepUp) Verify(context.Context, string, string) error {
	f.verified++
	return f.verifyErr
}

func (f *fakeStepUp) ShouldSkipStepUp(context.Context, string, string) (bool, error) {
	return f.skip, nil
}

func testIdentity() *federation.NormalizedIdentity {
	return &federation.NormalizedIdentity{
		SubjectID:  "alice@example.edu",
		ProviderID: "okta-prod",
		Email:      "alice@example.edu",
	}
}

func testLogin() AssertionLogin {
	return AssertionLogin{
		RawResponse: "base64-response",
		RelayState:  "state-token",
		Signals:     devicetrust.ClientSignals{UserAgent: "Mozilla/5.0"},
		Descriptor:  devicetrust.Descriptor{Platform: "macos", UserAgent: "Mozilla/5.0"},
		ClientIP:    "203.0.113.9",
	}
}

func TestAuthenticateRequiresStepUpForUntrustedDevice(t *testing.T) {
	devices := &fakeDevices{
		device: &devicetrust.TrustedDevice{ID: "device-1", TrustLevel: devicetrust.TrustLow},
		risk:   devicetrust.RiskAssessment{Score: 75, Level: devicetrust.RiskMedium},
	}
	flow := NewFlow(&fakeValidator{identity: testIdentity()}, devices, &fakeStepUp{skip: false})

	result, err := flow.Authenticate(context.Background(), testLogin())
	require.NoError(t, err)

	assert.True(t, result.StepUpRequired)
	assert.Equal(t, "alice@example.edu", result.Identity.SubjectID)
	assert.Equal(t, "device-1", result.Device.ID)
	assert.Equal(t, 75, result.Risk.Score)
	assert.NotEmpty(t, result.Fingerprint)
}

func TestAuthenticateSkipsStepUpForTrustedDevice(t *testing.T) {
	devices := &fakeDevices{
		device: &devicetrust.TrustedDevice{ID: "device-1", TrustLevel: devicetrust.TrustHigh, Trusted: true},
		risk:   devicetrust.RiskAssessment{Score: 100, Level: devicetrust.RiskLow},
	}
	flow := NewFlow(&fakeValidator{identity: testIdentity()}, devices, &fakeStepUp{skip: true})

	result, err := flow.Authenticate(context.Background(), testLogin())
	require.NoError(t, err)
	assert.False(t, result.StepUpRequired)
}

func TestAuthenticateRejectsInvalidAssertion(t *testing.T) {
	flow := NewFlow(&fakeValidator{err: autherr.ErrSignatureInvalid}, &fakeDevices{}, &fakeStepUp{})

	_, err := flow.Authenticate(context.Background(), testLogin())
	assert.ErrorIs(t, err, autherr.ErrSignatureInvalid)
}

func TestAuthenticateRejectsProviderMismatch(t *testing.T) {
	flow := NewFlow(&fakeValidator{identity: testIdentity()}, &fakeDevices{}, &fakeStepUp{})

	in := testLogin()
	in.ProviderID = "azure-ad"
	_, err := flow.Authenticate(context.Background(), in)
	assert.ErrorIs(t, err, autherr.ErrStateExpiredOrUnknown)
}

func TestCompleteStepUpPromotesDevice(t *testing.T) {
	devices := &fakeDevices{
		promoted: &devicetrust.TrustedDevice{ID: "device-1", TrustLevel: devicetrust.TrustHigh, Trusted: true},
	}
	stepup := &fakeStepUp{}
	flow := NewFlow(&fakeValidator{}, devices, stepup)

	device, err := flow.CompleteStepUp(context.Background(), "alice@example.edu", "device-1", "123456")
	require.NoError(t, err)

	assert.Equal(t, 1, stepup.verified)
	assert.Equal(t, 1, devices.promoteCalls)
	assert.Equal(t, devicetrust.TrustHigh, devices.promoteLevel)
	assert.Equal(t, devicetrust.TrustHigh, device.TrustLevel)
}

func TestCompleteStepUpFailedCodeDoesNotPromote(t *testing.T) {
	devices := &fakeDevices{}
	flow := NewFlow(&fakeValidator{}, devices, &fakeStepUp{verifyErr: autherr.ErrInvalidCode})

	_, err := flow.CompleteStepUp(context.Background(), "alice@example.edu", "device-1", "000000")
	assert.ErrorIs(t, err, autherr.ErrInvalidCode)
	assert.Zero(t, devices.promoteCalls)
}
