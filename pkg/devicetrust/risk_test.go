package devicetrust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/campusworks/trustcore/pkg/config"
)

func policyConfig() config.DeviceTrustConfig {
	return config.DeviceTrustConfig{
		TrustHorizon:      90 * 24 * time.Hour,
		HighRiskCountries: []string{"XX", "YY"},
		KnownPlatforms:    []string{"windows", "macos", "linux", "ios", "android"},

		WeightSharedFingerprint: 30,
		WeightAutomation:        50,
		WeightUnknownPlatform:   20,
		WeightNewCountry:        25,
		WeightHighRiskCountry:   40,
		WeightOffHours:          10,

		ThresholdCritical: 50,
		ThresholdHigh:     70,
		ThresholdMedium:   85,

		InitialHighScore:   90,
		InitialMediumScore: 75,

		BusinessHoursStart: 6,
		BusinessHoursEnd:   22,
	}
}

// businessHours is a weekday mid-morning timestamp
var businessHours = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func benignInput() RiskInput {
	return RiskInput{
		UserID:      "user-1",
		Fingerprint: "fp-1",
		Descriptor: Descriptor{
			Platform:  "macos",
			Browser:   "Safari",
			OS:        "macOS 15",
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		},
		Country:         "US",
		RecentCountries: []string{"US"},
		Now:             businessHours,
	}
}

func TestAssessBenignContextScoresFull(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())
	assessment := policy.Assess(benignInput())

	assert.Equal(t, 100, assessment.Score)
	assert.Equal(t, RiskLow, assessment.Level)
	assert.Empty(t, assessment.Factors)
	assert.Equal(t, []string{"allow"}, assessment.RecommendedActions)
}

func TestAssessIndividualFactors(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())

	tests := []struct {
		name       string
		mutate     func(*RiskInput)
		wantScore  int
		wantFactor string
	}{
		{
			"shared fingerprint",
			func(in *RiskInput) { in.FingerprintSharedWithOtherUser = true },
			70, "shared_fingerprint",
		},
		{
			"automation user agent",
			func(in *RiskInput) { in.Descriptor.UserAgent = "python-requests/2.31" },
			50, "automation",
		},
		{
			"unknown platform",
			func(in *RiskInput) { in.Descriptor.Platform = "beos" },
			80, "unknown_platform",
		},
		{
			"new country",
			func(in *RiskInput) { in.Country = "DE" },
			75, "new_country",
		},
		{
			"off hours",
			func(in *RiskInput) { in.Now = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC) },
			90, "off_hours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := benignInput()
			tt.mutate(&input)
			assessment := policy.Assess(input)

			assert.Equal(t, tt.wantScore, assessment.Score)
			assert.Len(t, assessment.Factors, 1)
			assert.Equal(t, tt.wantFactor, assessment.Factors[0].Type)
		})
	}
}

func TestAssessHighRiskCountryStacksWithNewCountry(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())

	input := benignInput()
	input.Country = "XX"
	assessment := policy.Assess(input)

	// -25 new country, -40 high-risk country
	assert.Equal(t, 35, assessment.Score)
	assert.Equal(t, RiskCritical, assessment.Level)
	assert.Contains(t, assessment.RecommendedActions, "deny_or_review")
}

func TestAssessMonotonicPerFactor(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())
	baseline := policy.Assess(benignInput()).Score

	mutations := []func(*RiskInput){
		func(in *RiskInput) { in.FingerprintSharedWithOtherUser = true },
		func(in *RiskInput) { in.Descriptor.UserAgent = "HeadlessChrome" },
		func(in *RiskInput) { in.Descriptor.Platform = "templeos" },
		func(in *RiskInput) { in.Country = "BR" },
		func(in *RiskInput) { in.Now = time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC) },
	}

	for _, mutate := range mutations {
		input := benignInput()
		mutate(&input)
		assert.LessOrEqual(t, policy.Assess(input).Score, baseline)
	}
}

func TestAssessScoreClampedAtZero(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())

	input := RiskInput{
		UserID:      "user-1",
		Fingerprint: "fp-1",
		Descriptor: Descriptor{
			Platform:  "unknown-os",
			UserAgent: "selenium webdriver",
		},
		Country:                        "XX",
		FingerprintSharedWithOtherUser: true,
		Now:                            time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
	}
	assessment := policy.Assess(input)

	assert.Equal(t, 0, assessment.Score)
	assert.Equal(t, RiskCritical, assessment.Level)
	assert.Len(t, assessment.Factors, 6)
}

func TestAssessUnresolvedCountrySkipsGeography(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())

	input := benignInput()
	input.Country = ""
	input.RecentCountries = nil
	assessment := policy.Assess(input)

	assert.Equal(t, 100, assessment.Score)
}

func TestRiskLevelThresholds(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())

	assert.Equal(t, RiskCritical, policy.level(0))
	assert.Equal(t, RiskCritical, policy.level(49))
	assert.Equal(t, RiskHigh, policy.level(50))
	assert.Equal(t, RiskHigh, policy.level(69))
	assert.Equal(t, RiskMedium, policy.level(70))
	assert.Equal(t, RiskMedium, policy.level(84))
	assert.Equal(t, RiskLow, policy.level(85))
	assert.Equal(t, RiskLow, policy.level(100))
}

func TestInitialTrustLevel(t *testing.T) {
	policy := NewRiskPolicy(policyConfig())

	assert.Equal(t, TrustHigh, policy.initialTrustLevel(100))
	assert.Equal(t, TrustHigh, policy.initialTrustLevel(90))
	assert.Equal(t, TrustMedium, policy.initialTrustLevel(89))
	assert.Equal(t, TrustMedium, policy.initialTrustLevel(75))
	assert.Equal(t, TrustLow, policy.initialTrustLevel(74))
	assert.Equal(t, TrustLow, policy.initialTrustLevel(0))
}

func TestTrustLevelRoundTrip(t *testing.T) {
	levels := []TrustLevel{TrustUntrusted, TrustLow, TrustMedium, TrustHigh, TrustVerified}
	for _, level := range levels {
		assert.Equal(t, level, ParseTrustLevel(level.String()))
	}
	assert.Equal(t, TrustUntrusted, ParseTrustLevel("garbage"))
}

func TestIsAutomation(t *testing.T) {
	assert.True(t, isAutomation("Mozilla/5.0 HeadlessChrome/120.0"))
	assert.True(t, isAutomation("curl/8.4.0"))
	assert.True(t, isAutomation("Googlebot/2.1"))
	assert.False(t, isAutomation("Mozilla/5.0 (Windows NT 10.0) Chrome/120.0"))
}
