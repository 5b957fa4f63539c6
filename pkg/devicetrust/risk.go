package devicetrust

import (
	"fmt"
	"strings"
	"time"

	"github.com/campusworks/trustcore/pkg/config"
)

// automationSignatures are user-agent fragments that indicate scripted
// clients rather than browsers.
var automationSignatures = []string{
	"headless", "phantomjs", "selenium", "puppeteer", "playwright",
	"curl", "wget", "python-requests", "python-urllib", "bot", "spider",
	"crawler", "scrapy",
}

// RiskInput is everything a risk assessment may consider. The caller
// gathers the historical pieces; scoring itself touches no storage.
type RiskInput struct {
	UserID      string
	Fingerprint string
	Descriptor  Descriptor

	// Country resolved from the client IP; empty when resolution failed
	Country string
	// RecentCountries seen for this user in the trailing window
	RecentCountries []string
	// FingerprintSharedWithOtherUser is true when the same fingerprint is
	// already registered under a different user
	FingerprintSharedWithOtherUser bool

	Now time.Time
}

// RiskPolicy holds the scoring weights and thresholds. All values come
// from configuration; the zero value is useless, use NewRiskPolicy.
type RiskPolicy struct {
	cfg       config.DeviceTrustConfig
	highRisk  map[string]bool
	platforms map[string]bool
}

// NewRiskPolicy compiles the configured weights into a scoring policy
func NewRiskPolicy(cfg config.DeviceTrustConfig) *RiskPolicy {
	highRisk := make(map[string]bool, len(cfg.HighRiskCountries))
	for _, country := range cfg.HighRiskCountries {
		highRisk[strings.ToUpper(country)] = true
	}
	platforms := make(map[string]bool, len(cfg.KnownPlatforms))
	for _, platform := range cfg.KnownPlatforms {
		platforms[strings.ToLower(platform)] = true
	}
	return &RiskPolicy{cfg: cfg, highRisk: highRisk, platforms: platforms}
}

// Assess scores one login context. The score starts at 100 and each
// triggered factor subtracts its weight; the result is clamped to [0,100].
// Identical inputs always produce identical assessments.
func (p *RiskPolicy) Assess(input RiskInput) RiskAssessment {
	score := 100
	var factors []RiskFactor

	apply := func(factorType, description string, weight int, severity RiskLevel) {
		score -= weight
		factors = append(factors, RiskFactor{
			Type:        factorType,
			Description: description,
			Weight:      -weight,
			Severity:    severity,
		})
	}

	if input.FingerprintSharedWithOtherUser {
		apply("shared_fingerprint",
			"device fingerprint is registered to another user",
			p.cfg.WeightSharedFingerprint, RiskHigh)
	}

	if isAutomation(input.Descriptor.UserAgent) {
		apply("automation",
			"user agent matches a known automation signature",
			p.cfg.WeightAutomation, RiskCritical)
	}

	if platform := strings.ToLower(input.Descriptor.Platform); platform != "" && !p.platforms[platform] {
		apply("unknown_platform",
			fmt.Sprintf("platform %q is outside the known set", input.Descriptor.Platform),
			p.cfg.WeightUnknownPlatform, RiskMedium)
	}

	if input.Country != "" {
		if !containsFold(input.RecentCountries, input.Country) {
			apply("new_country",
				fmt.Sprintf("country %s not seen for this user recently", input.Country),
				p.cfg.WeightNewCountry, RiskMedium)
		}
		if p.highRisk[strings.ToUpper(input.Country)] {
			apply("high_risk_country",
				fmt.Sprintf("country %s is on the high-risk list", input.Country),
				p.cfg.WeightHighRiskCountry, RiskHigh)
		}
	}

	hour := input.Now.Hour()
	if hour < p.cfg.BusinessHoursStart || hour >= p.cfg.BusinessHoursEnd {
		apply("off_hours",
			fmt.Sprintf("login at %02d:00 is outside business hours", hour),
			p.cfg.WeightOffHours, RiskLow)
	}

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	level := p.level(score)
	return RiskAssessment{
		Score:              score,
		Level:              level,
		Factors:            factors,
		RecommendedActions: recommendedActions(level),
	}
}

// level buckets a clamped score
func (p *RiskPolicy) level(score int) RiskLevel {
	switch {
	case score < p.cfg.ThresholdCritical:
		return RiskCritical
	case score < p.cfg.ThresholdHigh:
		return RiskHigh
	case score < p.cfg.ThresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// initialTrustLevel maps a registration-time score to the starting trust
func (p *RiskPolicy) initialTrustLevel(score int) TrustLevel {
	switch {
	case score >= p.cfg.InitialHighScore:
		return TrustHigh
	case score >= p.cfg.InitialMediumScore:
		return TrustMedium
	default:
		return TrustLow
	}
}

func recommendedActions(level RiskLevel) []string {
	switch level {
	case RiskCritical:
		return []string{"deny_or_review", "require_step_up", "notify_user"}
	case RiskHigh:
		return []string{"require_step_up", "notify_user"}
	case RiskMedium:
		return []string{"require_step_up"}
	default:
		return []string{"allow"}
	}
}

func isAutomation(userAgent string) bool {
	lowered := strings.ToLower(userAgent)
	for _, signature := range automationSignatures {
		if strings.Contains(lowered, signature) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, candidate := range haystack {
		if strings.EqualFold(candidate, needle) {
			return true
		}
	}
	return false
}
