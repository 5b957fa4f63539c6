package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trust core
type Metrics struct {
	// Federation metrics
	AssertionsValidatedTotal *prometheus.CounterVec
	AssertionValidationTime  prometheus.Histogram
	RelayStatesIssuedTotal   prometheus.Counter

	// Step-up metrics
	StepUpVerificationsTotal *prometheus.CounterVec
	EnrollmentsTotal         *prometheus.CounterVec
	LockoutsTotal            prometheus.Counter

	// Device trust metrics
	RiskAssessmentsTotal   *prometheus.CounterVec
	DevicesRegisteredTotal prometheus.Counter
	DevicesSweptTotal      prometheus.Counter

	// Audit metrics
	AuditEventsTotal        *prometheus.CounterVec
	AuditEventsDroppedTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		AssertionsValidatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcore_assertions_validated_total",
				Help: "Total assertion validations by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		AssertionValidationTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trustcore_assertion_validation_seconds",
				Help:    "Assertion validation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RelayStatesIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trustcore_relay_states_issued_total",
				Help: "Total outbound authentication requests issued",
			},
		),
		StepUpVerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcore_stepup_verifications_total",
				Help: "Total step-up verification attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		EnrollmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcore_mfa_enrollments_total",
				Help: "Total MFA enrollment operations by stage",
			},
			[]string{"stage"},
		),
		LockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trustcore_mfa_lockouts_total",
				Help: "Total MFA lockouts engaged",
			},
		),
		RiskAssessmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcore_risk_assessments_total",
				Help: "Total risk assessments by resulting level",
			},
			[]string{"level"},
		),
		DevicesRegisteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trustcore_devices_registered_total",
				Help: "Total new trusted device registrations",
			},
		),
		DevicesSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trustcore_devices_swept_total",
				Help: "Total device records deactivated by the expiry sweep",
			},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trustcore_audit_events_total",
				Help: "Total audit events emitted by name",
			},
			[]string{"event"},
		),
		AuditEventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trustcore_audit_events_dropped_total",
				Help: "Total audit events dropped because the dispatcher buffer was full",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.AssertionsValidatedTotal,
		m.AssertionValidationTime,
		m.RelayStatesIssuedTotal,
		m.StepUpVerificationsTotal,
		m.EnrollmentsTotal,
		m.LockoutsTotal,
		m.RiskAssessmentsTotal,
		m.DevicesRegisteredTotal,
		m.DevicesSweptTotal,
		m.AuditEventsTotal,
		m.AuditEventsDroppedTotal,
	)

	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
