// Package observability provides the structured logger and Prometheus
// metrics shared by the authentication trust core. The logger is a thin
// wrapper over log/slog emitting JSON; metrics cover assertion validation,
// step-up verification, risk scoring, and the device expiry sweep.
package observability
