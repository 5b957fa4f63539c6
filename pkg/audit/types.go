// Package audit carries structured security events from the trust core to
// one or more sinks. Emission is fire-and-forget: a broken audit pipe never
// blocks or fails an authentication decision.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventName identifies a security event
type EventName string

const (
	EventAssertionValidated  EventName = "assertion_validated"
	EventAssertionRejected   EventName = "assertion_rejected"
	EventDeviceRegistered    EventName = "device_registered"
	EventDeviceTrusted       EventName = "device_trusted"
	EventDeviceRevoked       EventName = "device_revoked"
	EventDeviceSweep         EventName = "device_sweep_completed"
	EventMFASuccess          EventName = "mfa_success"
	EventMFAFailed           EventName = "mfa_failed"
	EventMFALockedOut        EventName = "mfa_locked_out"
	EventMFADisabled         EventName = "mfa_disabled"
	EventEnrollmentStarted   EventName = "enrollment_started"
	EventEnrollmentConfirmed EventName = "enrollment_confirmed"
	EventLogoutRequested     EventName = "logout_request_issued"
)

// Event is a single audit record
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Name       EventName         `json:"name"`
	UserID     string            `json:"user_id,omitempty"`
	ProviderID string            `json:"provider_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewEvent builds an event stamped with a fresh ID and the current time
func NewEvent(name EventName) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Name:      name,
	}
}

// WithUser sets the subject
func (e Event) WithUser(userID string) Event {
	e.UserID = userID
	return e
}

// WithProvider sets the identity provider
func (e Event) WithProvider(providerID string) Event {
	e.ProviderID = providerID
	return e
}

// WithIP sets the client address
func (e Event) WithIP(ip string) Event {
	e.IPAddress = ip
	return e
}

// WithAttribute adds a key/value detail
func (e Event) WithAttribute(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}
