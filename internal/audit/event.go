// Package audit provides tamper-evident audit logging for the issuance
// control plane.
//
// Audit records are separate from technical logs: they capture who asked
// which CA to do what, and with what outcome. Records are JSONL with a
// SHA-256 hash chain so truncation or rewriting is detectable. A failed
// audit write fails the operation that triggered it.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes an audit record.
type EventType string

const (
	EventEnroll          EventType = "ENROLL"
	EventKeyUpdate       EventType = "KEY_UPDATE"
	EventCertConfirmed   EventType = "CERT_CONFIRMED"
	EventCertRejected    EventType = "CERT_REJECTED"
	EventPendingExpired  EventType = "PENDING_EXPIRED"
	EventCertRevoked     EventType = "CERT_REVOKED"
	EventCertUnsuspended EventType = "CERT_UNSUSPENDED"
	EventCertRemoved     EventType = "CERT_REMOVED"
	EventCRLGenerated    EventType = "CRL_GENERATED"
	EventAuthFailed      EventType = "AUTH_FAILED"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Event is one audit record.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Result    Result    `json:"result"`

	CA            string `json:"ca,omitempty"`
	Requestor     string `json:"requestor,omitempty"`
	Command       string `json:"command,omitempty"`
	TransactionID string `json:"tid,omitempty"`
	Serial        string `json:"serial,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Profile       string `json:"profile,omitempty"`
	Reason        string `json:"reason,omitempty"`

	HashPrev string `json:"hash_prev"`
	Hash     string `json:"hash"`
}

// NewEvent creates an audit record stamped with the current time.
func NewEvent(eventType EventType, result Result) *Event {
	return &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Result:    result,
	}
}

// Validate checks the fields every record must carry.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON serializes the record without its own hash, which is what
// the chain hash covers.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type eventForHash struct {
		EventType     EventType `json:"event_type"`
		Timestamp     string    `json:"timestamp"`
		Result        Result    `json:"result"`
		CA            string    `json:"ca,omitempty"`
		Requestor     string    `json:"requestor,omitempty"`
		Command       string    `json:"command,omitempty"`
		TransactionID string    `json:"tid,omitempty"`
		Serial        string    `json:"serial,omitempty"`
		Subject       string    `json:"subject,omitempty"`
		Profile       string    `json:"profile,omitempty"`
		Reason        string    `json:"reason,omitempty"`
		HashPrev      string    `json:"hash_prev"`
	}
	return json.Marshal(eventForHash{
		EventType:     e.EventType,
		Timestamp:     e.Timestamp,
		Result:        e.Result,
		CA:            e.CA,
		Requestor:     e.Requestor,
		Command:       e.Command,
		TransactionID: e.TransactionID,
		Serial:        e.Serial,
		Subject:       e.Subject,
		Profile:       e.Profile,
		Reason:        e.Reason,
		HashPrev:      e.HashPrev,
	})
}

// JSON serializes the full record.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
