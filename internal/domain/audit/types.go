// Package audit contains domain types for the append-only audit ledger.
package audit

import (
	"strings"
	"time"
)

// Event types emitted by the feature pipeline.
const (
	// EventFeatureSucceeded records an invocation that reached DONE.
	EventFeatureSucceeded = "feature.succeeded"
	// EventFeatureFailed records an invocation that reached FAILED.
	EventFeatureFailed = "feature.failed"
)

// Detail keys written by the feature pipeline.
const (
	DetailFeature   = "feature"
	DetailKind      = "feature_kind"
	DetailResource  = "resource"
	DetailAction    = "action"
	DetailRole      = "role"
	DetailEpoch     = "auth_epoch"
	DetailScope     = "scope"
	DetailRule      = "rule"
	DetailStage     = "stage"
	DetailErrorKind = "error_kind"
	DetailDuration  = "duration_ms"
)

// Event is one immutable audit record. Type, Actor and Timestamp are
// mandatory; an event missing any of them is never written.
type Event struct {
	// ID correlates the event with the invocation that produced it. Any
	// non-blank string is accepted.
	ID string `validate:"omitempty,notblank"`
	// Type categorizes the event (feature.succeeded, feature.failed).
	Type string `validate:"notblank"`
	// Actor is the principal ID that performed the invocation.
	Actor string `validate:"notblank"`
	// Target names what was acted upon (resource, optionally scoped).
	Target string
	// Reason explains the outcome in stable human-readable form.
	Reason string
	// Timestamp is when the event was emitted (UTC).
	Timestamp time.Time `validate:"required"`
	// Details carries flat key/value context.
	Details map[string]string
}

// Record is the flat, schema-stable persisted form of an Event. Every key
// is always present; field order is irrelevant.
type Record struct {
	ID              string            `json:"id" yaml:"id"`
	Type            string            `json:"type" yaml:"type"`
	Actor           string            `json:"actor" yaml:"actor"`
	Target          string            `json:"target" yaml:"target"`
	Reason          string            `json:"reason" yaml:"reason"`
	TimestampMillis int64             `json:"timestampMillis" yaml:"timestampMillis"`
	Details         map[string]string `json:"details" yaml:"details"`
}

// ToRecord flattens e for persistence.
func (e Event) ToRecord() Record {
	details := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	return Record{
		ID:              e.ID,
		Type:            e.Type,
		Actor:           e.Actor,
		Target:          e.Target,
		Reason:          e.Reason,
		TimestampMillis: e.Timestamp.UnixMilli(),
		Details:         details,
	}
}

// Event rebuilds the domain event from its persisted form.
func (r Record) Event() Event {
	var details map[string]string
	if len(r.Details) > 0 {
		details = make(map[string]string, len(r.Details))
		for k, v := range r.Details {
			details[k] = v
		}
	}
	return Event{
		ID:        r.ID,
		Type:      r.Type,
		Actor:     r.Actor,
		Target:    r.Target,
		Reason:    r.Reason,
		Timestamp: time.UnixMilli(r.TimestampMillis).UTC(),
		Details:   details,
	}
}

// sensitiveKeywords lists substrings that indicate a sensitive detail key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "private_key", "privatekey",
}

// Redacted is the replacement value for sensitive details.
const Redacted = "***REDACTED***"

// RedactDetails returns a copy of details with sensitive values masked.
func RedactDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return details
	}
	redacted := make(map[string]string, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			redacted[k] = Redacted
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
