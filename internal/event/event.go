// Package event defines the security event types Warden ingests and triages.
package event

import (
	"encoding/json"
	"time"
)

// Known trust-weighted event sources. Events from other origins are
// accepted with default trust.
const (
	SourceGuardDuty   = "aws.guardduty"
	SourceSecurityHub = "aws.securityhub"
	SourceCloudTrail  = "aws.cloudtrail"
)

// Severity is the four-value taxonomy used everywhere downstream of
// normalization. The reasoning boundary may emit LOW_MEDIUM, which
// collapses to LOW.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is one of the four downstream severity labels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Envelope is the raw source-specific wrapper delivered to the ingest
// endpoint. Field names follow the upstream event-bus format.
type Envelope struct {
	ID         string          `json:"id,omitempty"`
	Time       string          `json:"time,omitempty"`
	Source     string          `json:"source,omitempty"`
	Account    string          `json:"account,omitempty"`
	Region     string          `json:"region,omitempty"`
	DetailType string          `json:"detail-type,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// SecurityEvent is the canonical event shape produced by the normalizer.
// It is immutable after creation; pipeline stages enrich the persisted
// record, never the event itself.
type SecurityEvent struct {
	EventID   string          `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Account   string          `json:"account_id"`
	Region    string          `json:"region"`
	EventType string          `json:"event_type"`
	Severity  Severity        `json:"severity"`
	RawEvent  json.RawMessage `json:"raw_event"`
}

// TrustedSource reports whether the source already supplies an
// authoritative severity, so the severity resolver must not re-score it.
func TrustedSource(source string) bool {
	return source == SourceGuardDuty || source == SourceSecurityHub
}
