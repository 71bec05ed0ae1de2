// Package normalize canonicalizes raw source envelopes into the uniform
// SecurityEvent shape and emits them onto the event log. Unlike the
// later pipeline stages, normalization failures are fatal and surfaced
// to the caller: a malformed envelope must not enter the pipeline with
// fabricated data beyond the documented defaults.
package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/stream"
)

// unknown substitutes absent scalar envelope fields.
const unknown = "unknown"

// Normalizer converts envelopes to SecurityEvents and publishes them.
type Normalizer struct {
	publisher stream.Publisher
	logger    log.Logger
	now       func() time.Time
}

// New creates a normalizer that emits onto the given publisher.
func New(publisher stream.Publisher, logger log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Normalize canonicalizes the envelope, computes the first-pass
// severity, and emits the event onto the event log. The returned event
// is the caller's copy; the pipeline consumes its own from the log.
func (n *Normalizer) Normalize(ctx context.Context, env *event.Envelope) (*event.SecurityEvent, error) {
	ev, err := n.canonicalize(env)
	if err != nil {
		return nil, err
	}

	if err := n.publisher.Publish(ctx, ev); err != nil {
		return nil, fmt.Errorf("emit normalized event: %w", err)
	}

	n.logger.Info(ctx, "event normalized",
		"event_id", ev.EventID,
		"source", ev.Source,
		"event_type", ev.EventType,
		"severity", string(ev.Severity),
	)
	return ev, nil
}

func (n *Normalizer) canonicalize(env *event.Envelope) (*event.SecurityEvent, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}

	detail := env.Detail
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	if !json.Valid(detail) {
		return nil, fmt.Errorf("envelope detail is not valid JSON")
	}

	now := n.now().UTC()

	id := env.ID
	if id == "" {
		id = fmt.Sprintf("event-%d", now.Unix())
	}

	ts := now
	if env.Time != "" {
		parsed, err := time.Parse(time.RFC3339, env.Time)
		if err != nil {
			return nil, fmt.Errorf("envelope time %q: %w", env.Time, err)
		}
		ts = parsed.UTC()
	}

	source := orUnknown(env.Source)

	return &event.SecurityEvent{
		EventID:   id,
		Timestamp: ts,
		Source:    source,
		Account:   orUnknown(env.Account),
		Region:    orUnknown(env.Region),
		EventType: orUnknown(env.DetailType),
		Severity:  firstPassSeverity(source, detail),
		RawEvent:  detail,
	}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// detectorDetail covers the severity fields of the trusted detector
// sources: a 0-10 score for intrusion-detector findings and a 0-100
// normalized score for compliance findings.
type detectorDetail struct {
	Severity json.RawMessage `json:"severity"`
	HubSev   struct {
		Normalized float64 `json:"Normalized"`
	} `json:"Severity"`
}

// firstPassSeverity derives the ingest-time severity. Trusted detector
// sources carry a reliable numeric severity which is mapped here once
// and never re-derived downstream; other sources start at MEDIUM until
// the severity resolver scores them.
func firstPassSeverity(source string, detail json.RawMessage) event.Severity {
	var d detectorDetail
	if err := json.Unmarshal(detail, &d); err != nil {
		return event.SeverityMedium
	}

	switch source {
	case event.SourceGuardDuty:
		var score float64
		_ = json.Unmarshal(d.Severity, &score)
		return severityFromScore(score, 7, 4, 1)
	case event.SourceSecurityHub:
		return severityFromScore(d.HubSev.Normalized, 70, 40, 1)
	default:
		return event.SeverityMedium
	}
}

func severityFromScore(score, critical, high, medium float64) event.Severity {
	switch {
	case score >= critical:
		return event.SeverityCritical
	case score >= high:
		return event.SeverityHigh
	case score >= medium:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}
