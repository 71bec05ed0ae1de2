// Package priority computes the blended 0-100 priority score for a
// security event. Fuse is the single source of truth for priority: the
// ingest pipeline and the read-time API both call it, so the ranking
// shown to operators always matches the ranking remediation acted on.
// Do not copy the formula or its constants elsewhere.
package priority

import (
	"strings"

	"github.com/linnemanlabs/warden/internal/event"
)

// Level thresholds on the fused 0-100 score. Boundaries are closed:
// a score of exactly 90 is CRITICAL.
const (
	CriticalThreshold = 90.0
	HighThreshold     = 70.0
	MediumThreshold   = 40.0
)

// Selector thresholds consumed by the remediation planner.
const (
	HumanReviewThreshold   = 80.0
	AutoRemediateThreshold = 90.0
)

// keywordBoost is applied when the event type carries a critical indicator.
const keywordBoost = 1.25

// sourceTrust amplifies scores from specialized detection sources.
// Unlisted sources get 1.0.
var sourceTrust = map[string]float64{
	event.SourceGuardDuty:   1.2,
	event.SourceSecurityHub: 1.1,
	event.SourceCloudTrail:  1.0,
}

// criticalKeywords are substrings of event types that indicate an active
// threat regardless of the model's confidence.
var criticalKeywords = []string{
	"UnauthorizedAccess",
	"Recon",
	"Trojan",
	"Backdoor",
	"CryptoCurrency",
	"RootCredential",
	"AnomalousBehavior",
}

// Fuse combines the ML threat score, source trust, and event-type
// keywords into a priority score in [0,100] and its level. It is pure
// and deterministic: identical inputs always produce identical output.
func Fuse(threatScore float64, source, eventType string) (float64, event.Severity) {
	score := normalizeScale(threatScore)

	weight, ok := sourceTrust[source]
	if !ok {
		weight = 1.0
	}
	score *= weight

	for _, kw := range criticalKeywords {
		if strings.Contains(eventType, kw) {
			score *= keywordBoost
			break
		}
	}

	score = clamp(score, 0, 100)
	return score, Level(score)
}

// Level maps a fused score to its priority tier.
func Level(score float64) event.Severity {
	switch {
	case score >= CriticalThreshold:
		return event.SeverityCritical
	case score >= HighThreshold:
		return event.SeverityHigh
	case score >= MediumThreshold:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

// normalizeScale reconciles the two scales threat scores have arrived
// in historically: model confidence in [0,1] and pre-scaled [0,100]
// values. Anything above 100 is a double-scaled input and is divided
// back down before use.
func normalizeScale(ts float64) float64 {
	switch {
	case ts > 100:
		return ts / 100
	case ts <= 1:
		return ts * 100
	default:
		return ts
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
