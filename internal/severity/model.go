package severity

import (
	"time"

	"github.com/linnemanlabs/warden/internal/event"
)

// Method records which path produced an assessment.
type Method string

const (
	// MethodPrecomputed means the source already carried an
	// authoritative severity and the resolver passed it through.
	MethodPrecomputed Method = "precomputed"

	// MethodReasoning means the external reasoning boundary scored it.
	MethodReasoning Method = "external-reasoning"

	// MethodHeuristic means the deterministic fallback scored it.
	MethodHeuristic Method = "heuristic"
)

// Assessment is the outcome of severity resolution. Every resolution
// path terminates in a valid assessment; there is no failure variant.
type Assessment struct {
	Score       float64        `json:"score"`
	Label       event.Severity `json:"severity"`
	Reasoning   string         `json:"reasoning,omitempty"`
	RiskFactors []string       `json:"risk_factors,omitempty"`
	Method      Method         `json:"source_method"`
	ScoredAt    time.Time      `json:"scored_at"`
}
