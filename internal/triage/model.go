package triage

import (
	"time"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/mlscore"
	"github.com/linnemanlabs/warden/internal/remediation"
	"github.com/linnemanlabs/warden/internal/severity"
)

// Result is the persisted priority decision. It is re-derivable from
// (threat_score, source, event_type) alone via priority.Fuse, and the
// read path recomputes it with the same function when the stored value
// is missing.
type Result struct {
	PriorityScore       float64        `json:"priority_score"`
	PriorityLevel       event.Severity `json:"priority_level"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	AutoRemediate       bool           `json:"auto_remediate"`
	RecommendedActions  []string       `json:"recommended_actions"`
	TriageTimestamp     time.Time      `json:"triage_timestamp"`
}

// Record is the one logical record persisted per event: the immutable
// event plus the enrichments each pipeline stage appended. Records are
// read-only after the pipeline completes, except for the remediation
// stage's one-time append.
type Record struct {
	Event       event.SecurityEvent  `json:"event"`
	Threat      *mlscore.Assessment  `json:"ml_prediction,omitempty"`
	Severity    *severity.Assessment `json:"severity_analysis,omitempty"`
	Triage      *Result              `json:"triage,omitempty"`
	Remediation *remediation.Outcome `json:"remediation,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}
