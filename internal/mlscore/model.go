package mlscore

import "time"

// Assessment is the normalized output of the ML scoring boundary. A
// zero score with Error set means the boundary was unavailable; the
// event still proceeds through triage with a neutral score.
type Assessment struct {
	ThreatScore     float64   `json:"threat_score"`
	PredictionLabel string    `json:"prediction_label,omitempty"`
	ModelVersion    string    `json:"model_version,omitempty"`
	EvaluatedAt     time.Time `json:"evaluated_at"`
	Error           string    `json:"error,omitempty"`
}

// Degraded reports whether the assessment came from the failure path.
func (a Assessment) Degraded() bool { return a.Error != "" }
