package priority

import (
	"testing"

	"github.com/linnemanlabs/warden/internal/event"
)

func TestFuse_Examples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threat    float64
		source    string
		eventType string
		wantScore float64
		wantLevel event.Severity
	}{
		{
			name:      "high confidence from trusted detector",
			threat:    0.95,
			source:    event.SourceGuardDuty,
			eventType: "UnauthorizedAccess:IAMUser/MaliciousIPCaller",
			wantScore: 100, // 95 * 1.2 * 1.25 clamps
			wantLevel: event.SeverityCritical,
		},
		{
			name:      "low confidence from unknown source",
			threat:    0.3,
			source:    "unknown",
			eventType: "ConsoleLogin",
			wantScore: 30,
			wantLevel: event.SeverityLow,
		},
		{
			name:      "cloudtrail has neutral trust",
			threat:    0.5,
			source:    event.SourceCloudTrail,
			eventType: "DeleteTrail",
			wantScore: 50,
			wantLevel: event.SeverityMedium,
		},
		{
			name:      "securityhub trust without keyword",
			threat:    0.7,
			source:    event.SourceSecurityHub,
			eventType: "TTPs/Persistence",
			wantScore: 77,
			wantLevel: event.SeverityHigh,
		},
		{
			name:      "keyword boost applies once",
			threat:    0.5,
			source:    "custom",
			eventType: "Trojan:EC2/Backdoor", // two keywords, one boost
			wantScore: 62.5,
			wantLevel: event.SeverityMedium,
		},
		{
			name:      "zero score",
			threat:    0,
			source:    event.SourceGuardDuty,
			eventType: "Recon:EC2/PortProbe",
			wantScore: 0,
			wantLevel: event.SeverityLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			score, level := Fuse(tt.threat, tt.source, tt.eventType)
			if !almostEqual(score, tt.wantScore) {
				t.Errorf("score = %v, want %v", score, tt.wantScore)
			}
			if level != tt.wantLevel {
				t.Errorf("level = %v, want %v", level, tt.wantLevel)
			}
		})
	}
}

func TestFuse_ScaleNormalization(t *testing.T) {
	t.Parallel()

	// Fractional confidence and its pre-scaled percent form must fuse to
	// the same score.
	a, _ := Fuse(0.42, event.SourceCloudTrail, "PutObject")
	b, _ := Fuse(42, event.SourceCloudTrail, "PutObject")
	if !almostEqual(a, b) {
		t.Errorf("0.42 fused to %v but 42 fused to %v", a, b)
	}

	// Double-scaled input (percent multiplied by 100 again) is divided
	// back down.
	c, _ := Fuse(4200, event.SourceCloudTrail, "PutObject")
	if !almostEqual(a, c) {
		t.Errorf("4200 fused to %v, want %v", c, a)
	}
}

func TestFuse_Bounds(t *testing.T) {
	t.Parallel()

	inputs := []float64{-5, -0.1, 0, 0.001, 0.5, 1, 1.5, 42, 99.9, 100, 101, 1e6}
	sources := []string{event.SourceGuardDuty, event.SourceSecurityHub, event.SourceCloudTrail, "unknown", ""}
	types := []string{"UnauthorizedAccess:IAMUser", "ConsoleLogin", ""}

	for _, ts := range inputs {
		for _, src := range sources {
			for _, et := range types {
				score, _ := Fuse(ts, src, et)
				if score < 0 || score > 100 {
					t.Errorf("Fuse(%v, %q, %q) = %v, out of [0,100]", ts, src, et, score)
				}
			}
		}
	}
}

func TestFuse_Monotonic(t *testing.T) {
	t.Parallel()

	// Holding source and type fixed, a higher threat score never fuses
	// to a lower priority.
	prev := -1.0
	for ts := 0.0; ts <= 1.0; ts += 0.05 {
		score, _ := Fuse(ts, event.SourceGuardDuty, "Recon:IAMUser/ResourcePermissions")
		if score < prev {
			t.Fatalf("Fuse(%v) = %v < previous %v", ts, score, prev)
		}
		prev = score
	}
}

func TestFuse_Deterministic(t *testing.T) {
	t.Parallel()

	first, firstLevel := Fuse(0.73, event.SourceSecurityHub, "CryptoCurrency:EC2/BitcoinTool.B")
	for i := 0; i < 100; i++ {
		score, level := Fuse(0.73, event.SourceSecurityHub, "CryptoCurrency:EC2/BitcoinTool.B")
		if score != first || level != firstLevel {
			t.Fatalf("iteration %d: got (%v, %v), want (%v, %v)", i, score, level, first, firstLevel)
		}
	}
}

func TestLevel_ClosedBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  event.Severity
	}{
		{90, event.SeverityCritical},
		{89.999, event.SeverityHigh},
		{70, event.SeverityHigh},
		{69.999, event.SeverityMedium},
		{40, event.SeverityMedium},
		{39.999, event.SeverityLow},
		{0, event.SeverityLow},
		{100, event.SeverityCritical},
	}

	for _, tt := range tests {
		if got := Level(tt.score); got != tt.want {
			t.Errorf("Level(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-9
}
