package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/mlscore"
	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/triage"
)

func sampleRecord() *triage.Record {
	return &triage.Record{
		Event: event.SecurityEvent{
			EventID:   "evt-001",
			Timestamp: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
			Source:    "aws.guardduty",
			Account:   "123456789012",
			Region:    "us-east-1",
			EventType: "UnauthorizedAccess:IAMUser/MaliciousIPCaller",
			Severity:  event.SeverityCritical,
		},
		Threat: &mlscore.Assessment{ThreatScore: 0.95, PredictionLabel: "suspicious"},
		Severity: &severity.Assessment{
			Score:     9.1,
			Label:     "CRITICAL",
			Reasoning: "Known malicious IP calling IAM APIs.",
			Method:    severity.MethodReasoning,
		},
		Triage: &triage.Result{
			PriorityScore:       95.0,
			PriorityLevel:       event.SeverityCritical,
			RequiresHumanReview: true,
			AutoRemediate:       true,
			RecommendedActions:  []string{"IMMEDIATE_ISOLATION", "DISABLE_CREDENTIALS"},
			TriageTimestamp:     time.Date(2026, 2, 26, 14, 23, 5, 0, time.UTC),
		},
		UpdatedAt: time.Date(2026, 2, 26, 14, 23, 5, 0, time.UTC),
	}
}

func TestSend_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	if err := n.Send(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, analysis, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "UnauthorizedAccess:IAMUser/MaliciousIPCaller") {
		t.Errorf("header text = %q, want to contain the event type", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for critical priority")
	}
}

func TestSend_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("")
	if err := n.Send(context.Background(), &triage.Record{}); err != nil {
		t.Fatalf("Send with empty URL should be no-op, got: %v", err)
	}
}

func TestSend_TruncatesLongReasoning(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := sampleRecord()
	rec.Severity.Reasoning = strings.Repeat("x", 4000)
	rec.Triage.RecommendedActions = nil

	n := New(srv.URL)
	if err := n.Send(context.Background(), rec); err != nil {
		t.Fatalf("Send: %v", err)
	}

	blocks := got["blocks"].([]any)
	section := blocks[4].(map[string]any)
	text := section["text"].(map[string]any)["text"].(string)

	if len(text) > maxReasoningLen+len("*Analysis*\n\n") {
		t.Errorf("analysis text length = %d, expected <= %d", len(text), maxReasoningLen+len("*Analysis*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated analysis to end with ...")
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level event.Severity
		want  string
	}{
		{"critical", event.SeverityCritical, "\U0001f534"},
		{"high", event.SeverityHigh, "\U0001f7e0"},
		{"medium", event.SeverityMedium, "\U0001f7e1"},
		{"low", event.SeverityLow, "\U0001f7e2"},
		{"empty", event.Severity(""), "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := severityEmoji(tt.level)
			if got != tt.want {
				t.Errorf("severityEmoji(%q) = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("UnauthorizedAccess:EC2/TorClient", "aws.guardduty", "Tor exit node traffic observed.", "CRITICAL")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "aws.securityhub", "*bold* _italic_ ~strike~", "HIGH")
	f.Add("type\x00\x01\x02", "src\nline", "reasoning\ttab", "LOW")
	f.Add(strings.Repeat("A", 5000), "aws.cloudtrail", strings.Repeat("x", 10000), "MEDIUM")
	f.Add("DeleteTrail", "custom", "```code block``` and <http://example.com|link>", "HIGH")

	f.Fuzz(func(t *testing.T, eventType, source, reasoning, label string) {
		rec := sampleRecord()
		rec.Event.EventType = eventType
		rec.Event.Source = source
		rec.Severity.Reasoning = reasoning
		rec.Severity.Label = event.Severity(label)

		// Must not panic
		msg := buildMessage(rec)

		// Must produce valid JSON
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func FuzzSlackBuild_SparseRecord(f *testing.F) {
	f.Add("evt-1")
	f.Add("")

	f.Fuzz(func(t *testing.T, id string) {
		rec := &triage.Record{Event: event.SecurityEvent{EventID: id}}

		// Records without triage or severity enrichment must still render.
		msg := buildMessage(rec)
		if _, err := json.Marshal(msg); err != nil {
			t.Fatalf("buildMessage on sparse record: %v", err)
		}
	})
}

func TestSend_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL)
	err := n.Send(context.Background(), sampleRecord())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}
