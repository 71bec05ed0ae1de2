// Package slack sends triage notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	maxReasoningLen = 3000
	httpTimeout     = 10 * time.Second
)

// Notifier sends triaged records to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts a triaged record to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, rec *triage.Record) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(rec)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(rec *triage.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(rec),
			{"type": "divider"},
			fieldsBlock(rec),
			{"type": "divider"},
			reasoningBlock(rec),
			{"type": "divider"},
			contextBlock(rec),
		},
	}
}

func headerBlock(rec *triage.Record) map[string]any {
	level := event.SeverityMedium
	if rec.Triage != nil {
		level = rec.Triage.PriorityLevel
	}
	text := fmt.Sprintf("%s Security Event: %s", severityEmoji(level), rec.Event.EventType)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(rec *triage.Record) map[string]any {
	score := 0.0
	level := event.SeverityMedium
	if rec.Triage != nil {
		score = rec.Triage.PriorityScore
		level = rec.Triage.PriorityLevel
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s (%.1f)", level, score),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", rec.Event.Source),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Account:* %s", rec.Event.Account),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Region:* %s", rec.Event.Region),
		},
	}

	if rec.Threat != nil {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Threat score:* %.2f", rec.Threat.ThreatScore),
		})
	}
	if rec.Severity != nil {
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s (%s)", rec.Severity.Label, rec.Severity.Method),
		})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasoningBlock(rec *triage.Record) map[string]any {
	var text string
	if rec.Severity != nil {
		text = truncate(rec.Severity.Reasoning, maxReasoningLen)
	}
	if text == "" {
		text = "_No analysis available._"
	}
	if rec.Triage != nil && len(rec.Triage.RecommendedActions) > 0 {
		text += "\n\n*Recommended actions:* " + strings.Join(rec.Triage.RecommendedActions, ", ")
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Analysis*\n\n%s", text),
		},
	}
}

func contextBlock(rec *triage.Record) map[string]any {
	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = rec.Event.Timestamp
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • event %s • %s", rec.Event.EventID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(level event.Severity) string {
	switch level {
	case event.SeverityCritical:
		return "\U0001f534" // red circle
	case event.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case event.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
