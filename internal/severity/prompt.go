package severity

import (
	"fmt"

	"github.com/linnemanlabs/warden/internal/event"
)

const systemPrompt = `You are a cybersecurity analyst evaluating cloud audit events for threat severity. Respond ONLY with valid JSON.`

const rubric = `Scoring Guidelines:
- 0-2: LOW - Normal administrative actions, read-only operations, expected behavior
- 3-4: LOW_MEDIUM - Routine changes, standard operations with low risk
- 5-6: MEDIUM - Configuration changes, potential misconfigurations, requires monitoring
- 7-8: HIGH - Suspicious patterns, privilege escalations, security-relevant changes
- 9-10: CRITICAL - Known attack patterns, credential exposure, unauthorized access, data exfiltration

Consider:
1. Action Impact: What resources are affected? Can this cause damage?
2. Access Patterns: Is this unusual access or timing?
3. User Identity: Is this a service role, human user, or root account?
4. Error Codes: Failed access attempts may indicate reconnaissance
5. Known Attack Vectors: Does this match known attack techniques?

Respond ONLY with valid JSON in this exact format:
{
  "score": <number 0-10>,
  "severity": "<CRITICAL|HIGH|MEDIUM|LOW>",
  "reasoning": "<brief 1-2 sentence explanation>",
  "risk_factors": ["<factor1>", "<factor2>"]
}`

// buildPrompt embeds the event (raw payload truncated to a bounded
// size) and the scoring rubric into the user prompt.
func buildPrompt(ev *event.SecurityEvent) string {
	raw := string(ev.RawEvent)
	if len(raw) > maxRawEventBytes {
		raw = raw[:maxRawEventBytes]
	}

	return fmt.Sprintf(`Analyze this security event and assign a severity score from 0-10:

Event Type: %s
Event Source: %s

Event Details:
%s

%s`, ev.EventType, ev.Source, raw, rubric)
}
