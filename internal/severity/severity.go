// Package severity derives a qualitative severity for security events.
// Trusted detector sources pass their precomputed severity through;
// everything else is scored by an external reasoning boundary with
// bounded retry on throttling, degrading to a deterministic heuristic.
// Resolution never fails: every path terminates in a valid assessment.
package severity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/llm"
)

// State tracks a single event's resolution lifecycle.
type State string

const (
	StateNotNeeded          State = "NOT_NEEDED"
	StateSkippedPrecomputed State = "SKIPPED_PRECOMPUTED"
	StateScoring            State = "SCORING"
	StateScored             State = "SCORED"
	StateFallback           State = "FALLBACK"
)

// Score-to-label thresholds on the 0-10 scale.
const (
	criticalScore = 9.0
	highScore     = 7.0
	mediumScore   = 5.0
)

// maxRawEventBytes bounds the raw event JSON embedded in the prompt.
const maxRawEventBytes = 3000

// responseTokens caps the reasoning boundary's reply; the expected
// JSON object is small.
const responseTokens = 500

// Provider is the reasoning boundary. Implementations report
// throttling as llm.ErrThrottled.
type Provider interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// Resolver scores event severity with retry and heuristic fallback.
type Resolver struct {
	provider    Provider
	maxAttempts uint
	baseDelay   time.Duration
	maxElapsed  time.Duration
	logger      log.Logger

	// OnRetry, if set, is invoked once per throttle retry (for metrics).
	OnRetry func()
}

// NewResolver creates a resolver with the given reasoning provider.
// maxAttempts bounds total calls per event; maxElapsed is a hard upper
// bound on total wait time across retries.
func NewResolver(provider Provider, maxAttempts uint, baseDelay, maxElapsed time.Duration, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.Nop()
	}
	return &Resolver{
		provider:    provider,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxElapsed:  maxElapsed,
		logger:      logger,
	}
}

// analysis is the JSON object the reasoning boundary returns.
type analysis struct {
	Score       float64  `json:"score"`
	Severity    string   `json:"severity"`
	Reasoning   string   `json:"reasoning"`
	RiskFactors []string `json:"risk_factors"`
}

// Resolve produces a severity assessment for the event and reports the
// terminal state. It never returns an error: reasoning failures and
// retry exhaustion fall back to the heuristic path.
func (r *Resolver) Resolve(ctx context.Context, ev *event.SecurityEvent) (Assessment, State) {
	// Authoritative detector sources already carry a reliable severity;
	// re-scoring them would let the reasoning boundary overrule the
	// detector.
	if event.TrustedSource(ev.Source) && ev.Severity.Valid() {
		return Assessment{
			Score:     nominalScore(ev.Severity),
			Label:     ev.Severity,
			Reasoning: fmt.Sprintf("severity supplied by %s", ev.Source),
			Method:    MethodPrecomputed,
			ScoredAt:  time.Now().UTC(),
		}, StateSkippedPrecomputed
	}

	a, err := r.scoreWithRetry(ctx, ev)
	if err != nil {
		r.logger.Warn(ctx, "reasoning boundary unavailable, using heuristic",
			"event_id", ev.EventID, "error", err)
		return r.heuristic(ev), StateFallback
	}

	score := clampScore(a.Score)
	label := collapseLabel(a.Severity)
	if !label.Valid() {
		label = labelForScore(score)
	}

	reasoning := a.Reasoning
	if reasoning == "" {
		reasoning = "reasoning boundary returned no explanation"
	}

	return Assessment{
		Score:       score,
		Label:       label,
		Reasoning:   reasoning,
		RiskFactors: a.RiskFactors,
		Method:      MethodReasoning,
		ScoredAt:    time.Now().UTC(),
	}, StateScored
}

// scoreWithRetry calls the reasoning boundary, retrying throttled
// responses with exponential backoff. Non-throttle failures are
// permanent: retrying a malformed-response or auth error wastes the
// event's latency budget.
func (r *Resolver) scoreWithRetry(ctx context.Context, ev *event.SecurityEvent) (*analysis, error) {
	prompt := buildPrompt(ev)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.baseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0

	op := func() (*analysis, error) {
		text, err := r.provider.Complete(ctx, systemPrompt, prompt, responseTokens)
		if err != nil {
			if errors.Is(err, llm.ErrThrottled) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		a, err := parseAnalysis(text)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return a, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.maxAttempts),
		backoff.WithMaxElapsedTime(r.maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			if r.OnRetry != nil {
				r.OnRetry()
			}
			r.logger.Warn(ctx, "reasoning boundary throttled, retrying",
				"event_id", ev.EventID, "next_delay", next.Seconds(), "error", err)
		}),
	)
}

// parseAnalysis decodes the reasoning boundary's reply, which is free
// text expected to contain a JSON object, possibly wrapped in markdown
// code fences.
func parseAnalysis(text string) (*analysis, error) {
	body := stripFences(text)

	var a analysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("parse severity analysis: %w", err)
	}
	return &a, nil
}

func stripFences(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+len("```json"):]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	} else if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	return strings.TrimSpace(text)
}

// Heuristic increments, applied to a base score of 3 and clamped to [0,10].
const (
	heuristicBase       = 3.0
	privilegedIncrement = 2.0
	deniedIncrement     = 1.0
	destroyIncrement    = 3.0
	mutateIncrement     = 1.0
)

var (
	destructivePrefixes = []string{"Delete", "Remove", "Terminate", "Stop", "Disable"}
	mutatingPrefixes    = []string{"Put", "Create", "Update", "Modify", "Attach"}
)

// heuristicFields is the payload subset the fallback scorer reads.
type heuristicFields struct {
	EventName    string `json:"eventName"`
	ErrorCode    string `json:"errorCode"`
	UserIdentity struct {
		Type string `json:"type"`
	} `json:"userIdentity"`
}

// heuristic is the dependency-free scoring path. It is deterministic,
// so re-deliveries of the same event degrade to the same assessment.
func (r *Resolver) heuristic(ev *event.SecurityEvent) Assessment {
	var f heuristicFields
	_ = json.Unmarshal(ev.RawEvent, &f)

	score := heuristicBase
	var factors []string

	if f.UserIdentity.Type == "Root" {
		score += privilegedIncrement
		factors = append(factors, "privileged actor")
	}
	if f.ErrorCode == "AccessDenied" || f.ErrorCode == "UnauthorizedOperation" {
		score += deniedIncrement
		factors = append(factors, "access denied")
	}
	switch {
	case startsWithAny(f.EventName, destructivePrefixes):
		score += destroyIncrement
		factors = append(factors, "destructive action")
	case startsWithAny(f.EventName, mutatingPrefixes):
		score += mutateIncrement
		factors = append(factors, "mutating action")
	}

	score = clampScore(score)
	return Assessment{
		Score:       score,
		Label:       labelForScore(score),
		Reasoning:   "heuristic scoring (reasoning boundary unavailable)",
		RiskFactors: factors,
		Method:      MethodHeuristic,
		ScoredAt:    time.Now().UTC(),
	}
}

func startsWithAny(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}

func labelForScore(score float64) event.Severity {
	switch {
	case score >= criticalScore:
		return event.SeverityCritical
	case score >= highScore:
		return event.SeverityHigh
	case score >= mediumScore:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

// collapseLabel maps the reasoning boundary's five-value scale to the
// downstream four-value taxonomy.
func collapseLabel(label string) event.Severity {
	s := event.Severity(strings.ToUpper(strings.TrimSpace(label)))
	if s == "LOW_MEDIUM" {
		return event.SeverityLow
	}
	return s
}

// nominalScore gives precomputed labels a representative 0-10 score so
// records are comparable regardless of resolution path.
func nominalScore(label event.Severity) float64 {
	switch label {
	case event.SeverityCritical:
		return 9.5
	case event.SeverityHigh:
		return 7.5
	case event.SeverityMedium:
		return 5.5
	default:
		return 2.0
	}
}
