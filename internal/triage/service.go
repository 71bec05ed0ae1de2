package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/features"
	"github.com/linnemanlabs/warden/internal/mlscore"
	"github.com/linnemanlabs/warden/internal/priority"
	"github.com/linnemanlabs/warden/internal/remediation"
	"github.com/linnemanlabs/warden/internal/severity"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage")

// Scorer is the ML scoring boundary. Score failure is non-fatal and is
// reported inside the assessment, never as a Go error.
type Scorer interface {
	Score(ctx context.Context, vec features.Vector) mlscore.Assessment
}

// Resolver is the severity resolution boundary. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, ev *event.SecurityEvent) (severity.Assessment, severity.State)
}

// Remediator executes corrective actions. It never fails; partial
// success is reported inside the outcome.
type Remediator interface {
	Execute(ctx context.Context, req remediation.Request) remediation.Outcome
}

// Notifier delivers records that need human review to an operator
// channel. Optional; delivery failure never fails the pipeline.
type Notifier interface {
	Send(ctx context.Context, rec *Record) error
}

// Service runs the triage pipeline for one event at a time. Concurrent
// Process calls for distinct events are safe; calls for the same event
// id are serialized so overlapping re-deliveries cannot interleave
// between the idempotency check and the remediation append.
type Service struct {
	store      Store
	scorer     Scorer
	resolver   Resolver
	remediator Remediator
	notifier   Notifier
	logger     log.Logger
	metrics    *Metrics
	now        func() time.Time
	inflight   keyedMutex
}

// keyedMutex hands out one mutex per key, dropping entries once the
// last holder releases.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// NewService creates a triage service. notifier may be nil.
func NewService(store Store, scorer Scorer, resolver Resolver, remediator Remediator, notifier Notifier, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:      store,
		scorer:     scorer,
		resolver:   resolver,
		remediator: remediator,
		notifier:   notifier,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Process runs a normalized event through scoring, severity resolution,
// priority fusion, persistence, and remediation. The event log delivers
// at least once, so Process is idempotent per event id: a redelivery of
// an already-triaged event only completes whatever the earlier run left
// unfinished (at most the one-time remediation append). A returned
// error means the delivery should be retried.
func (s *Service) Process(ctx context.Context, ev *event.SecurityEvent) error {
	ctx, span := tracer.Start(ctx, "triage.process", trace.WithAttributes(
		attribute.String("warden.event.id", ev.EventID),
		attribute.String("warden.event.source", ev.Source),
		attribute.String("warden.event.type", ev.EventType),
	))
	defer span.End()

	release := s.inflight.lock(ev.EventID)
	defer release()

	L := s.logger.With("event_id", ev.EventID, "source", ev.Source, "event_type", ev.EventType)
	start := s.now()

	existing, ok, err := s.store.Get(ctx, ev.EventID)
	if err != nil {
		return spanFail(span, fmt.Errorf("idempotency check: %w", err))
	}
	if ok && existing.Triage != nil {
		if s.needsRemediation(existing) {
			// Earlier run persisted the decision but crashed before the
			// remediation append. Finish that, and nothing else.
			L.Info(ctx, "redelivery completing pending remediation")
			span.SetAttributes(attribute.String("warden.triage.outcome", "pending_remediation"))
			return s.remediate(ctx, L, existing)
		}
		s.metrics.ObserveEvent(ev.Source, "duplicate")
		span.SetAttributes(attribute.String("warden.triage.outcome", "duplicate"))
		L.Info(ctx, "duplicate delivery, record already triaged")
		return nil
	}

	rec, err := s.triage(ctx, L, ev)
	if err != nil {
		s.metrics.ObserveEvent(ev.Source, "error")
		return spanFail(span, err)
	}

	if s.needsRemediation(rec) {
		if err := s.remediate(ctx, L, rec); err != nil {
			return spanFail(span, err)
		}
	}

	if rec.Triage.RequiresHumanReview && s.notifier != nil {
		if err := s.notifier.Send(ctx, rec); err != nil {
			L.Warn(ctx, "review notification failed", "error", err)
		}
	}

	s.metrics.ObserveEvent(ev.Source, "processed")
	s.metrics.ObservePipeline(rec, s.now().Sub(start).Seconds())

	span.SetAttributes(
		attribute.String("warden.triage.outcome", "processed"),
		attribute.Float64("warden.priority.score", rec.Triage.PriorityScore),
		attribute.String("warden.priority.level", string(rec.Triage.PriorityLevel)),
	)

	L.Info(ctx, "triage complete",
		"priority_score", rec.Triage.PriorityScore,
		"priority_level", string(rec.Triage.PriorityLevel),
		"severity", string(rec.Severity.Label),
		"severity_method", string(rec.Severity.Method),
		"auto_remediate", rec.Triage.AutoRemediate,
	)
	return nil
}

// triage runs the scoring stages and persists the resulting record.
func (s *Service) triage(ctx context.Context, L log.Logger, ev *event.SecurityEvent) (*Record, error) {
	vec := features.Extract(ev.RawEvent)

	scoreCtx, scoreSpan := tracer.Start(ctx, "mlscore.score")
	threat := s.scorer.Score(scoreCtx, vec)
	scoreSpan.SetAttributes(
		attribute.Float64("warden.threat.score", threat.ThreatScore),
		attribute.Bool("warden.threat.degraded", threat.Degraded()),
	)
	scoreSpan.End()
	if threat.Degraded() {
		s.metrics.ScorerFailures.Inc()
		L.Warn(ctx, "ml scoring degraded, proceeding with neutral score", "error", threat.Error)
	}

	sevCtx, sevSpan := tracer.Start(ctx, "severity.resolve")
	sev, state := s.resolver.Resolve(sevCtx, ev)
	sevSpan.SetAttributes(
		attribute.String("warden.severity.label", string(sev.Label)),
		attribute.String("warden.severity.method", string(sev.Method)),
	)
	sevSpan.End()
	s.metrics.SeverityMethod.WithLabelValues(string(sev.Method)).Inc()
	L.Info(ctx, "severity resolved",
		"state", string(state),
		"severity", string(sev.Label),
		"score", sev.Score,
	)

	score, level := priority.Fuse(threat.ThreatScore, ev.Source, ev.EventType)
	plan := remediation.Select(score)

	rec := &Record{
		Event:    *ev,
		Threat:   &threat,
		Severity: &sev,
		Triage: &Result{
			PriorityScore:       score,
			PriorityLevel:       level,
			RequiresHumanReview: plan.RequiresHumanReview,
			AutoRemediate:       plan.AutoRemediate,
			RecommendedActions:  plan.RecommendedActions,
			TriageTimestamp:     s.now().UTC(),
		},
		UpdatedAt: s.now().UTC(),
	}

	if err := s.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}
	return rec, nil
}

// needsRemediation reports whether the record warrants automatic
// remediation that has not yet been performed.
func (s *Service) needsRemediation(rec *Record) bool {
	return rec.Triage != nil && rec.Triage.AutoRemediate && rec.Remediation == nil
}

// remediate executes the corrective actions and appends the outcome.
// The executor itself never fails; only the append can.
func (s *Service) remediate(ctx context.Context, L log.Logger, rec *Record) error {
	ctx, span := tracer.Start(ctx, "remediation.execute", trace.WithAttributes(
		attribute.String("warden.event.id", rec.Event.EventID),
	))
	defer span.End()

	req := remediationRequest(&rec.Event)
	out := s.remediator.Execute(ctx, req)

	for _, a := range out.Actions {
		s.metrics.RemediationActions.WithLabelValues(a.Kind, "success").Inc()
	}
	for _, code := range out.Errors {
		s.metrics.RemediationActions.WithLabelValues(code, "error").Inc()
	}
	result := "no_action"
	if out.Performed {
		result = "performed"
	}
	s.metrics.RemediationRuns.WithLabelValues(result).Inc()

	span.SetAttributes(
		attribute.Bool("warden.remediation.performed", out.Performed),
		attribute.Int("warden.remediation.actions", len(out.Actions)),
		attribute.Int("warden.remediation.errors", len(out.Errors)),
	)

	if err := s.store.AppendRemediation(ctx, rec.Event.EventID, &out); err != nil {
		if errors.Is(err, ErrRemediationExists) {
			// Another process recorded its outcome first. That one stands.
			L.Info(ctx, "remediation outcome already recorded, keeping first writer's result")
			return nil
		}
		return spanFail(span, fmt.Errorf("append remediation outcome: %w", err))
	}
	rec.Remediation = &out

	L.Info(ctx, "remediation executed",
		"performed", out.Performed,
		"actions", len(out.Actions),
		"errors", len(out.Errors),
	)
	return nil
}

// spanFail records err on the span and passes it through.
func spanFail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// remediationTargets is the payload subset naming remediation targets.
type remediationTargets struct {
	AffectedUser    string `json:"affected_user"`
	AccessKeyID     string `json:"access_key_id"`
	MFASerial       string `json:"mfa_serial"`
	SecurityGroupID string `json:"security_group_id"`
	MaliciousIP     string `json:"malicious_ip"`
}

// remediationRequest extracts the optional remediation targets from the
// event's raw payload. Absent targets simply yield no actions.
func remediationRequest(ev *event.SecurityEvent) remediation.Request {
	var t remediationTargets
	_ = json.Unmarshal(ev.RawEvent, &t)

	return remediation.Request{
		EventID:          ev.EventID,
		Principal:        t.AffectedUser,
		CredentialID:     t.AccessKeyID,
		FactorSerial:     t.MFASerial,
		PerimeterRuleID:  t.SecurityGroupID,
		OffendingAddress: t.MaliciousIP,
	}
}
