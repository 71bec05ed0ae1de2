package triage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/features"
	"github.com/linnemanlabs/warden/internal/mlscore"
	"github.com/linnemanlabs/warden/internal/remediation"
	"github.com/linnemanlabs/warden/internal/severity"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	records map[string]*Record
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*Record)}
}

func (f *fakeStore) Get(_ context.Context, eventID string) (*Record, bool, error) {
	rec, ok := f.records[eventID]
	return rec, ok, nil
}

func (f *fakeStore) Put(_ context.Context, rec *Record) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.records[rec.Event.EventID] = rec
	return nil
}

func (f *fakeStore) AppendRemediation(_ context.Context, eventID string, out *remediation.Outcome) error {
	rec, ok := f.records[eventID]
	if !ok {
		return errors.New("record not found")
	}
	if rec.Remediation != nil {
		return ErrRemediationExists
	}
	rec.Remediation = out
	return nil
}

func (f *fakeStore) List(_ context.Context, _ ListOptions) ([]*Record, string, error) {
	return nil, "", nil
}

func (f *fakeStore) Stats(_ context.Context, _ int) (*Stats, error) {
	return &Stats{}, nil
}

type fakeScorer struct {
	score float64
	calls int
}

func (f *fakeScorer) Score(_ context.Context, _ features.Vector) mlscore.Assessment {
	f.calls++
	return mlscore.Assessment{ThreatScore: f.score, PredictionLabel: "suspicious", EvaluatedAt: time.Now()}
}

type fakeResolver struct {
	calls int
}

func (f *fakeResolver) Resolve(_ context.Context, _ *event.SecurityEvent) (severity.Assessment, severity.State) {
	f.calls++
	return severity.Assessment{
		Score:  8.0,
		Label:  event.SeverityHigh,
		Method: severity.MethodReasoning,
	}, severity.StateScored
}

type fakeRemediator struct {
	calls    int
	lastReq  remediation.Request
	outcome  remediation.Outcome
	outcomes []remediation.Outcome
}

func (f *fakeRemediator) Execute(_ context.Context, req remediation.Request) remediation.Outcome {
	f.calls++
	f.lastReq = req
	if len(f.outcomes) > 0 {
		out := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		return out
	}
	return f.outcome
}

type fakeNotifier struct {
	sent []*Record
	err  error
}

func (f *fakeNotifier) Send(_ context.Context, rec *Record) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, rec)
	return nil
}

func criticalEvent() *event.SecurityEvent {
	return &event.SecurityEvent{
		EventID:   "evt-crit",
		Timestamp: time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
		Source:    event.SourceGuardDuty,
		EventType: "UnauthorizedAccess:IAMUser/MaliciousIPCaller",
		Severity:  event.SeverityCritical,
		RawEvent:  json.RawMessage(`{"affected_user":"mallory","access_key_id":"AKIA1","security_group_id":"sg-1","malicious_ip":"203.0.113.7"}`),
	}
}

func lowEvent() *event.SecurityEvent {
	return &event.SecurityEvent{
		EventID:   "evt-low",
		Timestamp: time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
		Source:    "custom",
		EventType: "ConsoleLogin",
		Severity:  event.SeverityMedium,
		RawEvent:  json.RawMessage(`{}`),
	}
}

func newTestService(store Store, scorer Scorer, remediator Remediator, notifier Notifier) *Service {
	m := NewMetrics(prometheus.NewRegistry())
	return NewService(store, scorer, &fakeResolver{}, remediator, notifier, nil, m)
}

func TestProcess_CriticalEventFullPipeline(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	scorer := &fakeScorer{score: 0.95}
	rem := &fakeRemediator{outcome: remediation.Outcome{
		Performed: true,
		Actions:   []remediation.ActionRecord{{Kind: remediation.ActionDisableCredentials, Detail: "AKIA1"}},
	}}
	notifier := &fakeNotifier{}
	svc := newTestService(store, scorer, rem, notifier)

	if err := svc.Process(context.Background(), criticalEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rec, ok := store.records["evt-crit"]
	if !ok {
		t.Fatal("record not persisted")
	}
	if rec.Triage == nil {
		t.Fatal("triage decision missing")
	}
	// 0.95 * 100 * 1.2 * 1.25 clamps to 100.
	if rec.Triage.PriorityScore != 100 {
		t.Errorf("priority score = %v, want 100", rec.Triage.PriorityScore)
	}
	if rec.Triage.PriorityLevel != event.SeverityCritical {
		t.Errorf("priority level = %v, want CRITICAL", rec.Triage.PriorityLevel)
	}
	if !rec.Triage.AutoRemediate || !rec.Triage.RequiresHumanReview {
		t.Errorf("flags = auto:%v review:%v, want both true", rec.Triage.AutoRemediate, rec.Triage.RequiresHumanReview)
	}

	if rem.calls != 1 {
		t.Errorf("remediator calls = %d, want 1", rem.calls)
	}
	if rem.lastReq.Principal != "mallory" || rem.lastReq.CredentialID != "AKIA1" {
		t.Errorf("remediation request = %+v, targets not extracted from payload", rem.lastReq)
	}
	if rem.lastReq.PerimeterRuleID != "sg-1" || rem.lastReq.OffendingAddress != "203.0.113.7" {
		t.Errorf("perimeter targets = %+v", rem.lastReq)
	}
	if rec.Remediation == nil || !rec.Remediation.Performed {
		t.Error("remediation outcome not appended")
	}

	if len(notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.sent))
	}
}

func TestProcess_LowEventSkipsRemediationAndNotification(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	rem := &fakeRemediator{}
	notifier := &fakeNotifier{}
	svc := newTestService(store, &fakeScorer{score: 0.3}, rem, notifier)

	if err := svc.Process(context.Background(), lowEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rec := store.records["evt-low"]
	if rec.Triage.PriorityScore != 30 {
		t.Errorf("priority score = %v, want 30", rec.Triage.PriorityScore)
	}
	if rem.calls != 0 {
		t.Errorf("remediator calls = %d, want 0", rem.calls)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("notifications = %d, want 0", len(notifier.sent))
	}
	if rec.Remediation != nil {
		t.Error("low-priority record should carry no remediation outcome")
	}
}

func TestProcess_DuplicateDeliveryIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	scorer := &fakeScorer{score: 0.3}
	rem := &fakeRemediator{}
	svc := newTestService(store, scorer, rem, nil)

	ev := lowEvent()
	if err := svc.Process(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	firstUpdated := store.records["evt-low"].UpdatedAt

	if err := svc.Process(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if scorer.calls != 1 {
		t.Errorf("scorer calls = %d, want 1 (redelivery must not re-score)", scorer.calls)
	}
	if got := store.records["evt-low"].UpdatedAt; !got.Equal(firstUpdated) {
		t.Error("redelivery rewrote the record")
	}
}

func TestProcess_RedeliveryCompletesPendingRemediation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	scorer := &fakeScorer{score: 0.95}
	rem := &fakeRemediator{outcome: remediation.Outcome{Performed: true}}
	svc := newTestService(store, scorer, rem, nil)

	// Simulate a crash after Put but before the remediation append.
	ev := criticalEvent()
	store.records[ev.EventID] = &Record{
		Event:  *ev,
		Threat: &mlscore.Assessment{ThreatScore: 0.95},
		Triage: &Result{
			PriorityScore: 100,
			PriorityLevel: event.SeverityCritical,
			AutoRemediate: true,
		},
	}

	if err := svc.Process(context.Background(), ev); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if scorer.calls != 0 {
		t.Errorf("scorer calls = %d, want 0 (only the append should run)", scorer.calls)
	}
	if rem.calls != 1 {
		t.Errorf("remediator calls = %d, want 1", rem.calls)
	}
	if store.records[ev.EventID].Remediation == nil {
		t.Error("remediation outcome not appended on redelivery")
	}

	// A further redelivery is now a pure duplicate.
	if err := svc.Process(context.Background(), ev); err != nil {
		t.Fatalf("second redelivery: %v", err)
	}
	if rem.calls != 1 {
		t.Errorf("remediator calls = %d, remediation must run at most once", rem.calls)
	}
}

func TestProcess_PersistFailureReturnsError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.putErr = errors.New("disk full")
	svc := newTestService(store, &fakeScorer{score: 0.5}, &fakeRemediator{}, nil)

	if err := svc.Process(context.Background(), lowEvent()); err == nil {
		t.Fatal("expected error so the delivery is retried")
	}
}

func TestProcess_NotifierFailureDoesNotFailPipeline(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	rem := &fakeRemediator{outcome: remediation.Outcome{Performed: true}}
	svc := newTestService(store, &fakeScorer{score: 0.95}, rem, notifier)

	if err := svc.Process(context.Background(), criticalEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestProcess_DegradedScorerStillTriages(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	m := NewMetrics(prometheus.NewRegistry())
	svc := NewService(store, &degradedScorer{}, &fakeResolver{}, &fakeRemediator{}, nil, nil, m)

	if err := svc.Process(context.Background(), lowEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rec := store.records["evt-low"]
	if rec.Triage.PriorityScore != 0 {
		t.Errorf("priority score = %v, want 0 for neutral threat score", rec.Triage.PriorityScore)
	}
	if rec.Triage.PriorityLevel != event.SeverityLow {
		t.Errorf("priority level = %v, want LOW", rec.Triage.PriorityLevel)
	}
}

type degradedScorer struct{}

func (degradedScorer) Score(_ context.Context, _ features.Vector) mlscore.Assessment {
	return mlscore.Assessment{ThreatScore: 0.0, Error: "endpoint unreachable"}
}

func TestProcess_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	// Swapping the provider after package init requires a fresh tracer.
	origTracer := tracer
	tracer = tp.Tracer("test")
	defer func() { tracer = origTracer }()

	store := newFakeStore()
	svc := newTestService(store, &fakeScorer{score: 0.95}, &fakeRemediator{outcome: remediation.Outcome{Performed: true}}, nil)

	if err := svc.Process(context.Background(), criticalEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	counts := make(map[string]int)
	for _, s := range exporter.GetSpans() {
		counts[s.Name]++
	}

	for _, name := range []string{"triage.process", "mlscore.score", "severity.resolve", "remediation.execute"} {
		if counts[name] != 1 {
			t.Errorf("%s spans = %d, want 1", name, counts[name])
		}
	}

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "triage.process" {
			continue
		}
		found = true
		attrs := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes {
			attrs[kv.Key] = kv.Value
		}
		if got := attrs["warden.event.id"].AsString(); got != "evt-crit" {
			t.Errorf("event id attribute = %q", got)
		}
		if got := attrs["warden.triage.outcome"].AsString(); got != "processed" {
			t.Errorf("outcome attribute = %q", got)
		}
		if got := attrs["warden.priority.score"].AsFloat64(); got != 100 {
			t.Errorf("priority score attribute = %v, want 100", got)
		}
	}
	if !found {
		t.Fatal("triage.process span not exported")
	}
}

// slowStore widens the window between the idempotency check and the
// first persist, the window in which overlapping deliveries of one
// event id could both decide to triage.
type slowStore struct {
	*fakeStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, eventID string) (*Record, bool, error) {
	rec, ok, err := s.fakeStore.Get(ctx, eventID)
	time.Sleep(s.delay)
	return rec, ok, err
}

func TestProcess_OverlappingDeliveriesRemediateOnce(t *testing.T) {
	t.Parallel()

	store := &slowStore{fakeStore: newFakeStore(), delay: 20 * time.Millisecond}
	rem := &fakeRemediator{outcome: remediation.Outcome{Performed: true}}
	svc := newTestService(store, &fakeScorer{score: 0.95}, rem, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.Process(context.Background(), criticalEvent())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
	}
	if rem.calls != 1 {
		t.Errorf("remediation executed %d times for one event id, want 1", rem.calls)
	}
	rec := store.records["evt-crit"]
	if rec == nil || rec.Remediation == nil {
		t.Fatal("record missing remediation outcome")
	}
}

// racedStore simulates another process winning the one-time append.
type racedStore struct {
	*fakeStore
}

func (s *racedStore) AppendRemediation(_ context.Context, _ string, _ *remediation.Outcome) error {
	return ErrRemediationExists
}

func TestProcess_ToleratesOutcomeRecordedByAnotherRun(t *testing.T) {
	t.Parallel()

	store := &racedStore{fakeStore: newFakeStore()}
	rem := &fakeRemediator{outcome: remediation.Outcome{Performed: true}}
	svc := newTestService(store, &fakeScorer{score: 0.95}, rem, nil)

	if err := svc.Process(context.Background(), criticalEvent()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rem.calls != 1 {
		t.Errorf("remediator calls = %d, want 1", rem.calls)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	t.Parallel()

	var km keyedMutex
	release := km.lock("evt-1")
	release()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("locks map holds %d entries after release, want 0", len(km.locks))
	}
}
