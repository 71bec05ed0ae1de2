// Package eventapi exposes the HTTP surface of the triage pipeline:
// event ingestion plus the read path over persisted triage records.
package eventapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/priority"
	"github.com/linnemanlabs/warden/internal/remediation"
	"github.com/linnemanlabs/warden/internal/triage"
)

const defaultStatsScanCap = 10000

// Ingestor accepts a raw provider envelope and hands the canonical
// event to the pipeline.
type Ingestor interface {
	Normalize(ctx context.Context, env *event.Envelope) (*event.SecurityEvent, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger       log.Logger
	ingestor     Ingestor
	store        triage.Store
	statsScanCap int
}

// New creates a new API handler.
func New(logger log.Logger, ingestor Ingestor, store triage.Store, statsScanCap int) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if ingestor == nil {
		panic(xerrors.New("ingestor is required"))
	}
	if store == nil {
		panic(xerrors.New("store is required"))
	}
	if statsScanCap <= 0 {
		statsScanCap = defaultStatsScanCap
	}
	return &API{
		logger:       logger,
		ingestor:     ingestor,
		store:        store,
		statsScanCap: statsScanCap,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleIngestEvent)
		r.Get("/events/{id}", a.handleGetEvent)
		r.Get("/threats", a.handleListThreats)
		r.Get("/stats", a.handleStats)
	})
}

func (a *API) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var env event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	ev, err := a.ingestor.Normalize(r.Context(), &env)
	if err != nil {
		a.logger.Error(r.Context(), err, "event rejected", "envelope_id", env.ID)
		http.Error(w, `{"error":"malformed event"}`, http.StatusBadRequest)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.event.id", ev.EventID),
		attribute.String("warden.event.source", ev.Source),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"event_id": ev.EventID,
	})
}

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.event.id", id))

	rec, ok, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get record", "event_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	a.fillTriage(rec)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (a *API) handleListThreats(w http.ResponseWriter, r *http.Request) {
	opts := triage.ListOptions{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}

	page, next, err := a.store.List(r.Context(), opts)
	if err != nil {
		if errors.Is(err, triage.ErrBadCursor) {
			http.Error(w, `{"error":"invalid cursor"}`, http.StatusBadRequest)
			return
		}
		a.logger.Error(r.Context(), err, "failed to list records")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	for _, rec := range page {
		a.fillTriage(rec)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("warden.threats.count", len(page)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"threats":     orEmpty(page),
		"next_cursor": next,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.store.Stats(r.Context(), a.statsScanCap)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to compute stats")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// fillTriage recomputes the priority decision for records persisted
// before triage completed. The same fusion that runs at ingest runs
// here, so both paths always agree.
func (a *API) fillTriage(rec *triage.Record) {
	if rec.Triage != nil || rec.Threat == nil {
		return
	}
	score, level := priority.Fuse(rec.Threat.ThreatScore, rec.Event.Source, rec.Event.EventType)
	plan := remediation.Select(score)
	rec.Triage = &triage.Result{
		PriorityScore:       score,
		PriorityLevel:       level,
		RequiresHumanReview: plan.RequiresHumanReview,
		AutoRemediate:       plan.AutoRemediate,
		RecommendedActions:  plan.RecommendedActions,
		TriageTimestamp:     rec.UpdatedAt,
	}
}

func orEmpty(page []*triage.Record) []*triage.Record {
	if page == nil {
		return []*triage.Record{}
	}
	return page
}
