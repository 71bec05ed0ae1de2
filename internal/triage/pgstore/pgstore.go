// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/remediation"
	"github.com/linnemanlabs/warden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Store persists triaged records in PostgreSQL, keyed by event id with
// the event timestamp as the sort dimension.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store over the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Get retrieves a record by event id.
func (s *Store) Get(ctx context.Context, eventID string) (*triage.Record, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM triage_records WHERE event_id = $1`, eventID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, s.fail(span, err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, false, s.fail(span, err)
	}
	return rec, true, nil
}

// Put inserts or overwrites the record for its event id.
func (s *Store) Put(ctx context.Context, rec *triage.Record) error {
	ctx, span := s.startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	raw, err := json.Marshal(rec)
	if err != nil {
		return s.fail(span, fmt.Errorf("encode record: %w", err))
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO triage_records (event_id, event_ts, source, event_type, severity, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (event_id) DO UPDATE
		SET event_ts = EXCLUDED.event_ts,
		    source = EXCLUDED.source,
		    event_type = EXCLUDED.event_type,
		    severity = EXCLUDED.severity,
		    record = EXCLUDED.record,
		    updated_at = now()`,
		rec.Event.EventID, rec.Event.Timestamp, rec.Event.Source,
		rec.Event.EventType, string(rec.Event.Severity), raw,
	)
	if err != nil {
		return s.fail(span, err)
	}
	return nil
}

// AppendRemediation attaches the one-time remediation outcome to an
// existing record. The update is conditional on no outcome being
// present yet, so overlapping re-deliveries cannot overwrite the first
// writer's result.
func (s *Store) AppendRemediation(ctx context.Context, eventID string, out *remediation.Outcome) error {
	ctx, span := s.startSpan(ctx, "pgstore.AppendRemediation", "UPDATE")
	defer span.End()

	raw, err := json.Marshal(out)
	if err != nil {
		return s.fail(span, fmt.Errorf("encode outcome: %w", err))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE triage_records
		SET record = jsonb_set(record, '{remediation}', $2::jsonb),
		    updated_at = now()
		WHERE event_id = $1 AND NOT (record ? 'remediation')`,
		eventID, raw,
	)
	if err != nil {
		return s.fail(span, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the record is missing or another run already appended.
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT record ? 'remediation' FROM triage_records WHERE event_id = $1`, eventID,
		).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return s.fail(span, fmt.Errorf("record %s not found", eventID))
		}
		if err != nil {
			return s.fail(span, err)
		}
		if exists {
			return triage.ErrRemediationExists
		}
		return s.fail(span, fmt.Errorf("record %s: conditional remediation append matched no row", eventID))
	}
	return nil
}

// List returns one page of records, newest first, with a keyset cursor.
func (s *Store) List(ctx context.Context, opts triage.ListOptions) ([]*triage.Record, string, error) {
	ctx, span := s.startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var rows pgx.Rows
	var err error
	if opts.Cursor == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT record FROM triage_records
			ORDER BY event_ts DESC, event_id DESC
			LIMIT $1`, limit+1)
	} else {
		var ts time.Time
		var id string
		ts, id, err = decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", s.fail(span, err)
		}
		rows, err = s.pool.Query(ctx, `
			SELECT record FROM triage_records
			WHERE (event_ts, event_id) < ($1, $2)
			ORDER BY event_ts DESC, event_id DESC
			LIMIT $3`, ts, id, limit+1)
	}
	if err != nil {
		return nil, "", s.fail(span, err)
	}
	defer rows.Close()

	var page []*triage.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, "", s.fail(span, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, "", s.fail(span, err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", s.fail(span, err)
	}

	next := ""
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = encodeCursor(last.Event.Timestamp, last.Event.EventID)
	}
	return page, next, nil
}

// Stats accumulates aggregate counts over at most scanCap newest
// records, flagging the result partial when the cap was hit.
func (s *Store) Stats(ctx context.Context, scanCap int) (*triage.Stats, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Stats", "SELECT")
	defer span.End()

	if scanCap <= 0 {
		scanCap = maxPageSize
	}

	// Fetch one row beyond the cap to learn whether data was left out.
	rows, err := s.pool.Query(ctx, `
		SELECT record FROM triage_records
		ORDER BY event_ts DESC, event_id DESC
		LIMIT $1`, scanCap+1)
	if err != nil {
		return nil, s.fail(span, err)
	}
	defer rows.Close()

	st := &triage.Stats{BySeverity: make(map[event.Severity]int)}
	for rows.Next() {
		if st.Scanned >= scanCap {
			st.Partial = true
			break
		}
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, s.fail(span, err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return nil, s.fail(span, err)
		}
		st.Scanned++
		st.Total++
		st.BySeverity[rec.Event.Severity]++
		if rec.Triage != nil {
			if rec.Triage.AutoRemediate {
				st.AutoRemediated++
			}
			if rec.Triage.RequiresHumanReview {
				st.HumanReview++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, err)
	}
	return st, nil
}

func (s *Store) startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func decodeRecord(raw []byte) (*triage.Record, error) {
	var rec triage.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func encodeCursor(ts time.Time, id string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeCursor(cursor string) (time.Time, string, error) {
	for i := 0; i < len(cursor); i++ {
		if cursor[i] == '|' {
			ts, err := time.Parse(time.RFC3339Nano, cursor[:i])
			if err != nil {
				return time.Time{}, "", fmt.Errorf("%w: %v", triage.ErrBadCursor, err)
			}
			return ts, cursor[i+1:], nil
		}
	}
	return time.Time{}, "", triage.ErrBadCursor
}
