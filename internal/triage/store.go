package triage

import (
	"context"
	"errors"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/remediation"
)

// ErrBadCursor reports a pagination cursor the store cannot decode. It
// is a caller error, not a store failure.
var ErrBadCursor = errors.New("malformed cursor")

// ErrRemediationExists reports that a remediation outcome is already
// recorded for the event. The append is one-time; a second writer must
// treat this as completion by another run, not a failure.
var ErrRemediationExists = errors.New("remediation outcome already recorded")

// ListOptions controls read-path pagination. Records are returned
// newest first, ordered by (timestamp, event_id).
type ListOptions struct {
	// Limit caps the page size. Stores apply their own default and
	// maximum when it is zero or out of range.
	Limit int

	// Cursor resumes listing after the position returned by a previous
	// call. Empty means start from the newest record.
	Cursor string
}

// Stats are aggregate counts over triaged records. The scan backing
// them is bounded: when Partial is true the counts cover only the
// Scanned newest records, not the full table.
type Stats struct {
	Total          int                    `json:"total_threats"`
	BySeverity     map[event.Severity]int `json:"by_severity"`
	AutoRemediated int                    `json:"auto_remediated"`
	HumanReview    int                    `json:"human_review_required"`
	Scanned        int                    `json:"scanned"`
	Partial        bool                   `json:"partial"`
}

// Store is the persistence boundary for triaged event records, keyed
// by event id with timestamp as the sort dimension.
type Store interface {
	// Get retrieves a record by event id.
	Get(ctx context.Context, eventID string) (*Record, bool, error)

	// Put inserts or overwrites the record for its event id.
	Put(ctx context.Context, rec *Record) error

	// AppendRemediation attaches the one-time remediation outcome to an
	// existing record. Returns ErrRemediationExists when an outcome is
	// already present; it never overwrites one.
	AppendRemediation(ctx context.Context, eventID string, out *remediation.Outcome) error

	// List returns one page of records, newest first, plus the cursor
	// for the next page (empty when exhausted). An undecodable cursor
	// yields ErrBadCursor.
	List(ctx context.Context, opts ListOptions) ([]*Record, string, error)

	// Stats accumulates aggregate counts over at most scanCap records.
	Stats(ctx context.Context, scanCap int) (*Stats, error)
}
