// Package memstore provides an in-memory implementation of
// triage.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/event"
	"github.com/linnemanlabs/warden/internal/remediation"
	"github.com/linnemanlabs/warden/internal/triage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Store holds triaged records in memory, keyed by event id.
type Store struct {
	mu      sync.RWMutex
	records map[string]*triage.Record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*triage.Record)}
}

// Get retrieves a record by event id. Returns a copy.
func (s *Store) Get(_ context.Context, eventID string) (*triage.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[eventID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// Put stores a copy of the record.
func (s *Store) Put(_ context.Context, rec *triage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Event.EventID] = &cp
	return nil
}

// AppendRemediation attaches the remediation outcome to an existing
// record. The append is one-time: an outcome already present is never
// overwritten.
func (s *Store) AppendRemediation(_ context.Context, eventID string, out *remediation.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[eventID]
	if !ok {
		return fmt.Errorf("record %s not found", eventID)
	}
	if r.Remediation != nil {
		return triage.ErrRemediationExists
	}
	cp := *out
	r.Remediation = &cp
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns one page of records, newest first by (timestamp, event_id).
func (s *Store) List(_ context.Context, opts triage.ListOptions) ([]*triage.Record, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	s.mu.RLock()
	all := s.sorted()
	s.mu.RUnlock()

	start := 0
	if opts.Cursor != "" {
		ts, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		for i, r := range all {
			if after(r, ts, id) {
				start = i
				break
			}
			start = len(all)
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := make([]*triage.Record, 0, end-start)
	for _, r := range all[start:end] {
		cp := *r
		page = append(page, &cp)
	}

	next := ""
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.Event.Timestamp, last.Event.EventID)
	}
	return page, next, nil
}

// Stats accumulates counts over at most scanCap newest records.
func (s *Store) Stats(_ context.Context, scanCap int) (*triage.Stats, error) {
	s.mu.RLock()
	all := s.sorted()
	s.mu.RUnlock()

	st := &triage.Stats{BySeverity: make(map[event.Severity]int)}
	for _, r := range all {
		if scanCap > 0 && st.Scanned >= scanCap {
			st.Partial = true
			break
		}
		st.Scanned++
		st.Total++
		st.BySeverity[r.Event.Severity]++
		if r.Triage != nil {
			if r.Triage.AutoRemediate {
				st.AutoRemediated++
			}
			if r.Triage.RequiresHumanReview {
				st.HumanReview++
			}
		}
	}
	return st, nil
}

// sorted returns all records newest first. Callers hold the lock.
func (s *Store) sorted() []*triage.Record {
	all := make([]*triage.Record, 0, len(s.records))
	for _, r := range s.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		ti, tj := all[i].Event.Timestamp, all[j].Event.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return all[i].Event.EventID > all[j].Event.EventID
	})
	return all
}

// after reports whether r sorts strictly after the cursor position in
// newest-first order.
func after(r *triage.Record, ts time.Time, id string) bool {
	if !r.Event.Timestamp.Equal(ts) {
		return r.Event.Timestamp.Before(ts)
	}
	return r.Event.EventID < id
}

func encodeCursor(ts time.Time, id string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodeCursor(cursor string) (time.Time, string, error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", triage.ErrBadCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", triage.ErrBadCursor, err)
	}
	return ts, parts[1], nil
}
