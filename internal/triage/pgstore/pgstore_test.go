package pgstore

import (
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/triage"
)

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ts   time.Time
		id   string
	}{
		{"plain", time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC), "evt-1"},
		{"sub-second precision", time.Date(2026, 2, 20, 9, 0, 0, 123456789, time.UTC), "evt-2"},
		{"non-utc normalized", time.Date(2026, 2, 20, 9, 0, 0, 0, time.FixedZone("PST", -8*3600)), "evt-3"},
		{"pipe in id", time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC), "evt|weird"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cursor := encodeCursor(tt.ts, tt.id)
			ts, id, err := decodeCursor(cursor)
			if err != nil {
				t.Fatalf("decodeCursor(%q): %v", cursor, err)
			}
			if !ts.Equal(tt.ts) {
				t.Errorf("timestamp = %v, want %v", ts, tt.ts)
			}
			if id != tt.id {
				t.Errorf("id = %q, want %q", id, tt.id)
			}
		})
	}
}

func TestDecodeCursor_Malformed(t *testing.T) {
	t.Parallel()

	for _, cursor := range []string{
		"",
		"no-separator",
		"not-a-time|evt-1",
		"|evt-1",
		"2026-02-20T09:00:00Z",
	} {
		if _, _, err := decodeCursor(cursor); !errors.Is(err, triage.ErrBadCursor) {
			t.Errorf("decodeCursor(%q) = %v, want ErrBadCursor", cursor, err)
		}
	}
}
