package stream

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/warden/internal/event"
)

// Inproc is a channel-backed event log for dev and testing (no Redis
// configured). Delivery is at-most-once; it exists so the pipeline is
// runnable without infrastructure, not for production use.
type Inproc struct {
	ch chan *event.SecurityEvent
}

// NewInproc creates an in-process log with the given buffer size.
func NewInproc(buffer int) *Inproc {
	return &Inproc{ch: make(chan *event.SecurityEvent, buffer)}
}

// Publish enqueues the event, failing fast when the buffer is full
// rather than blocking the ingest handler.
func (l *Inproc) Publish(_ context.Context, ev *event.SecurityEvent) error {
	select {
	case l.ch <- ev:
		return nil
	default:
		return fmt.Errorf("in-process event log full (buffer %d)", cap(l.ch))
	}
}

// Run delivers events to the handler until the context is cancelled.
func (l *Inproc) Run(ctx context.Context, handle Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.ch:
			// Handler errors are terminal here: there is no pending list
			// to replay from in-process.
			_ = handle(ctx, ev)
		}
	}
}
