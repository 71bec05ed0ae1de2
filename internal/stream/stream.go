// Package stream provides the ordered, at-least-once event log between
// the normalizer and the triage pipeline. The production implementation
// is Redis Streams, sharded by event id so all deliveries of one event
// stay ordered; an in-process channel serves dev mode.
package stream

import (
	"context"

	"github.com/linnemanlabs/warden/internal/event"
)

// Publisher emits normalized events onto the event log.
type Publisher interface {
	Publish(ctx context.Context, ev *event.SecurityEvent) error
}

// Handler processes one delivered event. A non-nil error leaves the
// entry un-acknowledged so it is redelivered; handlers must therefore
// be idempotent.
type Handler func(ctx context.Context, ev *event.SecurityEvent) error
