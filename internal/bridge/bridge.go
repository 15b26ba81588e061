// Package bridge republishes group broadcasts across server processes so that
// registries on different nodes stay consistent for the same group. The core
// registry logic is identical with or without a bridge attached.
package bridge

import (
	"context"

	"github.com/convoline/relay-go/internal/protocol"
)

// Event is one republished broadcast. Node identifies the publishing process
// so consumers can skip their own events.
type Event struct {
	Node     string             `json:"node"`
	GroupID  string             `json:"group_id"`
	Envelope *protocol.Envelope `json:"envelope"`
}

// Handler consumes one remote event.
type Handler func(ctx context.Context, ev *Event) error

// PubSub is the pluggable cross-instance channel.
type PubSub interface {
	Publish(ctx context.Context, ev *Event) error
	// Consume blocks delivering events to handler until ctx is cancelled.
	Consume(ctx context.Context, consumer string, handler Handler) error
	Close() error
}
