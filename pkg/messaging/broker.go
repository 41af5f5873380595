package messaging

import (
	"context"
)

// Broker defines the interface for the room-channel transport. A room is
// just a named channel; delivery to subscribers is at-least-once and may
// be reordered, which is exactly the model the sync bridge assumes.
type Broker interface {
	Publish(ctx context.Context, room string, message interface{}) error
	Subscribe(ctx context.Context, room string) (<-chan []byte, error)
	Close() error
}
