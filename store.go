package xmsg

import (
	"context"
)

// Store is the diagnostics/persistence hook a category bus hands every
// envelope to. Store is fire-and-forget: it must not block the bus's
// dispatch loop materially and reports its own failures.
type Store interface {
	// Store records env. The envelope is immutable; implementations may keep it.
	Store(ctx context.Context, env AnyEnvelope)
	// Close flushes and releases resources.
	Close(ctx context.Context) error
}

// NopStore discards every envelope.
type NopStore struct{}

func (NopStore) Store(context.Context, AnyEnvelope) {}
func (NopStore) Close(context.Context) error        { return nil }

var _ Store = NopStore{}
