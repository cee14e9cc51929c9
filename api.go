package xmsg

import (
	"context"
)

// Handler processes a single message taken from a mailbox.
// Returning an error marks the message failed; the mailbox carries on.
type Handler func(ctx context.Context, msg any) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Endpoint is the write-handle used to post into a mailbox (or into a
// decorator in front of one, such as a Throttler).
type Endpoint interface {
	// Send enqueues msg, waiting for room while ctx allows.
	Send(ctx context.Context, msg any) error
	// TrySend enqueues msg or fails immediately when there is no room.
	TrySend(msg any) error
}

// Component is a long-running, mailbox-backed unit with two stop modes.
type Component interface {
	Address() Address
	Endpoint() Endpoint
	Start() error
	// Stop finishes queued work and refuses new work.
	Stop(ctx context.Context) error
	// Kill cancels immediately and abandons queued work.
	Kill()
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

var (
	_ Component = (*Mailbox)(nil)
	_ Component = (*Throttler)(nil)
	_ Endpoint  = (*Throttler)(nil)
)
