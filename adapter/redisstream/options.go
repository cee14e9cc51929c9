package redisstream

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

// Option configures the xmsg.SystemBuilder when calling Use.
type Option func(*xmsg.SystemBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xmsg.SystemBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xmsg.SystemBuilder) { b.WithClock(c) }
}

// WithMiddleware wraps every component handler.
func WithMiddleware(mw ...xmsg.Middleware) Option {
	return func(b *xmsg.SystemBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for delivery telemetry.
func WithObserver(obs ...xmsg.Observer) Option {
	return func(b *xmsg.SystemBuilder) { b.WithObserver(obs...) }
}

// WithMailboxCapacity sets the default mailbox queue size.
func WithMailboxCapacity(n int) Option {
	return func(b *xmsg.SystemBuilder) { b.WithMailboxCapacity(n) }
}
