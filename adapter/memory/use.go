package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

// Use builds a System whose category buses record into an in-memory Store.
//
// Example:
//
//	sys := memory.Use(memory.Config{Capacity: 256},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
//	store := sys.Store().(*memory.Store)
func Use(cfg Config, opts ...Option) *xmsg.System {
	sb := xmsg.NewSystemBuilder().
		WithStore(StoreName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(sb)
		}
	}

	sys, err := sb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	return sys
}

// toMap converts Config to the generic map expected by the store factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"capacity": c.Capacity,
		"codec":    c.Codec,
	}
}

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

// WithMiddleware wraps every component handler (retry, timeout, etc).
func WithMiddleware(mw ...xmsg.Middleware) Option {
	return func(b *xmsg.SystemBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for delivery telemetry.
func WithObserver(obs ...xmsg.Observer) Option {
	return func(b *xmsg.SystemBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xmsg.SystemBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithMailboxCapacity sets the default mailbox queue size.
func WithMailboxCapacity(n int) Option {
	return func(b *xmsg.SystemBuilder) { b.WithMailboxCapacity(n) }
}
