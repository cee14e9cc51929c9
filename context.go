package xmsg

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xmsg (prevents collisions).
type ctxKey string

const (
	loggerCtxKey  ctxKey = "xmsg:logger"
	clockCtxKey   ctxKey = "xmsg:clock"
	addressCtxKey ctxKey = "xmsg:address"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the logger of the mailbox running the handler.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectAddress(ctx context.Context, a Address) context.Context {
	return context.WithValue(ctx, addressCtxKey, a)
}

// AddressFromContext returns the address of the mailbox running the handler.
func AddressFromContext(ctx context.Context) (Address, bool) {
	a, ok := ctx.Value(addressCtxKey).(Address)
	return a, ok && a != ""
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, addr Address, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectAddress(ctx, addr)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
