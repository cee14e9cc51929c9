package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xmsg"
)

const StoreName = "redis-streams"

func init() {
	if err := xmsg.RegisterStore(StoreName, func(cfg map[string]any) (xmsg.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmsg: failed to register store %q: %w", StoreName, err))
	}
}

// Use builds a System whose category buses record into Redis Streams.
// It panics if Redis is unreachable or cfg is invalid.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return sys
}
