package redisstream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xmsg"
)

// orderFilled is a sample domain event for testing.
type orderFilled struct {
	xmsg.EventBase
	Symbol string
	Qty    int64
}

func newOrderFilled(symbol string, qty int64) orderFilled {
	return orderFilled{EventBase: xmsg.NewEventBase(xclock.Default()), Symbol: symbol, Qty: qty}
}

// redisConfig returns a Config pointing at XMSG_REDIS_ADDR, or skips.
func redisConfig(t *testing.T) Config {
	addr := os.Getenv("XMSG_REDIS_ADDR")
	if addr == "" {
		t.Skip("XMSG_REDIS_ADDR not set")
	}
	cfg := Defaults()
	cfg.Addr = addr
	cfg.Password = os.Getenv("XMSG_REDIS_PASSWORD")
	cfg.Stream = fmt.Sprintf("xmsg-test-%d", time.Now().UnixNano())
	cfg.FlushInterval = 10 * time.Millisecond
	return cfg
}

// redisClient returns a connected Redis client for assertions.
func redisClient(t *testing.T, cfg Config) *redis.Client {
	client := redis.NewClient(clientOptions(cfg))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func cleanupStreams(client *redis.Client, keys ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Del(ctx, keys...).Err()
}

func TestConfigFromMap_Defaults(t *testing.T) {
	cfg := ConfigFromMap(nil)
	assert.Equal(t, Defaults(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestConfigFromMap_Overrides(t *testing.T) {
	cfg := ConfigFromMap(map[string]any{
		"addr":           "redis:6380",
		"stream":         "trading",
		"per_category":   false,
		"max_len_approx": 500,
		"queue_size":     16,
		"batch_size":     4,
		"flush_interval": "25ms",
		"write_timeout":  time.Second,
		"codec":          "json",
	})

	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, "trading", cfg.Stream)
	assert.False(t, cfg.PerCategory)
	assert.Equal(t, int64(500), cfg.MaxLenApprox)
	assert.Equal(t, 16, cfg.QueueSize)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 25*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, time.Second, cfg.WriteTimeout)
}

func TestConfig_RoundTripThroughMap(t *testing.T) {
	cfg := Defaults()
	cfg.Stream = "orders"
	cfg.BatchSize = 7
	assert.Equal(t, cfg, ConfigFromMap(cfg.toMap()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"empty stream", func(c *Config) { c.Stream = "" }},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero flush interval", func(c *Config) { c.FlushInterval = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative max len", func(c *Config) { c.MaxLenApprox = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), xmsg.ErrInvalidConfig)
		})
	}
}

func TestDecodeRecord_FromEncodedValues(t *testing.T) {
	env, err := xmsg.NewEnvelope(newOrderFilled("BTC-USD", 3), xmsg.Execution, []xmsg.Address{xmsg.Risk, xmsg.Portfolio}, nil)
	require.NoError(t, err)
	rec, err := xmsg.EncodeEnvelope(xmsg.JSONCodec{}, env)
	require.NoError(t, err)

	got := decodeRecord(encodeValues(&rec))

	assert.Equal(t, rec.EnvelopeID, got.EnvelopeID)
	assert.Equal(t, rec.MessageID, got.MessageID)
	assert.Equal(t, "event", got.Category)
	assert.Equal(t, rec.MessageType, got.MessageType)
	assert.Equal(t, "Execution", got.Sender)
	assert.Equal(t, []string{"Risk", "Portfolio"}, got.Receivers)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.OpenedAt)
	assert.Equal(t, rec.Payload, got.Payload)
}

func TestDecodeRecord_StringValues(t *testing.T) {
	// Redis hands values back as strings.
	got := decodeRecord(map[string]any{
		fieldCategory:  "command",
		fieldCreatedAt: "1700000000000000000",
		fieldOpenedAt:  "1700000000000000500",
		fieldPayload:   `{"x":1}`,
	})
	assert.Equal(t, "command", got.Category)
	assert.Equal(t, int64(1700000000000000000), got.CreatedAt.UnixNano())
	require.NotNil(t, got.OpenedAt)
	assert.Equal(t, int64(1700000000000000500), got.OpenedAt.UnixNano())
	assert.Equal(t, []byte(`{"x":1}`), got.Payload)
	assert.Empty(t, got.Receivers)
}

func TestStore_StreamFor(t *testing.T) {
	s := &Store{cfg: Defaults()}
	assert.Equal(t, "xmsg:event", s.StreamFor("event"))

	s.cfg.PerCategory = false
	assert.Equal(t, "xmsg", s.StreamFor("event"))
}

func TestStore_WritesEnvelopes(t *testing.T) {
	cfg := redisConfig(t)
	client := redisClient(t, cfg)
	defer client.Close()

	store, err := NewStore(cfg)
	require.NoError(t, err)
	stream := store.StreamFor("event")
	defer cleanupStreams(client, stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 10
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		env, err := xmsg.NewEnvelope(newOrderFilled("ETH-USD", int64(i)), xmsg.Execution, []xmsg.Address{xmsg.Risk}, nil)
		require.NoError(t, err)
		ids[i] = env.ID().String()
		store.Store(ctx, env)
	}

	assert.Eventually(t, func() bool {
		l, err := client.XLen(ctx, stream).Result()
		return err == nil && l == n
	}, 3*time.Second, 20*time.Millisecond)

	recs, err := store.Recent(ctx, stream, n)
	require.NoError(t, err)
	require.Len(t, recs, n)
	for i, r := range recs {
		assert.Equal(t, ids[i], r.EnvelopeID)
		assert.Equal(t, []string{"Risk"}, r.Receivers)
	}

	require.NoError(t, store.Close(ctx))
	st := store.Stats()
	assert.Equal(t, uint64(n), st.Written)
	assert.Zero(t, st.Dropped)
}

func TestStore_CloseFlushesQueued(t *testing.T) {
	cfg := redisConfig(t)
	cfg.FlushInterval = time.Hour
	cfg.BatchSize = 1000
	client := redisClient(t, cfg)
	defer client.Close()

	store, err := NewStore(cfg)
	require.NoError(t, err)
	stream := store.StreamFor("event")
	defer cleanupStreams(client, stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		env, err := xmsg.NewEnvelope(newOrderFilled("SOL-USD", int64(i)), xmsg.Execution, []xmsg.Address{xmsg.Risk}, nil)
		require.NoError(t, err)
		store.Store(ctx, env)
	}
	require.NoError(t, store.Close(ctx))

	l, err := client.XLen(ctx, stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), l)

	// Closed store drops instead of panicking on the closed queue.
	env, err := xmsg.NewEnvelope(newOrderFilled("SOL-USD", 9), xmsg.Execution, []xmsg.Address{xmsg.Risk}, nil)
	require.NoError(t, err)
	store.Store(ctx, env)
	assert.Equal(t, uint64(1), store.Stats().Dropped)
	require.NoError(t, store.Close(ctx))
}

func TestUse_BuildsSystemWithRedisStore(t *testing.T) {
	cfg := redisConfig(t)
	client := redisClient(t, cfg)
	defer client.Close()

	sys := Use(cfg)
	store, ok := sys.Store().(*Store)
	require.True(t, ok)
	defer cleanupStreams(client, store.StreamFor("event"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sys.Stop(ctx))
}
