package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

const StoreName = "memory"

func init() {
	if err := xmsg.RegisterStore(StoreName, func(cfg map[string]any) (xmsg.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xmsg/memory: failed to register store: %w", err))
	}
}

// Config controls the in-memory store.
type Config struct {
	// Capacity is the number of recent records kept (default: 1024, 0 = keep none).
	Capacity int
	// Codec names the registered codec used to measure payload size (default: "json").
	Codec string
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}

	return Config{
		Capacity: max(0, getInt("capacity", 1024)),
		Codec:    getString("codec", "json"),
	}
}

type StoreOption func(*Store)

func WithStoreClock(c xclock.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithStoreLogger(l *xlog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements xmsg.Store in process memory. It keeps size and latency
// diagnostics per message category and a bounded ring of recent records.
// Intended for development, tests and benchmarks.
type Store struct {
	cfg    Config
	codec  xmsg.Codec
	clock  xclock.Clock
	logger *xlog.Logger

	mu   sync.Mutex
	ring []xmsg.Record
	next int
	full bool

	categories   map[xmsg.Category]*categoryMetrics
	encodeErrors atomic.Uint64
	closed       atomic.Bool
}

type categoryMetrics struct {
	count     atomic.Uint64
	bytes     atomic.Uint64
	latencyNs atomic.Int64
}

var _ xmsg.Store = (*Store)(nil)

// NewStore creates an in-memory store.
func NewStore(cfg Config, opts ...StoreOption) (*Store, error) {
	if cfg.Codec == "" {
		cfg.Codec = "json"
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("%w: memory store capacity must be >= 0, got %d", xmsg.ErrInvalidConfig, cfg.Capacity)
	}
	codec, err := xmsg.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	s := &Store{
		cfg:    cfg,
		codec:  codec,
		clock:  xclock.Default(),
		logger: xlog.Default(),
		ring:   make([]xmsg.Record, cfg.Capacity),
		categories: map[xmsg.Category]*categoryMetrics{
			xmsg.CategoryCommand:  {},
			xmsg.CategoryEvent:    {},
			xmsg.CategoryDocument: {},
		},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

// Store encodes env and records its size and the time it spent between
// creation and reaching the bus.
func (s *Store) Store(_ context.Context, env xmsg.AnyEnvelope) {
	if s.closed.Load() || env == nil {
		return
	}
	m, ok := s.categories[env.Category()]
	if !ok {
		return
	}

	rec, err := xmsg.EncodeEnvelope(s.codec, env)
	if err != nil {
		s.encodeErrors.Add(1)
		s.logger.Warn().Err(err).Str("envelope_id", env.ID().String()).Msg("xmsg/memory: encode failed")
		return
	}

	m.count.Add(1)
	m.bytes.Add(uint64(len(rec.Payload)))
	m.latencyNs.Add(s.clock.Since(env.CreatedAt()).Nanoseconds())

	if s.cfg.Capacity == 0 {
		return
	}
	s.mu.Lock()
	s.ring[s.next] = rec
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
}

// Recent returns the retained records, oldest first.
func (s *Store) Recent() []xmsg.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]xmsg.Record, s.next)
		copy(out, s.ring[:s.next])
		return out
	}
	out := make([]xmsg.Record, 0, len(s.ring))
	out = append(out, s.ring[s.next:]...)
	out = append(out, s.ring[:s.next]...)
	return out
}

// Close stops recording. Idempotent.
func (s *Store) Close(_ context.Context) error {
	s.closed.Store(true)
	return nil
}

// CategoryStats summarizes one category's traffic.
type CategoryStats struct {
	Count      uint64
	Bytes      uint64
	AvgLatency time.Duration
}

// Stats returns store telemetry.
type Stats struct {
	Categories   map[xmsg.Category]CategoryStats
	EncodeErrors uint64
	Retained     int
}

// Stats returns current store metrics.
func (s *Store) Stats() Stats {
	st := Stats{
		Categories:   make(map[xmsg.Category]CategoryStats, len(s.categories)),
		EncodeErrors: s.encodeErrors.Load(),
	}
	for cat, m := range s.categories {
		cs := CategoryStats{Count: m.count.Load(), Bytes: m.bytes.Load()}
		if cs.Count > 0 {
			cs.AvgLatency = time.Duration(m.latencyNs.Load() / int64(cs.Count))
		}
		st.Categories[cat] = cs
	}
	s.mu.Lock()
	if s.full {
		st.Retained = len(s.ring)
	} else {
		st.Retained = s.next
	}
	s.mu.Unlock()
	return st
}
