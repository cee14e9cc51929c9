package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xmsg"
)

type StoreOption func(*Store)

func WithStoreLogger(l *xlog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClient reuses an existing client instead of dialing Config.Addr. The
// store still closes it on Close.
func WithClient(c *redis.Client) StoreOption {
	return func(s *Store) { s.client = c }
}

// Store appends every envelope it is handed to a Redis stream. Writes are
// best-effort: envelopes are encoded on the caller's goroutine, queued, and
// flushed in pipelined XADD batches by a background goroutine. When the queue
// is full the record is dropped and counted rather than blocking the bus.
type Store struct {
	cfg    Config
	client *redis.Client
	codec  xmsg.Codec
	logger *xlog.Logger

	queue chan xmsg.Record
	done  chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	metrics storeMetrics
}

type storeMetrics struct {
	accepted     atomic.Uint64
	written      atomic.Uint64
	dropped      atomic.Uint64
	encodeErrors atomic.Uint64
	writeErrors  atomic.Uint64
}

var _ xmsg.Store = (*Store)(nil)

// NewStore validates cfg, connects and starts the flusher.
func NewStore(cfg Config, opts ...StoreOption) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := xmsg.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    cfg,
		codec:  codec,
		logger: xlog.Default(),
		queue:  make(chan xmsg.Record, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}

	if s.client == nil {
		s.client = redis.NewClient(clientOptions(cfg))
	}
	if err := ping(s.client); err != nil {
		_ = s.client.Close()
		return nil, err
	}

	go s.flusher()
	return s, nil
}

func clientOptions(cfg Config) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return opts
}

// Store encodes env and queues it for the next flush. Never blocks.
func (s *Store) Store(_ context.Context, env xmsg.AnyEnvelope) {
	if env == nil {
		return
	}
	rec, err := xmsg.EncodeEnvelope(s.codec, env)
	if err != nil {
		s.metrics.encodeErrors.Add(1)
		s.logger.Warn().Err(err).Str("envelope_id", env.ID().String()).Msg("xmsg/redisstream: encode failed")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.dropped.Add(1)
		return
	}
	select {
	case s.queue <- rec:
		s.metrics.accepted.Add(1)
	default:
		s.metrics.dropped.Add(1)
	}
}

// StreamFor returns the stream key records of category cat are written to.
func (s *Store) StreamFor(cat string) string {
	if s.cfg.PerCategory && cat != "" {
		return s.cfg.Stream + ":" + cat
	}
	return s.cfg.Stream
}

func (s *Store) flusher() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]xmsg.Record, 0, s.cfg.BatchSize)
	for {
		select {
		case rec, ok := <-s.queue:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes batch with one pipelined round trip.
func (s *Store) flush(batch []xmsg.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	for i := range batch {
		args := &redis.XAddArgs{
			Stream: s.StreamFor(batch[i].Category),
			ID:     "*",
			Values: encodeValues(&batch[i]),
		}
		// Approximate trimming to keep stream bounded
		if s.cfg.MaxLenApprox > 0 {
			args.MaxLen = s.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.writeErrors.Add(uint64(len(batch)))
		s.logger.Error().
			Err(err).
			Str("records", strconv.Itoa(len(batch))).
			Msg("xmsg/redisstream: XADD batch failed; records lost")
		return
	}
	s.metrics.written.Add(uint64(len(batch)))
}

func encodeValues(r *xmsg.Record) map[string]any {
	vals := make(map[string]any, 9)
	vals[fieldEnvelopeID] = r.EnvelopeID
	vals[fieldMessageID] = r.MessageID
	vals[fieldCategory] = r.Category
	vals[fieldMessageType] = r.MessageType
	vals[fieldSender] = r.Sender
	vals[fieldReceivers] = strings.Join(r.Receivers, ",")
	vals[fieldCreatedAt] = r.CreatedAt.UnixNano()
	if r.OpenedAt != nil {
		vals[fieldOpenedAt] = r.OpenedAt.UnixNano()
	}
	// raw payload bytes (binary-safe, no base64 encoding overhead)
	vals[fieldPayload] = r.Payload
	return vals
}

// Close stops accepting records, flushes what is queued and closes the
// client. If ctx ends before the flush completes the client is closed
// anyway and ctx's error is returned. Idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		select {
		case <-s.done:
		case <-ctx.Done():
			s.closeErr = ctx.Err()
		}
		if err := s.client.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Stats returns store telemetry.
type Stats struct {
	Accepted     uint64
	Written      uint64
	Dropped      uint64 // Queue full or store closed
	EncodeErrors uint64
	WriteErrors  uint64
	Queued       int
}

func (s *Store) Stats() Stats {
	return Stats{
		Accepted:     s.metrics.accepted.Load(),
		Written:      s.metrics.written.Load(),
		Dropped:      s.metrics.dropped.Load(),
		EncodeErrors: s.metrics.encodeErrors.Load(),
		WriteErrors:  s.metrics.writeErrors.Load(),
		Queued:       len(s.queue),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
