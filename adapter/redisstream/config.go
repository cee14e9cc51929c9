package redisstream

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xmsg"
)

// Config for the Redis Streams store.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream layout
	Stream       string // key, or key prefix when PerCategory is set
	PerCategory  bool   // write to <Stream>:<category>
	MaxLenApprox int64  // XADD MAXLEN ~ bound (0 = unbounded)

	// Write pipeline
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration

	Codec string
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:          "127.0.0.1:6379",
		Stream:        "xmsg",
		PerCategory:   true,
		MaxLenApprox:  100_000,
		QueueSize:     4096,
		BatchSize:     128,
		FlushInterval: 100 * time.Millisecond,
		WriteTimeout:  2 * time.Second,
		Codec:         "json",
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr required", xmsg.ErrInvalidConfig)
	}
	if c.Stream == "" {
		return fmt.Errorf("%w: stream required", xmsg.ErrInvalidConfig)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: queue_size must be >= 1, got %d", xmsg.ErrInvalidConfig, c.QueueSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be >= 1, got %d", xmsg.ErrInvalidConfig, c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush_interval must be > 0, got %v", xmsg.ErrInvalidConfig, c.FlushInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: write_timeout must be > 0, got %v", xmsg.ErrInvalidConfig, c.WriteTimeout)
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("%w: max_len_approx must be >= 0, got %d", xmsg.ErrInvalidConfig, c.MaxLenApprox)
	}
	return nil
}

// toMap converts Config to generic map for the store factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"stream":          c.Stream,
		"per_category":    c.PerCategory,
		"max_len_approx":  c.MaxLenApprox,
		"queue_size":      c.QueueSize,
		"batch_size":      c.BatchSize,
		"flush_interval":  c.FlushInterval,
		"write_timeout":   c.WriteTimeout,
		"codec":           c.Codec,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["stream"].(string); ok && v != "" {
		c.Stream = v
	}
	if v, ok := m["per_category"].(bool); ok {
		c.PerCategory = v
	}
	if v, ok := toInt64(m["max_len_approx"]); ok && v >= 0 {
		c.MaxLenApprox = v
	}
	if v, ok := m["queue_size"].(int); ok && v > 0 {
		c.QueueSize = v
	}
	if v, ok := m["batch_size"].(int); ok && v > 0 {
		c.BatchSize = v
	}
	if v, ok := durationOf(m["flush_interval"]); ok && v > 0 {
		c.FlushInterval = v
	}
	if v, ok := durationOf(m["write_timeout"]); ok && v > 0 {
		c.WriteTimeout = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}

	return c
}

func durationOf(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
