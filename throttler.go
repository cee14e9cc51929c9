package xmsg

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ThrottlerConfig bounds the forwarding rate to Limit messages per Interval.
type ThrottlerConfig struct {
	Limit    int
	Interval time.Duration
	// Capacity is the submission buffer between producers and the loop.
	Capacity int
	// MaxPending caps submitted-but-unforwarded messages (0 = unbounded).
	MaxPending int
}

// Defaults fills zero fields.
func (c ThrottlerConfig) Defaults() ThrottlerConfig {
	if c.Capacity == 0 {
		c.Capacity = defaultMailboxCapacity
	}
	return c
}

func (c ThrottlerConfig) Validate() error {
	if c.Limit < 1 {
		return fmt.Errorf("%w: throttler limit must be >= 1, got %d", ErrInvalidConfig, c.Limit)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: throttler interval must be > 0, got %s", ErrInvalidConfig, c.Interval)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("%w: throttler capacity must be >= 1, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("%w: throttler max pending must be >= 0, got %d", ErrInvalidConfig, c.MaxPending)
	}
	return nil
}

// Ticker drives window rollover.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type ThrottlerOption func(*Throttler)

func WithThrottlerLogger(l *xlog.Logger) ThrottlerOption {
	return func(t *Throttler) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTicker replaces the wall-clock ticker, typically with a manual one in tests.
func WithTicker(fn func(d time.Duration) Ticker) ThrottlerOption {
	return func(t *Throttler) {
		if fn != nil {
			t.newTicker = fn
		}
	}
}

func WithThrottlerObserver(obs ...Observer) ThrottlerOption {
	return func(t *Throttler) {
		for _, o := range obs {
			t.notifier.add(o)
		}
	}
}

func withThrottlerNotifier(n *notifier) ThrottlerOption {
	return func(t *Throttler) {
		if n != nil {
			t.notifier = n
		}
	}
}

// Throttler is an Endpoint decorator that forwards at most Limit messages to
// its downstream per Interval. Messages over the limit wait in a FIFO backlog
// and are released, oldest first, when the window rolls over. Producers never
// wait on the window.
type Throttler struct {
	name       string
	cfg        ThrottlerConfig
	downstream Endpoint
	logger     *xlog.Logger
	notifier   *notifier
	newTicker  func(d time.Duration) Ticker

	in chan any

	sendMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	state    atomic.Int32
	stopping chan struct{}
	killed   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	killOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the loop.
	pending []any
	count   int

	pendingLen atomic.Int64
	metrics    throttlerMetrics
}

type throttlerMetrics struct {
	submitted atomic.Uint64
	forwarded atomic.Uint64
	queued    atomic.Uint64
	discarded atomic.Uint64
	errors    atomic.Uint64
}

// NewThrottler wraps downstream. Call Start to begin forwarding; submissions
// made before Start are buffered up to cfg.Capacity.
func NewThrottler(name string, downstream Endpoint, cfg ThrottlerConfig, opts ...ThrottlerOption) (*Throttler, error) {
	if downstream == nil {
		return nil, ErrNilEndpoint
	}
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Throttler{
		name:       name,
		cfg:        cfg,
		downstream: downstream,
		logger:     xlog.Default(),
		notifier:   newNotifier(nil),
		newTicker:  newTimeTicker,
		in:         make(chan any, cfg.Capacity),
		stopping:   make(chan struct{}),
		killed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	t.logger = t.logger.With(xlog.Str("throttler", name))
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

func (t *Throttler) Name() string { return t.name }

// Address is the name as a routable address, so a System can own the
// throttler and route to it.
func (t *Throttler) Address() Address { return Address(t.name) }

// Endpoint returns the throttler itself.
func (t *Throttler) Endpoint() Endpoint { return t }

func (t *Throttler) Config() ThrottlerConfig { return t.cfg }

// Start launches the forwarding loop. Idempotent while running.
func (t *Throttler) Start() error {
	if t.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		go t.run()
		return nil
	}
	if t.State() == StateRunning {
		return nil
	}
	return ErrThrottlerClosed
}

func (t *Throttler) State() MailboxState { return MailboxState(t.state.Load()) }

// Send submits msg. It waits only for room in the submission buffer, never
// for the rate window.
func (t *Throttler) Send(ctx context.Context, msg any) error {
	return t.submit(ctx, msg, true)
}

// TrySend submits msg or fails with ErrThrottlerFull.
func (t *Throttler) TrySend(msg any) error {
	return t.submit(context.Background(), msg, false)
}

func (t *Throttler) submit(ctx context.Context, msg any, block bool) error {
	if msg == nil {
		return ErrNilMessage
	}

	t.sendMu.RLock()
	if t.closed {
		t.sendMu.RUnlock()
		return ErrThrottlerClosed
	}
	t.inflight.Add(1)
	t.sendMu.RUnlock()
	defer t.inflight.Done()

	if t.cfg.MaxPending > 0 && t.QueueCount() >= t.cfg.MaxPending {
		return ErrThrottlerFull
	}

	if !block {
		select {
		case t.in <- msg:
			t.metrics.submitted.Add(1)
			return nil
		default:
			return ErrThrottlerFull
		}
	}

	select {
	case t.in <- msg:
		t.metrics.submitted.Add(1)
		return nil
	case <-t.killed:
		return ErrThrottlerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Throttler) run() {
	defer func() {
		t.state.Store(int32(StateStopped))
		t.cancel()
		close(t.done)
	}()

	ticker := t.newTicker(t.cfg.Interval)
	defer ticker.Stop()

	stopping := t.stopping
	sealed := make(chan struct{})
	sealedCh := sealed
	draining := false

	for {
		select {
		case <-t.killed:
			t.discardAll()
			return
		default:
		}
		if draining && len(t.in) == 0 && len(t.pending) == 0 {
			return
		}

		select {
		case <-t.killed:
			t.discardAll()
			return
		case msg := <-t.in:
			t.admit(msg)
		case <-ticker.C():
			t.rollover()
		case <-stopping:
			stopping = nil
			go func() {
				t.inflight.Wait()
				close(sealed)
			}()
		case <-sealedCh:
			sealedCh = nil
			draining = true
		}
	}
}

// admit forwards msg if the window has room and nothing older is waiting;
// otherwise it joins the backlog.
func (t *Throttler) admit(msg any) {
	if len(t.pending) == 0 && t.count < t.cfg.Limit {
		t.forward(msg)
		return
	}
	t.pending = append(t.pending, msg)
	t.pendingLen.Store(int64(len(t.pending)))
	t.metrics.queued.Add(1)
	t.notifier.notify(Trace{
		Type:        Throttled,
		Component:   Address(t.name),
		MessageType: typeName(msg),
		MessageID:   messageID(msg),
		Count:       uint64(len(t.pending)),
	})
}

// rollover opens a new window and releases up to Limit backlogged messages.
func (t *Throttler) rollover() {
	t.count = 0
	n := 0
	for len(t.pending) > 0 && t.count < t.cfg.Limit {
		msg := t.pending[0]
		t.pending[0] = nil
		t.pending = t.pending[1:]
		t.forward(msg)
		n++
	}
	if len(t.pending) == 0 {
		t.pending = nil
	}
	t.pendingLen.Store(int64(len(t.pending)))
	if n > 0 {
		t.logger.Debug().
			Str("released", strconv.Itoa(n)).
			Str("pending", strconv.Itoa(len(t.pending))).
			Msg("xmsg: throttle window rolled over")
	}
}

func (t *Throttler) forward(msg any) {
	t.count++
	if err := t.downstream.Send(t.ctx, msg); err != nil {
		t.metrics.errors.Add(1)
		t.logger.Warn().Err(err).Str("message_type", typeName(msg)).Msg("xmsg: throttled forward failed")
		return
	}
	t.metrics.forwarded.Add(1)
}

func (t *Throttler) discardAll() {
	n := uint64(len(t.pending))
	t.pending = nil
	t.pendingLen.Store(0)
	for {
		select {
		case <-t.in:
			n++
		default:
			if n > 0 {
				t.metrics.discarded.Add(n)
				t.logger.Warn().Str("discarded", strconv.FormatUint(n, 10)).Msg("xmsg: throttler killed; backlog discarded")
				t.notifier.notify(Trace{Type: Dropped, Component: Address(t.name), Count: n})
			}
			return
		}
	}
}

// Stop refuses new submissions and forwards the backlog at the configured
// rate before returning. If ctx ends first the throttler is killed and
// ErrStopTimeout is returned.
func (t *Throttler) Stop(ctx context.Context) error {
	t.seal()
	t.stopOnce.Do(func() { close(t.stopping) })
	if t.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		go t.run()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		before := t.Discarded()
		t.Kill()
		t.logger.Warn().
			Err(ctx.Err()).
			Str("discarded", strconv.FormatUint(t.Discarded()-before, 10)).
			Msg("xmsg: throttler stop timed out; killed")
		return fmt.Errorf("%w: %s: %v", ErrStopTimeout, t.name, ctx.Err())
	}
}

// Kill stops the timer, discards the backlog and waits for the loop to exit.
// The discarded total is reported by Discarded.
func (t *Throttler) Kill() {
	t.seal()
	t.killOnce.Do(func() {
		close(t.killed)
		t.cancel()
	})
	if t.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		t.discardAll()
		close(t.done)
	}
	<-t.done
}

// Discarded is the number of messages thrown away by Kill.
func (t *Throttler) Discarded() uint64 { return t.metrics.discarded.Load() }

func (t *Throttler) seal() {
	t.sendMu.Lock()
	t.closed = true
	t.sendMu.Unlock()
}

// Done is closed once the loop has exited.
func (t *Throttler) Done() <-chan struct{} { return t.done }

// QueueCount is the number of submitted messages not yet forwarded.
func (t *Throttler) QueueCount() int {
	return len(t.in) + int(t.pendingLen.Load())
}

// IsActive reports whether messages are being held back by the window.
func (t *Throttler) IsActive() bool { return t.pendingLen.Load() > 0 }

// IsIdle reports whether nothing is waiting to be forwarded.
func (t *Throttler) IsIdle() bool { return t.QueueCount() == 0 }

func (t *Throttler) Stats() ThrottlerStats {
	return ThrottlerStats{
		Submitted: t.metrics.submitted.Load(),
		Forwarded: t.metrics.forwarded.Load(),
		Queued:    t.metrics.queued.Load(),
		Discarded: t.metrics.discarded.Load(),
		Errors:    t.metrics.errors.Load(),
		Pending:   int(t.pendingLen.Load()),
	}
}

func (t *Throttler) String() string { return "throttler(" + t.name + ")" }
