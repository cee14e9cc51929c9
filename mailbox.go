package xmsg

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const defaultMailboxCapacity = 1024

// MailboxConfig controls queue sizing and unhandled-message capture.
type MailboxConfig struct {
	// Capacity bounds the queue; Send blocks and TrySend fails when it is full.
	Capacity int
	// UnhandledCapture keeps the last N unhandled messages for diagnostics (0 = off).
	UnhandledCapture int
}

// DefaultMailboxConfig returns the production defaults.
func DefaultMailboxConfig() MailboxConfig {
	return MailboxConfig{Capacity: defaultMailboxCapacity}
}

// Validate checks MailboxConfig.
func (c MailboxConfig) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("%w: mailbox capacity must be >= 1, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.UnhandledCapture < 0 {
		return fmt.Errorf("%w: unhandled capture must be >= 0, got %d", ErrInvalidConfig, c.UnhandledCapture)
	}
	return nil
}

// MailboxOption configures a Mailbox at construction.
type MailboxOption func(*Mailbox)

func WithMailboxLogger(l *xlog.Logger) MailboxOption {
	return func(m *Mailbox) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMailboxClock(c xclock.Clock) MailboxOption {
	return func(m *Mailbox) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithMailboxCapacity(n int) MailboxOption {
	return func(m *Mailbox) { m.cfg.Capacity = n }
}

// WithMailboxMiddleware wraps every registered handler. Recovery is always
// applied outermost regardless of what is passed here.
func WithMailboxMiddleware(mw ...Middleware) MailboxOption {
	return func(m *Mailbox) { m.middlewares = append(m.middlewares, mw...) }
}

// WithUnhandledCapture keeps the last n unhandled messages, see Mailbox.Unhandled.
func WithUnhandledCapture(n int) MailboxOption {
	return func(m *Mailbox) { m.cfg.UnhandledCapture = n }
}

// WithUnhandledSink is called from the dispatch loop for every unhandled message.
func WithUnhandledSink(fn func(ctx context.Context, msg any)) MailboxOption {
	return func(m *Mailbox) { m.unhandledSink = fn }
}

func WithMailboxObserver(obs ...Observer) MailboxOption {
	return func(m *Mailbox) {
		for _, o := range obs {
			m.notifier.add(o)
		}
	}
}

func withNotifier(n *notifier) MailboxOption {
	return func(m *Mailbox) {
		if n != nil {
			m.notifier = n
		}
	}
}

// Mailbox is a component's private FIFO inbox. A single goroutine takes
// messages in arrival order and invokes the handler registered for the
// message's exact runtime type; message N+1 is never started before the
// handler for message N has returned.
type Mailbox struct {
	address     Address
	cfg         MailboxConfig
	logger      *xlog.Logger
	clock       xclock.Clock
	middlewares []Middleware
	notifier    *notifier

	unhandledSink func(ctx context.Context, msg any)

	queue chan any

	handlersMu sync.RWMutex
	handlers   map[reflect.Type]Handler

	// sendMu guards closed; producers register in inflight under RLock so a
	// graceful stop can wait for every accepted Send to land in the queue.
	sendMu   sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	state    atomic.Int32
	stopping chan struct{}
	killed   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	killOnce sync.Once
	doneOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	unhandledMu sync.Mutex
	unhandled   []any

	metrics mailboxMetrics
}

type mailboxMetrics struct {
	received     atomic.Uint64
	dispatched   atomic.Uint64
	failed       atomic.Uint64
	unhandled    atomic.Uint64
	dropped      atomic.Uint64
	processingNs atomic.Int64
}

// NewMailbox creates a mailbox for addr. Handlers are registered with
// RegisterHandler before Start; messages sent before Start are buffered.
func NewMailbox(addr Address, opts ...MailboxOption) (*Mailbox, error) {
	if !addr.Valid() {
		return nil, ErrInvalidAddress
	}
	m := &Mailbox{
		address:  addr,
		cfg:      DefaultMailboxConfig(),
		logger:   xlog.Default(),
		clock:    xclock.Default(),
		notifier: newNotifier(nil),
		handlers: make(map[reflect.Type]Handler),
		stopping: make(chan struct{}),
		killed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}

	m.logger = m.logger.With(xlog.Str("component", string(addr)))
	m.queue = make(chan any, m.cfg.Capacity)

	base, cancel := context.WithCancel(context.Background())
	m.ctx = InjectAll(base, addr, m.logger, m.clock)
	m.cancel = cancel
	return m, nil
}

// RegisterHandler associates h with the exact type T on m. Registering the
// same type twice fails with ErrDuplicateHandler.
func RegisterHandler[T any](m *Mailbox, h func(ctx context.Context, msg T) error) error {
	if h == nil {
		return ErrNilHandler
	}
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("%w: %s is an interface type", ErrInvalidHandlerType, t)
	}
	return m.register(t, func(ctx context.Context, msg any) error {
		return h(ctx, msg.(T))
	})
}

// MustRegisterHandler is RegisterHandler for bootstrap code; it panics on a
// wiring defect.
func MustRegisterHandler[T any](m *Mailbox, h func(ctx context.Context, msg T) error) {
	if err := RegisterHandler(m, h); err != nil {
		panic(fmt.Errorf("xmsg: %s: %w", m.address, err))
	}
}

func (m *Mailbox) register(t reflect.Type, h Handler) error {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, ok := m.handlers[t]; ok {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, t, m.address)
	}
	m.handlers[t] = RecoveryMiddleware()(Chain(h, m.middlewares...))
	return nil
}

// HasHandler reports whether a handler exists for the exact type of msg.
func (m *Mailbox) HasHandler(msg any) bool {
	m.handlersMu.RLock()
	_, ok := m.handlers[reflect.TypeOf(msg)]
	m.handlersMu.RUnlock()
	return ok
}

func (m *Mailbox) Address() Address { return m.address }

// Endpoint returns the handle producers use to post into m.
func (m *Mailbox) Endpoint() Endpoint { return mailboxEndpoint{m: m} }

func (m *Mailbox) State() MailboxState { return MailboxState(m.state.Load()) }

// Done is closed once the dispatch loop has exited.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

// Start launches the dispatch loop. Calling Start on a running mailbox is a
// no-op; a stopped mailbox cannot be restarted.
func (m *Mailbox) Start() error {
	if m.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		go m.run()
		return nil
	}
	if m.State() == StateRunning {
		return nil
	}
	return ErrMailboxClosed
}

// Stop refuses new messages, processes everything already accepted, and
// returns when the loop exits. If ctx ends first the mailbox is killed and
// ErrStopTimeout is returned.
func (m *Mailbox) Stop(ctx context.Context) error {
	m.seal()
	m.stopOnce.Do(func() { close(m.stopping) })

	// A mailbox that never started still owes its queued messages.
	if m.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		go m.run()
	}

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		m.Kill()
		m.logger.Warn().Err(ctx.Err()).Msg("xmsg: graceful stop timed out; mailbox killed")
		return fmt.Errorf("%w: %s: %v", ErrStopTimeout, m.address, ctx.Err())
	}
}

// Kill stops the loop at the next message boundary and abandons the queue.
func (m *Mailbox) Kill() {
	m.seal()
	m.killOnce.Do(func() {
		close(m.killed)
		m.cancel()
	})
	if m.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		m.abandon()
		m.doneOnce.Do(func() { close(m.done) })
	}
}

func (m *Mailbox) seal() {
	m.sendMu.Lock()
	m.closed = true
	m.sendMu.Unlock()
}

func (m *Mailbox) run() {
	defer func() {
		m.state.Store(int32(StateStopped))
		m.cancel()
		m.doneOnce.Do(func() { close(m.done) })
	}()

	stopping := m.stopping
	sealed := make(chan struct{})

	for {
		select {
		case <-m.killed:
			m.abandon()
			return
		default:
		}

		select {
		case <-m.killed:
			m.abandon()
			return
		case msg := <-m.queue:
			m.dispatch(msg)
		case <-stopping:
			stopping = nil
			go func() {
				m.inflight.Wait()
				close(sealed)
			}()
		case <-sealed:
			m.drain()
			return
		}
	}
}

// drain processes what is left once no producer can add more.
func (m *Mailbox) drain() {
	for {
		select {
		case <-m.killed:
			m.abandon()
			return
		case msg := <-m.queue:
			m.dispatch(msg)
		default:
			return
		}
	}
}

// abandon empties the queue after a kill. Producers that passed the closed
// check before seal may still be enqueueing; they finish promptly because
// killed is closed, and are waited for so every accepted message is counted.
func (m *Mailbox) abandon() {
	m.inflight.Wait()
	var n uint64
	for {
		select {
		case <-m.queue:
			n++
		default:
			if n > 0 {
				m.metrics.dropped.Add(n)
				m.logger.Warn().Str("dropped", fmt.Sprint(n)).Msg("xmsg: mailbox killed; queued messages abandoned")
				m.notifier.notify(Trace{Type: Dropped, Component: m.address, Count: n})
			}
			return
		}
	}
}

func (m *Mailbox) dispatch(msg any) {
	m.handlersMu.RLock()
	h, ok := m.handlers[reflect.TypeOf(msg)]
	m.handlersMu.RUnlock()

	if !ok {
		m.onUnhandled(msg)
		return
	}

	start := m.clock.Now()
	err := h(m.ctx, msg)
	duration := m.clock.Since(start)
	m.recordProcessingTime(duration.Nanoseconds())

	if err != nil {
		m.metrics.failed.Add(1)
		m.logger.Warn().Err(err).Str("message_type", typeName(msg)).Msg("xmsg: handler failed")
		m.notifier.notify(Trace{
			Type:        HandlerFailed,
			Component:   m.address,
			MessageType: typeName(msg),
			MessageID:   messageID(msg),
			Duration:    duration,
			Err:         err,
		})
		return
	}

	m.metrics.dispatched.Add(1)
	m.notifier.notify(Trace{
		Type:        Dispatched,
		Component:   m.address,
		MessageType: typeName(msg),
		MessageID:   messageID(msg),
		Duration:    duration,
	})
}

func (m *Mailbox) onUnhandled(msg any) {
	m.metrics.unhandled.Add(1)

	if limit := m.cfg.UnhandledCapture; limit > 0 {
		m.unhandledMu.Lock()
		if len(m.unhandled) >= limit {
			m.unhandled = append(m.unhandled[:0], m.unhandled[1:]...)
		}
		m.unhandled = append(m.unhandled, msg)
		m.unhandledMu.Unlock()
	}

	m.logger.Warn().Str("message_type", typeName(msg)).Msg("xmsg: unhandled message")
	m.notifier.notify(Trace{
		Type:        Unhandled,
		Component:   m.address,
		MessageType: typeName(msg),
		MessageID:   messageID(msg),
	})

	if m.unhandledSink != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Str("panic", fmt.Sprint(r)).Msg("xmsg: unhandled sink panic (recovered)")
				}
			}()
			m.unhandledSink(m.ctx, msg)
		}()
	}
}

// Unhandled returns the captured unhandled messages, oldest first.
func (m *Mailbox) Unhandled() []any {
	m.unhandledMu.Lock()
	defer m.unhandledMu.Unlock()
	out := make([]any, len(m.unhandled))
	copy(out, m.unhandled)
	return out
}

// Stats returns a snapshot of the mailbox counters.
func (m *Mailbox) Stats() MailboxStats {
	return MailboxStats{
		Received:   m.metrics.received.Load(),
		Dispatched: m.metrics.dispatched.Load(),
		Failed:     m.metrics.failed.Load(),
		Unhandled:  m.metrics.unhandled.Load(),
		Dropped:    m.metrics.dropped.Load(),
		QueueLen:   len(m.queue),
		Capacity:   cap(m.queue),
	}
}

// avgProcessingNs is the EMA of handler latency.
func (m *Mailbox) avgProcessingNs() int64 { return m.metrics.processingNs.Load() }

// recordProcessingTime records processing time using exponential moving average.
func (m *Mailbox) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := m.metrics.processingNs.Load()
	if current == 0 {
		m.metrics.processingNs.Store(ns)
		return
	}
	m.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}

func (m *Mailbox) enqueue(ctx context.Context, msg any, block bool) error {
	if msg == nil {
		return ErrNilMessage
	}

	m.sendMu.RLock()
	if m.closed {
		m.sendMu.RUnlock()
		return ErrMailboxClosed
	}
	m.inflight.Add(1)
	m.sendMu.RUnlock()
	defer m.inflight.Done()

	if !block {
		select {
		case m.queue <- msg:
			m.metrics.received.Add(1)
			return nil
		default:
			return ErrMailboxFull
		}
	}

	select {
	case m.queue <- msg:
		m.metrics.received.Add(1)
		return nil
	case <-m.killed:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mailboxEndpoint is the value handle shared by every producer of a mailbox.
type mailboxEndpoint struct {
	m *Mailbox
}

func (e mailboxEndpoint) Send(ctx context.Context, msg any) error {
	return e.m.enqueue(ctx, msg, true)
}

func (e mailboxEndpoint) TrySend(msg any) error {
	return e.m.enqueue(context.Background(), msg, false)
}

func (e mailboxEndpoint) String() string { return "endpoint(" + string(e.m.address) + ")" }

func messageID(msg any) string {
	if mm, ok := msg.(Message); ok {
		return mm.MessageID().String()
	}
	if env, ok := msg.(AnyEnvelope); ok {
		return env.ID().String()
	}
	return ""
}
