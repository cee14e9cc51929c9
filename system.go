package xmsg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

var _ HealthChecker = (*System)(nil)

// DataBusComponent is what a System needs from a DataBus[T] of any payload type.
type DataBusComponent interface {
	Component
	Stats() DataBusStats
}

// System owns the category buses, the messaging adapter and every
// registered component. It builds the switchboard on Start and hands it to
// the buses, so nothing reads routing state from a global.
type System struct {
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	capacity     int
	store        Store
	codec        Codec
	observerPool *ObserverPool
	notifier     *notifier

	commandBus  *CommandBus
	eventBus    *EventBus
	documentBus *DocumentBus
	messenger   *MessagingAdapter

	mu          sync.Mutex
	routes      map[Address]Endpoint
	components  []Component
	throttlers  []*Throttler
	mailboxes   []*Mailbox
	dataBuses   []DataBusComponent
	switchboard *Switchboard

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// MailboxOptions returns the options System applies to the mailboxes it
// creates: shared logger, clock, capacity, middleware and observers.
func (s *System) MailboxOptions() []MailboxOption {
	return []MailboxOption{
		WithMailboxLogger(s.logger),
		WithMailboxClock(s.clock),
		WithMailboxCapacity(s.capacity),
		WithMailboxMiddleware(s.middlewares...),
		withNotifier(s.notifier),
	}
}

// DataBusOptions is MailboxOptions without the handler middleware; the fan-out
// loop must not be moved off the bus goroutine.
func (s *System) DataBusOptions() []MailboxOption {
	return []MailboxOption{
		WithMailboxLogger(s.logger),
		WithMailboxClock(s.clock),
		WithMailboxCapacity(s.capacity),
		withNotifier(s.notifier),
	}
}

// ThrottlerOptions returns the options System applies to throttlers.
func (s *System) ThrottlerOptions() []ThrottlerOption {
	return []ThrottlerOption{
		WithThrottlerLogger(s.logger),
		withThrottlerNotifier(s.notifier),
	}
}

// NewMailbox creates and registers a component mailbox at addr.
func (s *System) NewMailbox(addr Address, opts ...MailboxOption) (*Mailbox, error) {
	mb, err := NewMailbox(addr, append(s.MailboxOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	if err := s.register(addr, mb.Endpoint(), mb); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.mailboxes = append(s.mailboxes, mb)
	s.mu.Unlock()
	return mb, nil
}

// Register adds an externally built component. Its endpoint becomes routable
// at its address and its lifecycle follows the System. Throttlers are
// stopped before other components so their backlog can still reach a
// downstream mailbox.
func (s *System) Register(c Component) error {
	if c == nil {
		return ErrNilEndpoint
	}
	if err := s.register(c.Address(), c.Endpoint(), c); err != nil {
		return err
	}
	if mb, ok := c.(*Mailbox); ok {
		s.mu.Lock()
		s.mailboxes = append(s.mailboxes, mb)
		s.mu.Unlock()
	}
	return nil
}

// RegisterEndpoint makes ep routable at addr without managing its lifecycle,
// for example an endpoint whose owner starts and stops it elsewhere.
func (s *System) RegisterEndpoint(addr Address, ep Endpoint) error {
	if ep == nil {
		return ErrNilEndpoint
	}
	return s.register(addr, ep, nil)
}

// AttachDataBus registers bus; it receives the switchboard on Start.
func (s *System) AttachDataBus(bus DataBusComponent) error {
	if bus == nil {
		return ErrNilEndpoint
	}
	if err := s.register(bus.Address(), bus.Endpoint(), nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.dataBuses = append(s.dataBuses, bus)
	s.mu.Unlock()
	return nil
}

func (s *System) register(addr Address, ep Endpoint, c Component) error {
	if !addr.Valid() {
		return ErrInvalidAddress
	}
	if s.started.Load() {
		return ErrSystemStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.routes[addr]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, addr)
	}
	s.routes[addr] = ep
	switch c := c.(type) {
	case nil:
	case *Throttler:
		s.throttlers = append(s.throttlers, c)
	default:
		s.components = append(s.components, c)
	}
	return nil
}

// Messenger is the adapter components send through.
func (s *System) Messenger() *MessagingAdapter { return s.messenger }

// Switchboard is nil until Start.
func (s *System) Switchboard() *Switchboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switchboard
}

func (s *System) CommandBus() *CommandBus   { return s.commandBus }
func (s *System) EventBus() *EventBus       { return s.eventBus }
func (s *System) DocumentBus() *DocumentBus { return s.documentBus }
func (s *System) Store() Store              { return s.store }
func (s *System) Codec() Codec              { return s.codec }
func (s *System) Clock() xclock.Clock       { return s.clock }
func (s *System) Logger() *xlog.Logger      { return s.logger }

// Start builds the switchboard from every registered address, initializes
// the category and data buses with it, and starts all components. A routing
// table defect aborts Start before anything runs.
func (s *System) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrMailboxClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrSystemStarted
	}

	s.mu.Lock()
	sb, err := NewSwitchboard(s.routes, s.clock)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.switchboard = sb
	components := append([]Component(nil), s.components...)
	for _, th := range s.throttlers {
		components = append(components, th)
	}
	dataBuses := append([]DataBusComponent(nil), s.dataBuses...)
	s.mu.Unlock()

	// Initialization is queued first so it is the first message each bus sees.
	if err := s.messenger.InitializeSwitchboard(ctx, sb); err != nil {
		return fmt.Errorf("xmsg: initialize category buses: %w", err)
	}
	msg := NewInitializeSwitchboard(sb, s.clock)
	for _, b := range dataBuses {
		if err := b.Endpoint().Send(ctx, msg); err != nil {
			return fmt.Errorf("xmsg: initialize data bus %s: %w", b.Address(), err)
		}
	}

	for _, c := range s.buses() {
		if err := c.Start(); err != nil {
			return fmt.Errorf("xmsg: start %s: %w", c.Address(), err)
		}
	}
	for _, b := range dataBuses {
		if err := b.Start(); err != nil {
			return fmt.Errorf("xmsg: start %s: %w", b.Address(), err)
		}
	}
	for _, c := range components {
		if err := c.Start(); err != nil {
			return fmt.Errorf("xmsg: start %s: %w", c.Address(), err)
		}
	}

	s.logger.Info().
		Str("routes", fmt.Sprint(sb.Len())).
		Str("data_buses", fmt.Sprint(len(dataBuses))).
		Msg("xmsg: system started")
	return nil
}

func (s *System) buses() []Component {
	return []Component{s.commandBus, s.eventBus, s.documentBus}
}

// Stop shuts down upstream first so queued traffic still reaches its
// receivers: category buses, then data buses, then throttlers, then
// components, each stage stopped concurrently. The store and observer pool are closed last. If ctx
// ends, stages still running are killed and the first error is returned.
// Idempotent.
func (s *System) Stop(ctx context.Context) error {
	var stopErr error
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		components := append([]Component(nil), s.components...)
		dataBuses := make([]Component, len(s.dataBuses))
		for i, b := range s.dataBuses {
			dataBuses[i] = b
		}
		throttlers := make([]Component, len(s.throttlers))
		for i, th := range s.throttlers {
			throttlers[i] = th
		}
		s.mu.Unlock()

		for _, stage := range [][]Component{s.buses(), dataBuses, throttlers, components} {
			if err := stopAll(ctx, stage); err != nil {
				s.logger.Error().Err(err).Msg("xmsg: graceful stop failed")
				if stopErr == nil {
					stopErr = err
				}
			}
		}

		if err := s.store.Close(ctx); err != nil {
			s.logger.Error().Err(err).Msg("xmsg: store close failed")
			if stopErr == nil {
				stopErr = err
			}
		}
		s.closeObserverPool()
		s.logger.Info().Msg("xmsg: system stopped")
	})
	return stopErr
}

func stopAll(ctx context.Context, cs []Component) error {
	var g errgroup.Group
	for _, c := range cs {
		g.Go(func() error { return c.Stop(ctx) })
	}
	return g.Wait()
}

// Kill stops everything immediately, abandoning queued messages.
func (s *System) Kill() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		components := append([]Component(nil), s.components...)
		throttlers := append([]*Throttler(nil), s.throttlers...)
		dataBuses := append([]DataBusComponent(nil), s.dataBuses...)
		s.mu.Unlock()

		for _, c := range s.buses() {
			c.Kill()
		}
		for _, b := range dataBuses {
			b.Kill()
		}
		for _, th := range throttlers {
			th.Kill()
		}
		for _, c := range components {
			c.Kill()
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.store.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("xmsg: store close failed")
		}
		s.closeObserverPool()
		s.logger.Warn().Msg("xmsg: system killed")
	})
}

func (s *System) closeObserverPool() {
	if s.observerPool == nil {
		return
	}
	if err := s.observerPool.Close(5 * time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("xmsg: observer pool shutdown timeout")
	}
}

// GetMetrics aggregates counters across every mailbox and bus.
func (s *System) GetMetrics() Metrics {
	s.mu.Lock()
	mailboxes := append([]*Mailbox(nil), s.mailboxes...)
	dataBuses := append([]DataBusComponent(nil), s.dataBuses...)
	s.mu.Unlock()
	mailboxes = append(mailboxes, s.commandBus.Mailbox(), s.eventBus.Mailbox(), s.documentBus.Mailbox())

	var m Metrics
	var avgNs int64
	var sampled int64
	for _, mb := range mailboxes {
		st := mb.Stats()
		m.Received += st.Received
		m.Dispatched += st.Dispatched
		m.Failed += st.Failed
		m.Unhandled += st.Unhandled
		m.Dropped += st.Dropped
		if ns := mb.avgProcessingNs(); ns > 0 {
			avgNs += ns
			sampled++
		}
	}
	for _, st := range []CategoryBusStats{s.commandBus.Stats(), s.eventBus.Stats(), s.documentBus.Stats()} {
		m.Routed += st.Routed
		m.RouteErrors += st.RouteErrors + st.Rejected
	}
	for _, b := range dataBuses {
		m.Broadcast += b.Stats().Delivered
	}
	if sampled > 0 {
		m.AvgProcessingTimeMs = float64(avgNs/sampled) / 1e6
	}
	if s.observerPool != nil {
		m.EventsDropped = s.observerPool.Stats().Dropped
	}
	return m
}

// Health reports unhealthy once stopped and degraded when more than 5% of
// handled messages failed or any route failed.
func (s *System) Health(ctx context.Context) HealthStatus {
	if s.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: s.clock.Now(),
			Message:   "system is stopped",
		}
	}

	metrics := s.GetMetrics()
	status := "healthy"
	var msg string

	if !s.started.Load() {
		status = "degraded"
		msg = "system not started"
	}
	if handled := metrics.Dispatched + metrics.Failed; handled > 0 {
		if float64(metrics.Failed)/float64(handled) > 0.05 {
			status = "degraded"
			msg = "handler failure rate above 5%"
		}
	}
	if metrics.RouteErrors > 0 {
		status = "degraded"
		msg = "routing failures observed"
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: s.clock.Now(),
		Message:   msg,
	}
}

// AddObserver registers an observer for every component's telemetry.
func (s *System) AddObserver(obs Observer) { s.notifier.add(obs) }

func (s *System) RemoveObserver(obs Observer) { s.notifier.remove(obs) }
