package xmsg

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
)

// CategoryBus is a mailbox-backed component that accepts envelopes of one
// message category, hands each to the store hook and fans it out through the
// switchboard. Envelopes of any other category are unhandled by its mailbox.
type CategoryBus[T Message] struct {
	category Category
	mailbox  *Mailbox
	store    Store
	logger   *xlog.Logger
	notifier *notifier

	// Written and read only by the mailbox loop.
	switchboard *Switchboard

	metrics categoryBusMetrics
}

type categoryBusMetrics struct {
	processed   atomic.Uint64
	routed      atomic.Uint64
	routeErrors atomic.Uint64
	rejected    atomic.Uint64
}

type (
	CommandBus  = CategoryBus[Command]
	EventBus    = CategoryBus[Event]
	DocumentBus = CategoryBus[Document]
)

var _ Component = (*CommandBus)(nil)

// NewCommandBus creates the command bus at CommandBusAddress.
func NewCommandBus(store Store, opts ...MailboxOption) (*CommandBus, error) {
	return newCategoryBus[Command](CategoryCommand, CommandBusAddress, store, opts...)
}

// NewEventBus creates the event bus at EventBusAddress.
func NewEventBus(store Store, opts ...MailboxOption) (*EventBus, error) {
	return newCategoryBus[Event](CategoryEvent, EventBusAddress, store, opts...)
}

// NewDocumentBus creates the document bus at DocumentBusAddress.
func NewDocumentBus(store Store, opts ...MailboxOption) (*DocumentBus, error) {
	return newCategoryBus[Document](CategoryDocument, DocumentBusAddress, store, opts...)
}

func newCategoryBus[T Message](cat Category, addr Address, store Store, opts ...MailboxOption) (*CategoryBus[T], error) {
	mb, err := NewMailbox(addr, opts...)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = NopStore{}
	}
	b := &CategoryBus[T]{
		category: cat,
		mailbox:  mb,
		store:    store,
		logger:   mb.logger.With(xlog.Str("category", cat.String())),
		notifier: mb.notifier,
	}
	if err := RegisterHandler(mb, b.onInitialize); err != nil {
		return nil, err
	}
	if err := RegisterHandler(mb, b.onEnvelope); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *CategoryBus[T]) onInitialize(_ context.Context, msg InitializeSwitchboard) error {
	if msg.Switchboard == nil {
		b.logger.Error().Err(ErrNotInitialized).Msg("xmsg: initialization carried no switchboard")
		return nil
	}
	if b.switchboard != nil {
		b.logger.Warn().Msg("xmsg: switchboard already initialized; ignoring")
		return nil
	}
	b.switchboard = msg.Switchboard
	b.logger.Debug().Str("routes", strconv.Itoa(msg.Switchboard.Len())).Msg("xmsg: switchboard initialized")
	return nil
}

func (b *CategoryBus[T]) onEnvelope(ctx context.Context, env *Envelope[T]) error {
	msgType := typeName(env.Payload())

	if b.switchboard == nil {
		b.metrics.rejected.Add(1)
		b.logger.Error().
			Err(ErrNotInitialized).
			Str("message_type", msgType).
			Str("envelope_id", env.ID().String()).
			Msg("xmsg: envelope received before switchboard initialization; dropped")
		b.notifier.notify(Trace{
			Type:        RouteFailed,
			Component:   b.mailbox.address,
			Category:    b.category,
			MessageType: msgType,
			MessageID:   env.ID().String(),
			Err:         ErrNotInitialized,
		})
		return nil
	}

	count := b.metrics.processed.Add(1)
	b.store.Store(ctx, env)

	start := b.mailbox.clock.Now()
	err := b.switchboard.Route(ctx, env)
	duration := b.mailbox.clock.Since(start)

	if err != nil {
		b.metrics.routeErrors.Add(1)
		b.logger.Error().
			Err(err).
			Str("message_type", msgType).
			Str("envelope_id", env.ID().String()).
			Str("processed", strconv.FormatUint(count, 10)).
			Msg("xmsg: route failed")
		b.notifier.notify(Trace{
			Type:        RouteFailed,
			Component:   b.mailbox.address,
			Category:    b.category,
			MessageType: msgType,
			MessageID:   env.ID().String(),
			Count:       count,
			Duration:    duration,
			Err:         err,
		})
		return nil
	}

	b.metrics.routed.Add(1)
	b.notifier.notify(Trace{
		Type:        Routed,
		Component:   b.mailbox.address,
		Category:    b.category,
		MessageType: msgType,
		MessageID:   env.ID().String(),
		Count:       count,
		Duration:    duration,
	})
	return nil
}

func (b *CategoryBus[T]) Category() Category             { return b.category }
func (b *CategoryBus[T]) Address() Address               { return b.mailbox.Address() }
func (b *CategoryBus[T]) Endpoint() Endpoint             { return b.mailbox.Endpoint() }
func (b *CategoryBus[T]) Mailbox() *Mailbox              { return b.mailbox }
func (b *CategoryBus[T]) Start() error                   { return b.mailbox.Start() }
func (b *CategoryBus[T]) Stop(ctx context.Context) error { return b.mailbox.Stop(ctx) }
func (b *CategoryBus[T]) Kill()                          { b.mailbox.Kill() }

// Processed is the monotonic count of envelopes handed to the switchboard.
func (b *CategoryBus[T]) Processed() uint64 { return b.metrics.processed.Load() }

// Stats returns a snapshot of the bus counters.
func (b *CategoryBus[T]) Stats() CategoryBusStats {
	return CategoryBusStats{
		Processed:   b.metrics.processed.Load(),
		Routed:      b.metrics.routed.Load(),
		RouteErrors: b.metrics.routeErrors.Load(),
		Rejected:    b.metrics.rejected.Load(),
	}
}
