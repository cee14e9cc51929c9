package xmsg

import (
	"context"
	"reflect"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/trickstertwo/xlog"
)

// DataBus broadcasts one payload type to a runtime-mutable set of
// subscribers. Subscriptions change only through Subscribe/Unsubscribe
// messages processed by the bus's own mailbox loop, and subscriber addresses
// are resolved through the switchboard the bus is initialized with.
//
// The loop hands item K to every subscriber's endpoint before it takes item
// K+1, so no subscriber can observe K+1 while another has yet to receive K.
type DataBus[T any] struct {
	mailbox  *Mailbox
	dataType reflect.Type
	logger   *xlog.Logger
	notifier *notifier

	// Owned by the mailbox loop.
	switchboard *Switchboard
	subscribers []subscriber

	snapshot atomic.Pointer[[]Address]
	metrics  dataBusMetrics
}

// DataBusConfig sizes the broadcast pipeline.
type DataBusConfig struct {
	// Capacity bounds how many posted items may wait for fan-out.
	Capacity int
}

func DefaultDataBusConfig() DataBusConfig {
	return DataBusConfig{Capacity: defaultMailboxCapacity}
}

type subscriber struct {
	address  Address
	endpoint Endpoint
}

type dataBusMetrics struct {
	posted           atomic.Uint64
	delivered        atomic.Uint64
	discarded        atomic.Uint64
	deliveryFailures atomic.Uint64
}

// NewDataBus creates a data bus for payload type T at addr. A non-zero
// cfg.Capacity overrides any capacity set through opts.
func NewDataBus[T any](addr Address, cfg DataBusConfig, opts ...MailboxOption) (*DataBus[T], error) {
	if cfg.Capacity != 0 {
		opts = append(slices.Clone(opts), WithMailboxCapacity(cfg.Capacity))
	}
	mb, err := NewMailbox(addr, opts...)
	if err != nil {
		return nil, err
	}
	dt := reflect.TypeFor[T]()
	b := &DataBus[T]{
		mailbox:  mb,
		dataType: dt,
		logger:   mb.logger.With(xlog.Str("data_type", dt.String())),
		notifier: mb.notifier,
	}
	empty := []Address{}
	b.snapshot.Store(&empty)

	if err := RegisterHandler(mb, b.onInitialize); err != nil {
		return nil, err
	}
	if err := RegisterHandler(mb, b.onSubscribe); err != nil {
		return nil, err
	}
	if err := RegisterHandler(mb, b.onUnsubscribe); err != nil {
		return nil, err
	}
	if err := RegisterHandler(mb, b.onEnvelope); err != nil {
		return nil, err
	}
	if err := RegisterHandler(mb, b.broadcast); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *DataBus[T]) onInitialize(_ context.Context, msg InitializeSwitchboard) error {
	if msg.Switchboard == nil {
		b.logger.Error().Err(ErrNotInitialized).Msg("xmsg: initialization carried no switchboard")
		return nil
	}
	if b.switchboard != nil {
		b.logger.Warn().Msg("xmsg: switchboard already initialized; ignoring")
		return nil
	}
	b.switchboard = msg.Switchboard
	return nil
}

// onEnvelope accepts subscription commands sent through the messaging adapter.
func (b *DataBus[T]) onEnvelope(ctx context.Context, env *Envelope[Command]) error {
	switch m := env.Message().(type) {
	case Subscribe:
		return b.onSubscribe(ctx, m)
	case Unsubscribe:
		return b.onUnsubscribe(ctx, m)
	default:
		b.logger.Warn().Str("message_type", typeName(m)).Msg("xmsg: data bus ignores command")
		return nil
	}
}

func (b *DataBus[T]) onSubscribe(_ context.Context, msg Subscribe) error {
	if !b.accepts(msg.DataType, msg.Subscriber, "subscribe") {
		return nil
	}
	if slices.ContainsFunc(b.subscribers, func(s subscriber) bool { return s.address == msg.Subscriber }) {
		b.logger.Warn().Str("subscriber", string(msg.Subscriber)).Msg("xmsg: already subscribed")
		return nil
	}
	ep, ok := b.switchboard.Endpoint(msg.Subscriber)
	if !ok {
		b.logger.Error().
			Err(UnknownReceiverError{Address: msg.Subscriber}).
			Msg("xmsg: subscribe for address absent from switchboard")
		return nil
	}
	b.subscribers = append(b.subscribers, subscriber{address: msg.Subscriber, endpoint: ep})
	b.publishSnapshot()
	b.logger.Debug().
		Str("subscriber", string(msg.Subscriber)).
		Str("subscribers", strconv.Itoa(len(b.subscribers))).
		Msg("xmsg: subscribed")
	return nil
}

func (b *DataBus[T]) onUnsubscribe(_ context.Context, msg Unsubscribe) error {
	if !b.accepts(msg.DataType, msg.Subscriber, "unsubscribe") {
		return nil
	}
	i := slices.IndexFunc(b.subscribers, func(s subscriber) bool { return s.address == msg.Subscriber })
	if i < 0 {
		b.logger.Warn().Str("subscriber", string(msg.Subscriber)).Msg("xmsg: not subscribed")
		return nil
	}
	b.subscribers = slices.Delete(b.subscribers, i, i+1)
	b.publishSnapshot()
	b.logger.Debug().
		Str("subscriber", string(msg.Subscriber)).
		Str("subscribers", strconv.Itoa(len(b.subscribers))).
		Msg("xmsg: unsubscribed")
	return nil
}

// accepts reports whether a subscription change may proceed; protocol
// violations are logged and leave state untouched.
func (b *DataBus[T]) accepts(dataType reflect.Type, sub Address, op string) bool {
	if b.switchboard == nil {
		b.logger.Error().Err(ErrNotInitialized).Str("subscriber", string(sub)).Msg("xmsg: " + op + " before switchboard initialization")
		return false
	}
	if dataType != b.dataType {
		got := "<nil>"
		if dataType != nil {
			got = dataType.String()
		}
		b.logger.Error().
			Str("subscriber", string(sub)).
			Str("requested_type", got).
			Msg("xmsg: " + op + " for wrong payload type")
		return false
	}
	return true
}

func (b *DataBus[T]) broadcast(ctx context.Context, item T) error {
	b.metrics.posted.Add(1)
	if len(b.subscribers) == 0 {
		b.metrics.discarded.Add(1)
		return nil
	}

	var delivered uint64
	for _, s := range b.subscribers {
		if err := s.endpoint.Send(ctx, item); err != nil {
			b.metrics.deliveryFailures.Add(1)
			b.logger.Warn().Err(err).Str("subscriber", string(s.address)).Msg("xmsg: data delivery failed")
			b.notifier.notify(Trace{
				Type:        Error,
				Component:   b.mailbox.address,
				MessageType: b.dataType.String(),
				Err:         err,
			})
			continue
		}
		delivered++
	}
	b.metrics.delivered.Add(delivered)
	b.notifier.notify(Trace{
		Type:        Broadcast,
		Component:   b.mailbox.address,
		MessageType: b.dataType.String(),
		Count:       delivered,
	})
	return nil
}

func (b *DataBus[T]) publishSnapshot() {
	addrs := make([]Address, len(b.subscribers))
	for i, s := range b.subscribers {
		addrs[i] = s.address
	}
	b.snapshot.Store(&addrs)
}

// PostData queues payload for broadcast, waiting for room while ctx allows.
func (b *DataBus[T]) PostData(ctx context.Context, payload T) error {
	return b.mailbox.Endpoint().Send(ctx, payload)
}

// TryPostData queues payload or fails with ErrMailboxFull.
func (b *DataBus[T]) TryPostData(payload T) error {
	return b.mailbox.Endpoint().TrySend(payload)
}

// Subscribe posts a Subscribe message for subscriber to the bus.
func (b *DataBus[T]) Subscribe(ctx context.Context, subscriber Address) error {
	return b.mailbox.Endpoint().Send(ctx, NewSubscribe[T](subscriber, b.mailbox.clock))
}

// Unsubscribe posts an Unsubscribe message for subscriber to the bus.
func (b *DataBus[T]) Unsubscribe(ctx context.Context, subscriber Address) error {
	return b.mailbox.Endpoint().Send(ctx, NewUnsubscribe[T](subscriber, b.mailbox.clock))
}

// Subscribers returns the current fan-out list in delivery order.
func (b *DataBus[T]) Subscribers() []Address {
	return slices.Clone(*b.snapshot.Load())
}

func (b *DataBus[T]) DataType() reflect.Type { return b.dataType }
func (b *DataBus[T]) Address() Address       { return b.mailbox.Address() }
func (b *DataBus[T]) Endpoint() Endpoint     { return b.mailbox.Endpoint() }
func (b *DataBus[T]) Mailbox() *Mailbox      { return b.mailbox }
func (b *DataBus[T]) State() MailboxState    { return b.mailbox.State() }
func (b *DataBus[T]) Start() error           { return b.mailbox.Start() }

// Stop drains queued items to the current subscribers, then stops.
func (b *DataBus[T]) Stop(ctx context.Context) error { return b.mailbox.Stop(ctx) }

// Kill stops immediately and abandons queued items.
func (b *DataBus[T]) Kill() { b.mailbox.Kill() }

// Stats returns a snapshot of the bus counters.
func (b *DataBus[T]) Stats() DataBusStats {
	return DataBusStats{
		Posted:           b.metrics.posted.Load(),
		Delivered:        b.metrics.delivered.Load(),
		Discarded:        b.metrics.discarded.Load(),
		DeliveryFailures: b.metrics.deliveryFailures.Load(),
		Subscribers:      len(*b.snapshot.Load()),
	}
}
