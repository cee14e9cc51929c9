package xmsg

import (
	"context"
	"errors"
	"fmt"

	"github.com/trickstertwo/xclock"
)

// MessagingAdapter is the single entry point components use to send a
// message. It classifies the message, wraps it in an envelope and forwards it
// to the bus for its category.
type MessagingAdapter struct {
	commandBus  Endpoint
	eventBus    Endpoint
	documentBus Endpoint
	clock       xclock.Clock
}

// NewMessagingAdapter binds the adapter to the three category bus endpoints.
func NewMessagingAdapter(commandBus, eventBus, documentBus Endpoint, clock xclock.Clock) (*MessagingAdapter, error) {
	if commandBus == nil || eventBus == nil || documentBus == nil {
		return nil, ErrNilEndpoint
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &MessagingAdapter{
		commandBus:  commandBus,
		eventBus:    eventBus,
		documentBus: documentBus,
		clock:       clock,
	}, nil
}

// Send delivers msg from sender to a single receiver.
func (a *MessagingAdapter) Send(ctx context.Context, receiver Address, msg Message, sender Address) error {
	return a.SendMany(ctx, []Address{receiver}, msg, sender)
}

// SendMany delivers msg from sender to every receiver. A message outside the
// Command/Event/Document categories fails with ErrInvalidMessageCategory.
func (a *MessagingAdapter) SendMany(ctx context.Context, receivers []Address, msg Message, sender Address) error {
	if msg == nil {
		return ErrNilMessage
	}
	switch m := msg.(type) {
	case Command:
		return forward(ctx, a.commandBus, m, sender, receivers, a.clock)
	case Event:
		return forward(ctx, a.eventBus, m, sender, receivers, a.clock)
	case Document:
		return forward(ctx, a.documentBus, m, sender, receivers, a.clock)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrInvalidMessageCategory, typeName(msg), msg.Category())
	}
}

func forward[T Message](ctx context.Context, bus Endpoint, msg T, sender Address, receivers []Address, clock xclock.Clock) error {
	env, err := NewEnvelope(msg, sender, receivers, clock)
	if err != nil {
		return err
	}
	return bus.Send(ctx, env)
}

// InitializeSwitchboard hands sb to all three category buses in one call.
// Every bus is attempted; failures are joined.
func (a *MessagingAdapter) InitializeSwitchboard(ctx context.Context, sb *Switchboard) error {
	if sb == nil {
		return ErrNotInitialized
	}
	msg := NewInitializeSwitchboard(sb, a.clock)
	return errors.Join(
		a.commandBus.Send(ctx, msg),
		a.eventBus.Send(ctx, msg),
		a.documentBus.Send(ctx, msg),
	)
}
