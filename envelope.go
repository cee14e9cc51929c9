package xmsg

import (
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// AnyEnvelope is the category-agnostic view of an Envelope used by the
// switchboard and store hooks.
type AnyEnvelope interface {
	ID() uuid.UUID
	Category() Category
	Payload() Message
	Sender() Address
	Receivers() []Address
	CreatedAt() time.Time
	OpenedAt() (time.Time, bool)

	markOpened(at time.Time) bool
}

// Envelope is a Message in transit. Everything except the opened stamp is
// fixed at construction; the opened stamp is set once, on first hand-off.
type Envelope[T Message] struct {
	id        uuid.UUID
	message   T
	sender    Address
	receivers []Address
	createdAt time.Time
	openedAt  atomic.Int64 // unix nanos; 0 = not yet opened
}

var _ AnyEnvelope = (*Envelope[Command])(nil)

// NewEnvelope wraps msg for delivery to receivers.
func NewEnvelope[T Message](msg T, sender Address, receivers []Address, clock xclock.Clock) (*Envelope[T], error) {
	if any(msg) == nil {
		return nil, ErrNilMessage
	}
	if len(receivers) == 0 {
		return nil, ErrNoReceivers
	}
	for _, r := range receivers {
		if !r.Valid() {
			return nil, ErrInvalidAddress
		}
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &Envelope[T]{
		id:        uuid.New(),
		message:   msg,
		sender:    sender,
		receivers: slices.Clone(receivers),
		createdAt: clock.Now(),
	}, nil
}

func (e *Envelope[T]) ID() uuid.UUID        { return e.id }
func (e *Envelope[T]) Message() T           { return e.message }
func (e *Envelope[T]) Payload() Message     { return e.message }
func (e *Envelope[T]) Category() Category   { return categoryOf(e.message) }
func (e *Envelope[T]) Sender() Address      { return e.sender }
func (e *Envelope[T]) CreatedAt() time.Time { return e.createdAt }

// Receivers returns a copy of the receiver list.
func (e *Envelope[T]) Receivers() []Address { return slices.Clone(e.receivers) }

// OpenedAt reports when the envelope was first handed to a receiver.
func (e *Envelope[T]) OpenedAt() (time.Time, bool) {
	ns := e.openedAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func (e *Envelope[T]) markOpened(at time.Time) bool {
	ns := at.UnixNano()
	if ns == 0 {
		ns = 1
	}
	return e.openedAt.CompareAndSwap(0, ns)
}
