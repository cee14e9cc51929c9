package xmsg

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Category is the closed classification of every Message.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryCommand
	CategoryEvent
	CategoryDocument
)

func (c Category) String() string {
	switch c {
	case CategoryCommand:
		return "command"
	case CategoryEvent:
		return "event"
	case CategoryDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Header carries the identity of a message. It is set once at construction.
type Header struct {
	ID        uuid.UUID // Unique message identifier
	Timestamp time.Time // Creation time (from injected clock)
}

// NewHeader returns a header with a fresh id stamped by clock.
// A nil clock falls back to xclock.Default().
func NewHeader(clock xclock.Clock) Header {
	if clock == nil {
		clock = xclock.Default()
	}
	return Header{ID: uuid.New(), Timestamp: clock.Now()}
}

func (h Header) MessageID() uuid.UUID { return h.ID }
func (h Header) CreatedAt() time.Time { return h.Timestamp }

// Message is the immutable unit of communication.
type Message interface {
	MessageID() uuid.UUID
	CreatedAt() time.Time
	Category() Category
}

// Command requests an action from its receivers.
type Command interface {
	Message
	command()
}

// Event reports something that happened.
type Event interface {
	Message
	event()
}

// Document carries data (reports, snapshots, responses).
type Document interface {
	Message
	document()
}

// CommandBase is embedded by concrete command types.
type CommandBase struct{ Header }

func NewCommandBase(clock xclock.Clock) CommandBase { return CommandBase{Header: NewHeader(clock)} }

func (CommandBase) Category() Category { return CategoryCommand }
func (CommandBase) command()           {}

// EventBase is embedded by concrete event types.
type EventBase struct{ Header }

func NewEventBase(clock xclock.Clock) EventBase { return EventBase{Header: NewHeader(clock)} }

func (EventBase) Category() Category { return CategoryEvent }
func (EventBase) event()             {}

// DocumentBase is embedded by concrete document types.
type DocumentBase struct{ Header }

func NewDocumentBase(clock xclock.Clock) DocumentBase { return DocumentBase{Header: NewHeader(clock)} }

func (DocumentBase) Category() Category { return CategoryDocument }
func (DocumentBase) document()          {}

// InitializeSwitchboard hands the routing table to a bus. It must be the
// first message a category bus or data bus processes.
type InitializeSwitchboard struct {
	CommandBase
	Switchboard *Switchboard
}

// NewInitializeSwitchboard wraps sb in an initialization command.
func NewInitializeSwitchboard(sb *Switchboard, clock xclock.Clock) InitializeSwitchboard {
	return InitializeSwitchboard{CommandBase: NewCommandBase(clock), Switchboard: sb}
}

// Subscribe asks a data bus to add Subscriber to its fan-out list.
type Subscribe struct {
	CommandBase
	DataType   reflect.Type
	Subscriber Address
}

// Unsubscribe asks a data bus to remove Subscriber from its fan-out list.
type Unsubscribe struct {
	CommandBase
	DataType   reflect.Type
	Subscriber Address
}

// NewSubscribe builds a Subscribe for payload type T.
func NewSubscribe[T any](subscriber Address, clock xclock.Clock) Subscribe {
	return Subscribe{
		CommandBase: NewCommandBase(clock),
		DataType:    reflect.TypeFor[T](),
		Subscriber:  subscriber,
	}
}

// NewUnsubscribe builds an Unsubscribe for payload type T.
func NewUnsubscribe[T any](subscriber Address, clock xclock.Clock) Unsubscribe {
	return Unsubscribe{
		CommandBase: NewCommandBase(clock),
		DataType:    reflect.TypeFor[T](),
		Subscriber:  subscriber,
	}
}

// categoryOf classifies msg. The set is closed: anything that is not exactly
// one of Command, Event or Document yields CategoryUnknown.
func categoryOf(msg Message) Category {
	switch msg.(type) {
	case Command:
		return CategoryCommand
	case Event:
		return CategoryEvent
	case Document:
		return CategoryDocument
	default:
		return CategoryUnknown
	}
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
