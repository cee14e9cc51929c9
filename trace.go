package xmsg

import "time"

// TraceType enumerates delivery telemetry for the Observer pattern.
type TraceType string

const (
	Dispatched    TraceType = "dispatched"
	HandlerFailed TraceType = "handler_failed"
	Unhandled     TraceType = "unhandled"
	Routed        TraceType = "routed"
	RouteFailed   TraceType = "route_failed"
	Broadcast     TraceType = "broadcast"
	Throttled     TraceType = "throttled"
	Dropped       TraceType = "dropped"
	Error         TraceType = "error"
)

// Trace carries telemetry for observers.
type Trace struct {
	Type        TraceType
	Component   Address
	MessageType string
	MessageID   string
	Category    Category
	Count       uint64
	Duration    time.Duration
	Err         error

	// Internal: attached for async dispatch
	observers []Observer
}
