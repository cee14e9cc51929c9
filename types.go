package xmsg

import "time"

// MailboxState is the lifecycle of a mailbox-backed component.
type MailboxState int32

const (
	StateCreated MailboxState = iota
	StateRunning
	StateStopped
)

func (s MailboxState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MailboxStats is a snapshot of a mailbox's counters.
type MailboxStats struct {
	Received   uint64 // Accepted into the queue
	Dispatched uint64 // Handler returned nil
	Failed     uint64 // Handler returned an error or panicked
	Unhandled  uint64 // No handler for the runtime type
	Dropped    uint64 // Abandoned by Kill
	QueueLen   int
	Capacity   int
}

// CategoryBusStats is a snapshot of a category bus's counters.
type CategoryBusStats struct {
	Processed   uint64
	Routed      uint64
	RouteErrors uint64
	Rejected    uint64 // Envelopes received before initialization
}

// DataBusStats is a snapshot of a data bus's counters.
type DataBusStats struct {
	Posted           uint64
	Delivered        uint64
	Discarded        uint64 // Posted with no subscribers
	DeliveryFailures uint64
	Subscribers      int
}

// ThrottlerStats is a snapshot of a throttler's counters.
type ThrottlerStats struct {
	Submitted uint64
	Forwarded uint64
	Queued    uint64 // Held back by the window at least once
	Discarded uint64
	Errors    uint64
	Pending   int
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics aggregates telemetry across a System.
type Metrics struct {
	Received            uint64
	Dispatched          uint64
	Failed              uint64
	Unhandled           uint64
	Dropped             uint64
	Routed              uint64
	RouteErrors         uint64
	Broadcast           uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates system health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
