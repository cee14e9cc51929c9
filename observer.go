package xmsg

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/trickstertwo/xlog"
)

// Observer receives delivery telemetry. Implementations should be non-blocking.
type Observer interface {
	OnTrace(e Trace)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Trace)

func (f ObserverFunc) OnTrace(e Trace) { f(e) }

// LoggingObserver is an Adapter that emits Traces via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnTrace(e Trace) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("component", string(e.Component)),
		xlog.Str("message_type", e.MessageType),
		xlog.Str("message_id", e.MessageID),
	)
	if e.Category != CategoryUnknown {
		ev = ev.With(xlog.Str("category", e.Category.String()))
	}
	if e.Count > 0 {
		ev = ev.With(xlog.Str("count", strconv.FormatUint(e.Count, 10)))
	}
	switch e.Type {
	case RouteFailed, Error:
		ev.Error().Err(e.Err).Msg("xmsg event")
	case HandlerFailed, Unhandled, Dropped:
		ev.Warn().Err(e.Err).Msg("xmsg event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xmsg event")
	}
}

// notifier fans Traces out to observers, through a pool when one is set.
type notifier struct {
	mu        sync.RWMutex
	observers []Observer
	pool      *ObserverPool
}

func newNotifier(pool *ObserverPool) *notifier {
	return &notifier{pool: pool}
}

func (n *notifier) add(obs Observer) {
	if obs == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, obs)
	n.mu.Unlock()
}

func (n *notifier) remove(obs Observer) {
	if obs == nil {
		return
	}
	// Func observers are not comparable and can never be removed.
	if !reflect.TypeOf(obs).Comparable() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, o := range n.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			break
		}
	}
}

func (n *notifier) notify(e Trace) {
	if n == nil {
		return
	}
	n.mu.RLock()
	if len(n.observers) == 0 {
		n.mu.RUnlock()
		return
	}
	obs := make([]Observer, len(n.observers))
	copy(obs, n.observers)
	n.mu.RUnlock()

	if n.pool != nil {
		n.pool.Notify(e, obs)
		return
	}
	for _, o := range obs {
		func() {
			defer func() { _ = recover() }()
			o.OnTrace(e)
		}()
	}
}
