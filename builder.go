package xmsg

import (
	"context"
	"maps"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

const (
	defaultObserverWorkers = 4
	defaultObserverBuffer  = 1024
)

// SystemBuilder constructs System instances (Builder pattern).
type SystemBuilder struct {
	storeName string
	storeCfg  map[string]any
	storeInst Store

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	capacity    int

	poolWorkers int
	poolBuffer  int
}

// NewSystemBuilder returns a builder with production defaults: JSON codec,
// no-op store and an asynchronous observer pool.
func NewSystemBuilder() *SystemBuilder {
	return &SystemBuilder{
		codecName:   "json",
		capacity:    defaultMailboxCapacity,
		poolWorkers: defaultObserverWorkers,
		poolBuffer:  defaultObserverBuffer,
	}
}

// WithStore selects a registered store adapter by name. The configured codec
// name is passed to the factory under "codec" unless cfg sets it.
func (sb *SystemBuilder) WithStore(name string, cfg map[string]any) *SystemBuilder {
	sb.storeName = name
	sb.storeCfg = cfg
	return sb
}

// WithStoreInstance accepts a ready Store (e.g., from an adapter's Use()).
func (sb *SystemBuilder) WithStoreInstance(s Store) *SystemBuilder {
	sb.storeInst = s
	return sb
}

func (sb *SystemBuilder) WithCodec(name string) *SystemBuilder {
	sb.codecName = name
	return sb
}

func (sb *SystemBuilder) WithCodecInstance(c Codec) *SystemBuilder {
	sb.codecInst = c
	return sb
}

// WithMiddleware wraps the handlers of every mailbox created through the System.
func (sb *SystemBuilder) WithMiddleware(mw ...Middleware) *SystemBuilder {
	if len(mw) == 0 {
		return sb
	}
	sb.middlewares = append(sb.middlewares, mw...)
	return sb
}

func (sb *SystemBuilder) WithObserver(obs ...Observer) *SystemBuilder {
	for _, o := range obs {
		if o != nil {
			sb.observers = append(sb.observers, o)
		}
	}
	return sb
}

// WithObserverPool sizes the asynchronous observer pool. workers <= 0
// disables the pool and observers are called inline.
func (sb *SystemBuilder) WithObserverPool(workers, bufferSize int) *SystemBuilder {
	sb.poolWorkers = workers
	sb.poolBuffer = bufferSize
	return sb
}

func (sb *SystemBuilder) WithLogger(l *xlog.Logger) *SystemBuilder {
	sb.logger = l
	return sb
}

func (sb *SystemBuilder) WithClock(c xclock.Clock) *SystemBuilder {
	sb.clock = c
	return sb
}

func (sb *SystemBuilder) WithMailboxCapacity(n int) *SystemBuilder {
	if n > 0 {
		sb.capacity = n
	}
	return sb
}

func (sb *SystemBuilder) Build() (*System, error) {
	var err error

	var cd Codec
	if sb.codecInst != nil {
		cd = sb.codecInst
	} else {
		cd, err = NewCodec(sb.codecName)
		if err != nil {
			return nil, err
		}
	}

	var st Store
	switch {
	case sb.storeInst != nil:
		st = sb.storeInst
	case sb.storeName != "":
		cfg := make(map[string]any, len(sb.storeCfg)+1)
		maps.Copy(cfg, sb.storeCfg)
		if _, ok := cfg["codec"]; !ok {
			cfg["codec"] = cd.Name()
		}
		st, err = NewStore(sb.storeName, cfg)
		if err != nil {
			return nil, err
		}
	default:
		st = NopStore{}
	}

	clk := sb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := sb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	var pool *ObserverPool
	if sb.poolWorkers > 0 {
		pool = NewObserverPool(context.Background(), sb.poolWorkers, sb.poolBuffer)
	}

	s := &System{
		clock:        clk,
		logger:       lg,
		middlewares:  sb.middlewares,
		capacity:     sb.capacity,
		store:        st,
		codec:        cd,
		observerPool: pool,
		notifier:     newNotifier(pool),
		routes:       make(map[Address]Endpoint),
	}

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range sb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		s.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range sb.observers {
		s.AddObserver(o)
	}

	busOpts := []MailboxOption{
		WithMailboxLogger(lg),
		WithMailboxClock(clk),
		WithMailboxCapacity(sb.capacity),
		withNotifier(s.notifier),
	}
	if s.commandBus, err = NewCommandBus(st, busOpts...); err != nil {
		return nil, err
	}
	if s.eventBus, err = NewEventBus(st, busOpts...); err != nil {
		return nil, err
	}
	if s.documentBus, err = NewDocumentBus(st, busOpts...); err != nil {
		return nil, err
	}
	s.messenger, err = NewMessagingAdapter(
		s.commandBus.Endpoint(),
		s.eventBus.Endpoint(),
		s.documentBus.Endpoint(),
		clk,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// New constructs a System via the builder.
func New(configure func(sb *SystemBuilder)) (*System, error) {
	sb := NewSystemBuilder()
	if configure != nil {
		configure(sb)
	}
	return sb.Build()
}
