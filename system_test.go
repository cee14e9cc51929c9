package xmsg

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSystem(t *testing.T, store Store) *System {
	t.Helper()
	sb := NewSystemBuilder().WithObserverPool(0, 0)
	if store != nil {
		sb.WithStoreInstance(store)
	}
	sys, err := sb.Build()
	require.NoError(t, err)
	return sys
}

func TestSystem_EndToEnd(t *testing.T) {
	store := &storeRecorder{}
	sys := newTestSystem(t, store)
	msgr := sys.Messenger()

	var approved, filled, reports atomic.Int32

	risk, err := sys.NewMailbox(Risk)
	require.NoError(t, err)
	MustRegisterHandler(risk, func(ctx context.Context, env *Envelope[Command]) error {
		approved.Add(1)
		return msgr.SendMany(ctx, []Address{Execution, Portfolio}, newOrderFilled(env.Message().(placeOrder).Qty), Risk)
	})

	exec, err := sys.NewMailbox(Execution)
	require.NoError(t, err)
	MustRegisterHandler(exec, func(context.Context, *Envelope[Event]) error {
		filled.Add(1)
		return nil
	})

	pf, err := sys.NewMailbox(Portfolio)
	require.NoError(t, err)
	MustRegisterHandler(pf, func(ctx context.Context, env *Envelope[Event]) error {
		return msgr.Send(ctx, Trader, positionReport{
			DocumentBase: NewDocumentBase(nil),
			Position:     env.Message().(orderFilled).Qty,
		}, Portfolio)
	})

	trader, err := sys.NewMailbox(Trader)
	require.NoError(t, err)
	MustRegisterHandler(trader, func(context.Context, *Envelope[Document]) error {
		reports.Add(1)
		return nil
	})

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, sys.Start(ctx))
	require.NotNil(t, sys.Switchboard())
	assert.Equal(t, 4, sys.Switchboard().Len())

	for i := 1; i <= 5; i++ {
		require.NoError(t, msgr.Send(ctx, Risk, newPlaceOrder("BTC-USD", i), Trader))
	}

	require.Eventually(t, func() bool {
		return reports.Load() == 5 && sys.GetMetrics().Routed == 15
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(5), approved.Load())
	assert.Equal(t, int32(5), filled.Load())

	h := sys.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, uint64(15), h.Metrics.Routed)

	require.NoError(t, sys.Stop(ctx))
	assert.Len(t, store.stored(), 15)
	assert.True(t, store.closed)
	assert.Equal(t, "unhealthy", sys.Health(ctx).Status)
	// Idempotent.
	require.NoError(t, sys.Stop(ctx))
}

func TestSystem_RegistrationRules(t *testing.T) {
	sys := newTestSystem(t, nil)

	_, err := sys.NewMailbox(Risk)
	require.NoError(t, err)
	_, err = sys.NewMailbox(Risk)
	assert.ErrorIs(t, err, ErrDuplicateAddress)
	assert.ErrorIs(t, sys.RegisterEndpoint(Risk, &recorder{}), ErrDuplicateAddress)
	assert.ErrorIs(t, sys.RegisterEndpoint("", &recorder{}), ErrInvalidAddress)
	assert.ErrorIs(t, sys.RegisterEndpoint(Gateway, nil), ErrNilEndpoint)
	assert.ErrorIs(t, sys.Register(nil), ErrNilEndpoint)

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, sys.Start(ctx))
	assert.ErrorIs(t, sys.Start(ctx), ErrSystemStarted)

	_, err = sys.NewMailbox(Trader)
	assert.ErrorIs(t, err, ErrSystemStarted)

	require.NoError(t, sys.Stop(ctx))
	assert.ErrorIs(t, sys.Start(ctx), ErrMailboxClosed)
}

func TestSystem_HealthBeforeStartAndAfterRouteFailure(t *testing.T) {
	sys := newTestSystem(t, nil)
	ctx, cancel := stopCtx()
	defer cancel()

	assert.Equal(t, "degraded", sys.Health(ctx).Status)

	require.NoError(t, sys.Start(ctx))
	require.NoError(t, sys.Messenger().Send(ctx, "Nowhere", newOrderFilled(1), Trader))
	require.Eventually(t, func() bool {
		return sys.EventBus().Stats().RouteErrors == 1
	}, time.Second, time.Millisecond)

	h := sys.Health(ctx)
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, uint64(1), h.Metrics.RouteErrors)
	require.NoError(t, sys.Stop(ctx))
}

func TestSystem_DataBusWiring(t *testing.T) {
	sys := newTestSystem(t, nil)

	bus, err := NewDataBus[quote](Data, DataBusConfig{}, sys.DataBusOptions()...)
	require.NoError(t, err)
	require.NoError(t, sys.AttachDataBus(bus))

	var got atomic.Int32
	risk, err := sys.NewMailbox(Risk)
	require.NoError(t, err)
	MustRegisterHandler(risk, func(context.Context, quote) error {
		got.Add(1)
		return nil
	})

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, sys.Start(ctx))

	// Subscribe through the command bus like any other component would.
	require.NoError(t, sys.Messenger().Send(ctx, Data, NewSubscribe[quote](Risk, nil), Risk))
	require.Eventually(t, func() bool { return len(bus.Subscribers()) == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.PostData(ctx, quote{Price: i}))
	}
	require.Eventually(t, func() bool {
		return got.Load() == 3 && sys.GetMetrics().Broadcast == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, sys.Stop(ctx))
	assert.Equal(t, StateStopped, bus.State())
}

func TestSystem_ObserverSeesTraffic(t *testing.T) {
	obs := &collector{}
	sys, err := NewSystemBuilder().WithObserver(obs).Build()
	require.NoError(t, err)

	mb, err := sys.NewMailbox(Risk)
	require.NoError(t, err)
	MustRegisterHandler(mb, func(context.Context, *Envelope[Command]) error { return nil })

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, sys.Start(ctx))
	require.NoError(t, sys.Messenger().Send(ctx, Risk, newPlaceOrder("X", 1), Trader))
	require.Eventually(t, func() bool { return mb.Stats().Dispatched == 1 }, time.Second, time.Millisecond)

	// Stop closes the pool after draining it.
	require.NoError(t, sys.Stop(ctx))
	assert.Equal(t, 1, obs.count(Routed))
	assert.GreaterOrEqual(t, obs.count(Dispatched), 2)
}

func TestSystem_KillAbandonsWork(t *testing.T) {
	sys := newTestSystem(t, nil)
	mb, err := sys.NewMailbox(Risk)
	require.NoError(t, err)

	release := make(chan struct{})
	MustRegisterHandler(mb, func(ctx context.Context, _ int) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, sys.Start(ctx))
	for i := 0; i < 3; i++ {
		require.NoError(t, mb.Endpoint().Send(ctx, i))
	}

	sys.Kill()
	<-mb.Done()
	close(release)
	assert.Equal(t, "unhealthy", sys.Health(ctx).Status)
	st := mb.Stats()
	assert.Equal(t, st.Received, st.Dispatched+st.Dropped+st.Failed)
}

func TestNew_AppliesBuilderInit(t *testing.T) {
	sys, err := New(func(sb *SystemBuilder) {
		sb.WithMailboxCapacity(8).WithCodec("json")
	})
	require.NoError(t, err)
	assert.Equal(t, 8, sys.CommandBus().Mailbox().Stats().Capacity)
	assert.Equal(t, "json", sys.Codec().Name())
	assert.IsType(t, NopStore{}, sys.Store())

	_, err = New(func(sb *SystemBuilder) { sb.WithCodec("xml") })
	assert.Error(t, err)

	_, err = New(func(sb *SystemBuilder) { sb.WithStore("nope", nil) })
	assert.ErrorAs(t, err, &ErrUnknownStore{})
}

func TestSystem_OwnsThrottlerLifecycle(t *testing.T) {
	sys := newTestSystem(t, nil)

	var got atomic.Int32
	venue, err := sys.NewMailbox("Venue")
	require.NoError(t, err)
	MustRegisterHandler(venue, func(context.Context, *Envelope[Command]) error {
		got.Add(1)
		return nil
	})

	tk := newManualTicker()
	th, err := NewThrottler(string(Gateway), venue.Endpoint(),
		ThrottlerConfig{Limit: 1, Interval: time.Second},
		append(sys.ThrottlerOptions(), WithTicker(tk.factory()))...)
	require.NoError(t, err)
	require.NoError(t, sys.Register(th))
	assert.ErrorIs(t, sys.Register(th), ErrDuplicateAddress)

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, sys.Start(ctx))
	assert.Equal(t, StateRunning, th.State())

	for i := 1; i <= 3; i++ {
		require.NoError(t, sys.Messenger().Send(ctx, Gateway, newPlaceOrder("BTC-USD", i), Execution))
	}
	require.Eventually(t, func() bool {
		return got.Load() == 1 && th.Stats().Pending == 2
	}, time.Second, time.Millisecond)

	// The throttler drains at its rate into a venue that is still running.
	stopped := make(chan error, 1)
	go func() { stopped <- sys.Stop(ctx) }()
	tk.tick()
	tk.tick()
	require.NoError(t, <-stopped)

	assert.Equal(t, int32(3), got.Load())
	assert.Zero(t, th.Discarded())
	assert.Equal(t, StateStopped, th.State())
	assert.Equal(t, StateStopped, venue.State())
}
