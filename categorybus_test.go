package xmsg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeRecorder struct {
	mu     sync.Mutex
	envs   []AnyEnvelope
	closed bool
}

func (s *storeRecorder) Store(_ context.Context, env AnyEnvelope) {
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
}

func (s *storeRecorder) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *storeRecorder) stored() []AnyEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AnyEnvelope(nil), s.envs...)
}

func TestCategoryBus_RejectsBeforeInitialization(t *testing.T) {
	obs := &collector{}
	store := &storeRecorder{}
	bus, err := NewCommandBus(store, WithMailboxObserver(obs))
	require.NoError(t, err)
	require.NoError(t, bus.Start())

	env, err := NewEnvelope[Command](newPlaceOrder("BTC-USD", 1), Trader, []Address{Risk}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Endpoint().Send(context.Background(), env))

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	st := bus.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Zero(t, st.Processed)
	assert.Empty(t, store.stored())
	assert.Equal(t, 1, obs.count(RouteFailed))
}

func TestCategoryBus_RoutesAndStores(t *testing.T) {
	store := &storeRecorder{}
	bus, err := NewEventBus(store)
	require.NoError(t, err)
	assert.Equal(t, EventBusAddress, bus.Address())
	assert.Equal(t, CategoryEvent, bus.Category())

	risk := &recorder{}
	sb, err := NewSwitchboard(map[Address]Endpoint{Risk: risk}, nil)
	require.NoError(t, err)

	ep := bus.Endpoint()
	require.NoError(t, ep.Send(context.Background(), NewInitializeSwitchboard(sb, nil)))
	for i := 0; i < 3; i++ {
		env, err := NewEnvelope[Event](newOrderFilled(i), Execution, []Address{Risk}, nil)
		require.NoError(t, err)
		require.NoError(t, ep.Send(context.Background(), env))
	}
	require.NoError(t, bus.Start())

	require.Eventually(t, func() bool { return risk.len() == 3 }, time.Second, time.Millisecond)
	for i, m := range risk.snapshot() {
		env, ok := m.(*Envelope[Event])
		require.True(t, ok)
		assert.Equal(t, i, env.Message().(orderFilled).Qty)
	}

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	assert.Len(t, store.stored(), 3)
	assert.Equal(t, CategoryBusStats{Processed: 3, Routed: 3}, bus.Stats())
	assert.Equal(t, uint64(3), bus.Processed())
}

func TestCategoryBus_SecondInitializationIgnored(t *testing.T) {
	bus, err := NewDocumentBus(nil)
	require.NoError(t, err)

	first, second := &recorder{}, &recorder{}
	sb1, err := NewSwitchboard(map[Address]Endpoint{Trader: first}, nil)
	require.NoError(t, err)
	sb2, err := NewSwitchboard(map[Address]Endpoint{Trader: second}, nil)
	require.NoError(t, err)

	ep := bus.Endpoint()
	require.NoError(t, ep.Send(context.Background(), NewInitializeSwitchboard(sb1, nil)))
	require.NoError(t, ep.Send(context.Background(), NewInitializeSwitchboard(sb2, nil)))
	env, err := NewEnvelope[Document](positionReport{DocumentBase: NewDocumentBase(nil), Position: 3}, Portfolio, []Address{Trader}, nil)
	require.NoError(t, err)
	require.NoError(t, ep.Send(context.Background(), env))

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	assert.Equal(t, 1, first.len())
	assert.Zero(t, second.len())
}

func TestCategoryBus_RouteFailureCounted(t *testing.T) {
	bus, err := NewCommandBus(nil)
	require.NoError(t, err)
	sb, err := NewSwitchboard(map[Address]Endpoint{Risk: &recorder{}}, nil)
	require.NoError(t, err)

	ep := bus.Endpoint()
	require.NoError(t, ep.Send(context.Background(), NewInitializeSwitchboard(sb, nil)))
	env, err := NewEnvelope[Command](newPlaceOrder("BTC-USD", 1), Trader, []Address{"Nowhere"}, nil)
	require.NoError(t, err)
	require.NoError(t, ep.Send(context.Background(), env))

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	st := bus.Stats()
	assert.Equal(t, uint64(1), st.RouteErrors)
	assert.Zero(t, st.Routed)
	// Bus handlers report through telemetry, not the mailbox failure count.
	assert.Zero(t, bus.Mailbox().Stats().Failed)
}

func TestCategoryBus_OtherCategoryUnhandled(t *testing.T) {
	bus, err := NewCommandBus(nil)
	require.NoError(t, err)

	env, err := NewEnvelope[Event](newOrderFilled(1), Execution, []Address{Risk}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Endpoint().Send(context.Background(), env))

	ctx, cancel := stopCtx()
	defer cancel()
	require.NoError(t, bus.Stop(ctx))
	assert.Equal(t, uint64(1), bus.Mailbox().Stats().Unhandled)
}
