package xmsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottler(t *testing.T, cfg ThrottlerConfig, opts ...ThrottlerOption) (*Throttler, *recorder, *manualTicker) {
	t.Helper()
	down := &recorder{}
	tk := newManualTicker()
	th, err := NewThrottler("Venue", down, cfg, append([]ThrottlerOption{WithTicker(tk.factory())}, opts...)...)
	require.NoError(t, err)
	return th, down, tk
}

func TestThrottler_ReleasesOneWindowPerTick(t *testing.T) {
	obs := &collector{}
	th, down, tk := newTestThrottler(t, ThrottlerConfig{Limit: 10, Interval: time.Second}, WithThrottlerObserver(obs))
	require.NoError(t, th.Start())
	t.Cleanup(func() { th.Kill() })

	for i := 0; i < 21; i++ {
		require.NoError(t, th.Send(context.Background(), i))
	}

	require.Eventually(t, func() bool { return th.Stats().Pending == 11 }, time.Second, time.Millisecond)
	assert.Equal(t, 10, down.len())
	assert.True(t, th.IsActive())
	assert.Equal(t, 11, th.QueueCount())

	tk.tick()
	require.Eventually(t, func() bool {
		return down.len() == 20 && th.Stats().Pending == 1
	}, time.Second, time.Millisecond)

	tk.tick()
	require.Eventually(t, func() bool {
		return down.len() == 21 && th.IsIdle()
	}, time.Second, time.Millisecond)
	assert.False(t, th.IsActive())

	got := down.snapshot()
	for i := range got {
		assert.Equal(t, i, got[i])
	}
	st := th.Stats()
	assert.Equal(t, uint64(21), st.Submitted)
	assert.Equal(t, uint64(21), st.Forwarded)
	assert.Equal(t, uint64(11), st.Queued)
	assert.Equal(t, 11, obs.count(Throttled))
}

func TestThrottler_NewMessagesQueueBehindBacklog(t *testing.T) {
	th, down, tk := newTestThrottler(t, ThrottlerConfig{Limit: 2, Interval: time.Second})
	require.NoError(t, th.Start())
	t.Cleanup(func() { th.Kill() })

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Send(context.Background(), i))
	}
	require.Eventually(t, func() bool { return th.Stats().Pending == 1 }, time.Second, time.Millisecond)

	tk.tick()
	require.Eventually(t, func() bool { return down.len() == 3 }, time.Second, time.Millisecond)

	// One slot left in this window; the next message goes straight through.
	require.NoError(t, th.Send(context.Background(), 3))
	require.Eventually(t, func() bool { return down.len() == 4 }, time.Second, time.Millisecond)
	require.NoError(t, th.Send(context.Background(), 4))
	require.Eventually(t, func() bool { return th.Stats().Pending == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, []any{0, 1, 2, 3}, down.snapshot())
}

func TestThrottler_KillDiscardsBacklog(t *testing.T) {
	obs := &collector{}
	th, down, _ := newTestThrottler(t, ThrottlerConfig{Limit: 1, Interval: time.Second}, WithThrottlerObserver(obs))
	require.NoError(t, th.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, th.Send(context.Background(), i))
	}
	require.Eventually(t, func() bool { return th.Stats().Pending == 4 }, time.Second, time.Millisecond)

	th.Kill()
	assert.Equal(t, 1, down.len())
	assert.Equal(t, uint64(4), th.Discarded())
	assert.Equal(t, uint64(4), th.Stats().Discarded)
	assert.Equal(t, 1, obs.count(Dropped))
	assert.Equal(t, StateStopped, th.State())

	assert.ErrorIs(t, th.Send(context.Background(), 9), ErrThrottlerClosed)
	assert.ErrorIs(t, th.Start(), ErrThrottlerClosed)
	th.Kill()
	assert.Equal(t, uint64(4), th.Discarded())
}

func TestThrottler_KillBeforeStart(t *testing.T) {
	th, down, _ := newTestThrottler(t, ThrottlerConfig{Limit: 1, Interval: time.Second})
	require.NoError(t, th.TrySend(1))
	require.NoError(t, th.TrySend(2))

	th.Kill()
	assert.Equal(t, uint64(2), th.Discarded())
	assert.Zero(t, down.len())
	<-th.Done()
}

func TestThrottler_StopDrainsAtRate(t *testing.T) {
	th, down, tk := newTestThrottler(t, ThrottlerConfig{Limit: 2, Interval: time.Second})
	require.NoError(t, th.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, th.Send(context.Background(), i))
	}
	require.Eventually(t, func() bool { return th.Stats().Pending == 3 }, time.Second, time.Millisecond)

	ctx, cancel := stopCtx()
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- th.Stop(ctx) }()

	// Stop holds to the rate.
	tk.tick()
	require.Eventually(t, func() bool { return down.len() == 4 }, time.Second, time.Millisecond)
	select {
	case err := <-stopped:
		t.Fatalf("stop returned early: %v", err)
	default:
	}

	tk.tick()
	require.NoError(t, <-stopped)
	assert.Equal(t, []any{0, 1, 2, 3, 4}, down.snapshot())
	assert.Zero(t, th.Stats().Discarded)
	assert.ErrorIs(t, th.TrySend(5), ErrThrottlerClosed)
}

func TestThrottler_StopTimeoutKills(t *testing.T) {
	th, down, _ := newTestThrottler(t, ThrottlerConfig{Limit: 1, Interval: time.Second})
	require.NoError(t, th.Start())
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Send(context.Background(), i))
	}
	require.Eventually(t, func() bool { return th.Stats().Pending == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, th.Stop(ctx), ErrStopTimeout)
	assert.Equal(t, uint64(2), th.Stats().Discarded)
	assert.Equal(t, 1, down.len())
}

func TestThrottler_SubmissionLimits(t *testing.T) {
	th, _, _ := newTestThrottler(t, ThrottlerConfig{Limit: 1, Interval: time.Second, Capacity: 1})
	require.NoError(t, th.TrySend(1))
	assert.ErrorIs(t, th.TrySend(2), ErrThrottlerFull)
	assert.ErrorIs(t, th.TrySend(nil), ErrNilMessage)
	th.Kill()

	th, _, _ = newTestThrottler(t, ThrottlerConfig{Limit: 1, Interval: time.Second, MaxPending: 2})
	require.NoError(t, th.Send(context.Background(), 1))
	require.NoError(t, th.Send(context.Background(), 2))
	assert.ErrorIs(t, th.Send(context.Background(), 3), ErrThrottlerFull)
	assert.Equal(t, 2, th.QueueCount())
	th.Kill()
}

func TestThrottlerConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ThrottlerConfig
	}{
		{"zero limit", ThrottlerConfig{Limit: 0, Interval: time.Second}},
		{"zero interval", ThrottlerConfig{Limit: 1}},
		{"negative capacity", ThrottlerConfig{Limit: 1, Interval: time.Second, Capacity: -1}},
		{"negative max pending", ThrottlerConfig{Limit: 1, Interval: time.Second, MaxPending: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewThrottler("X", &recorder{}, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := NewThrottler("X", nil, ThrottlerConfig{Limit: 1, Interval: time.Second})
	assert.ErrorIs(t, err, ErrNilEndpoint)

	th, err := NewThrottler("X", &recorder{}, ThrottlerConfig{Limit: 1, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1024, th.Config().Capacity)
	assert.Equal(t, "throttler(X)", th.String())
	assert.Equal(t, Address("X"), th.Address())
	assert.Same(t, th, th.Endpoint())
	th.Kill()
}
