package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSpecs(period time.Duration) []ChannelSpec {
	return []ChannelSpec{
		{Name: ChannelSessionCheck, Period: period},
		{Name: ChannelHeartbeat, Period: period},
	}
}

func TestNewValidatesSpecs(t *testing.T) {
	_, err := New([]ChannelSpec{{Name: "", Period: time.Second}})
	require.Error(t, err)

	_, err = New([]ChannelSpec{{Name: "x", Period: 0}})
	require.Error(t, err)

	_, err = New([]ChannelSpec{
		{Name: "x", Period: time.Second},
		{Name: "x", Period: time.Second},
	})
	require.Error(t, err)
}

func TestSubscribeUnknownChannel(t *testing.T) {
	s, err := New(testSpecs(time.Second))
	require.NoError(t, err)
	defer s.Dispose() //nolint:errcheck

	_, err = s.OnChannel("no-such-channel", func(context.Context) {})
	require.Error(t, err)

	_, err = s.OnChannel(ChannelHeartbeat, nil)
	require.Error(t, err)
}

func TestDispatchFansOutToAllSubscribers(t *testing.T) {
	s, err := New(testSpecs(10 * time.Millisecond))
	require.NoError(t, err)
	defer s.Dispose() //nolint:errcheck

	var a, b atomic.Int64
	_, err = s.OnChannel(ChannelSessionCheck, func(context.Context) { a.Add(1) })
	require.NoError(t, err)
	_, err = s.OnChannel(ChannelSessionCheck, func(context.Context) { b.Add(1) })
	require.NoError(t, err)

	require.NoError(t, s.Initialize(context.Background()))

	require.Eventually(t, func() bool {
		return a.Load() >= 2 && b.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

// A panicking subscriber must neither cancel the channel nor shadow its
// peers on the same tick.
func TestPanicIsolation(t *testing.T) {
	s, err := New(testSpecs(10 * time.Millisecond))
	require.NoError(t, err)
	defer s.Dispose() //nolint:errcheck

	var survivor atomic.Int64
	_, err = s.OnChannel(ChannelSessionCheck, func(context.Context) { panic("boom") })
	require.NoError(t, err)
	_, err = s.OnChannel(ChannelSessionCheck, func(context.Context) { survivor.Add(1) })
	require.NoError(t, err)

	require.NoError(t, s.Initialize(context.Background()))

	require.Eventually(t, func() bool {
		return survivor.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, s.SubscriberCount(ChannelSessionCheck), "panicking subscriber stays registered")
}

func TestRemoveChannel(t *testing.T) {
	s, err := New(testSpecs(time.Second))
	require.NoError(t, err)
	defer s.Dispose() //nolint:errcheck

	h, err := s.OnChannel(ChannelHeartbeat, func(context.Context) {})
	require.NoError(t, err)
	require.Equal(t, 1, s.SubscriberCount(ChannelHeartbeat))

	s.RemoveChannel(h)
	require.Zero(t, s.SubscriberCount(ChannelHeartbeat))

	// Removing again, or removing the zero handle, is a no-op.
	s.RemoveChannel(h)
	s.RemoveChannel(Handle{})
}

func TestInitializeIdempotent(t *testing.T) {
	s, err := New(testSpecs(time.Hour))
	require.NoError(t, err)
	defer s.Dispose() //nolint:errcheck

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))
	require.Equal(t, 2, s.ActiveChannels())
}

func TestDisposeIdempotent(t *testing.T) {
	s, err := New(testSpecs(10 * time.Millisecond))
	require.NoError(t, err)

	_, err = s.OnChannel(ChannelSessionCheck, func(context.Context) {})
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())
	require.Zero(t, s.ActiveChannels())
	require.Zero(t, s.SubscriberCount(ChannelSessionCheck))

	// Subscribing after dispose fails, initializing again stays a no-op.
	_, err = s.OnChannel(ChannelSessionCheck, func(context.Context) {})
	require.Error(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	require.Zero(t, s.ActiveChannels())
}

func TestDisposeBeforeInitialize(t *testing.T) {
	s, err := New(testSpecs(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Dispose())
}

func TestSetPeriod(t *testing.T) {
	s, err := New(testSpecs(time.Hour))
	require.NoError(t, err)
	defer s.Dispose() //nolint:errcheck

	require.Error(t, s.SetPeriod(ChannelHeartbeat, 0))
	require.Error(t, s.SetPeriod("no-such-channel", time.Second))

	// Before Initialize only the stored period changes.
	require.NoError(t, s.SetPeriod(ChannelHeartbeat, 30*time.Minute))

	var ticks atomic.Int64
	_, err = s.OnChannel(ChannelHeartbeat, func(context.Context) { ticks.Add(1) })
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	// Retuning a running channel takes effect on the live job.
	require.NoError(t, s.SetPeriod(ChannelHeartbeat, 10*time.Millisecond))
	require.Eventually(t, func() bool {
		return ticks.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}
