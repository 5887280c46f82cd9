package guard

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/fieldtrack/internal/store"
)

func openSeededStore(t *testing.T) *store.DeviceStore {
	t.Helper()
	d, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.SetIdentity("tok-a", "acme"))
	return d
}

type teardownSpy struct {
	count  atomic.Int32
	reason atomic.Value
}

func (s *teardownSpy) fn(reason Reason) {
	s.count.Add(1)
	s.reason.Store(reason)
}

func TestCheckHealthyDoesNotTrip(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	g.Check(context.Background())
	require.False(t, g.Tripped())
	require.Zero(t, spy.count.Load())
}

// A different identity appearing in the shared store means a newer instance
// logged in. This instance must stop itself without raising anything.
func TestIdentityChangeTripsGuard(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	require.NoError(t, d.SetIdentity("tok-b", "acme"))
	g.Check(context.Background())

	require.True(t, g.Tripped())
	require.Equal(t, int32(1), spy.count.Load())
	require.Equal(t, ReasonIdentityChanged, spy.reason.Load())
}

func TestTenantChangeTripsGuard(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	require.NoError(t, d.SetIdentity("tok-a", "other-tenant"))
	g.Check(context.Background())
	require.Equal(t, ReasonIdentityChanged, spy.reason.Load())
}

func TestNewerLogoutEpochTripsGuard(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	require.NoError(t, d.MarkLogout(time.Now()))
	g.Check(context.Background())
	require.Equal(t, ReasonNewerLogout, spy.reason.Load())
}

func TestAbsentCredentialsTripGuard(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	require.NoError(t, d.Purge())
	g.Check(context.Background())
	require.Equal(t, ReasonCredentialsAbsent, spy.reason.Load())
}

func TestPermanentDisableTripsGuard(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	require.NoError(t, d.SetPermanentDisable(true, time.Now()))
	g.Check(context.Background())
	require.Equal(t, ReasonPermanentDisable, spy.reason.Load())
}

// A disable flag older than the expiry window is stale state, not a trigger.
// The guard clears it and keeps running.
func TestExpiredDisableFlagIsCleared(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn, WithDisableExpiry(time.Minute))
	require.NoError(t, err)

	require.NoError(t, d.SetPermanentDisable(true, time.Now().Add(-2*time.Minute)))
	g.Check(context.Background())

	require.False(t, g.Tripped())
	require.Zero(t, spy.count.Load())

	snap, err := d.Snapshot()
	require.NoError(t, err)
	require.False(t, snap.PermanentDisable)
}

func TestTripFiresExactlyOnce(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	g, err := New(d, spy.fn)
	require.NoError(t, err)

	require.NoError(t, d.Purge())
	g.Check(context.Background())
	g.Check(context.Background())
	g.Check(context.Background())
	require.Equal(t, int32(1), spy.count.Load())
}

func TestTeardownPanicIsContained(t *testing.T) {
	d := openSeededStore(t)
	g, err := New(d, func(Reason) { panic("teardown exploded") })
	require.NoError(t, err)

	require.NoError(t, d.Purge())
	require.NotPanics(t, func() { g.Check(context.Background()) })
	require.True(t, g.Tripped())
}

func TestProbeOutcomeIgnored(t *testing.T) {
	d := openSeededStore(t)
	spy := &teardownSpy{}
	probeCalls := 0
	g, err := New(d, spy.fn, WithProbe(func(ctx context.Context) {
		probeCalls++
		require.NotNil(t, ctx.Done())
	}))
	require.NoError(t, err)

	g.Check(context.Background())
	require.Equal(t, 1, probeCalls)
	require.False(t, g.Tripped())
}

func TestSnapshotImmutable(t *testing.T) {
	d := openSeededStore(t)
	g, err := New(d, func(Reason) {})
	require.NoError(t, err)

	require.NoError(t, d.SetIdentity("tok-b", "acme"))
	require.Equal(t, "tok-a", g.Snapshot().IdentityToken, "startup snapshot must never follow the store")
}
