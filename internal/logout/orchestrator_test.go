package logout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/fieldtrack/internal/credstore"
	"git.home.luguber.info/inful/fieldtrack/internal/store"
	"git.home.luguber.info/inful/fieldtrack/internal/telemetry"
)

// countingRemote records logout calls and optionally blocks or fails.
type countingRemote struct {
	mu          sync.Mutex
	logoutCalls int
	logoutErr   error
	gate        chan struct{}
	lastForce   bool
}

func (r *countingRemote) Logout(ctx context.Context, identity, tenant string, forceOffline bool) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logoutCalls++
	r.lastForce = forceOffline
	return r.logoutErr
}

func (r *countingRemote) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logoutCalls
}

func (r *countingRemote) CheckStatus(context.Context, string, string) (bool, error) {
	return true, nil
}
func (r *countingRemote) TransmitTelemetry(context.Context, string, string, telemetry.Payload) error {
	return nil
}
func (r *countingRemote) Login(context.Context, string, string) error { return nil }

type fakeScheduler struct {
	disposed   atomic.Bool
	disposeErr error
}

func (s *fakeScheduler) Dispose() error {
	s.disposed.Store(true)
	return s.disposeErr
}

func (s *fakeScheduler) ActiveChannels() int {
	if s.disposed.Load() {
		return 0
	}
	return 5
}

type fakeEngine struct {
	stopped atomic.Bool
	resets  atomic.Int32
}

func (e *fakeEngine) Stop()  { e.stopped.Store(true) }
func (e *fakeEngine) Reset() { e.resets.Add(1) }

type fakeVerifier struct {
	deactivated atomic.Bool
	resets      atomic.Int32
}

func (v *fakeVerifier) Deactivate() { v.deactivated.Store(true) }
func (v *fakeVerifier) Reset()      { v.resets.Add(1) }

type fixture struct {
	remote   *countingRemote
	creds    *credstore.SecureStore
	devices  *store.DeviceStore
	sched    *fakeScheduler
	engine   *fakeEngine
	verifier *fakeVerifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.SetIdentity("tok-a", "acme"))

	creds := credstore.New()
	creds.Set(credstore.FieldIdentityToken, "tok-a")
	creds.Set(credstore.FieldTenantCode, "acme")

	return &fixture{
		remote:   &countingRemote{},
		creds:    creds,
		devices:  d,
		sched:    &fakeScheduler{},
		engine:   &fakeEngine{},
		verifier: &fakeVerifier{},
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return New(f.remote, f.creds, f.devices, f.sched, f.engine, f.verifier, opts...)
}

func phaseByName(t *testing.T, res Result, name string) PhaseOutcome {
	t.Helper()
	for _, p := range res.Phases {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("phase %s not found in result", name)
	return PhaseOutcome{}
}

func TestCompleteLogoutRunsAllPhases(t *testing.T) {
	f := newFixture(t)
	navSignaled := false
	o := f.orchestrator(WithNavSignal(func() { navSignaled = true }))

	res, err := o.PerformCompleteLogout(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.False(t, res.Emergency)
	require.Empty(t, res.Errors)
	require.Empty(t, res.Warnings)
	require.Len(t, res.Phases, 5)

	require.Equal(t, 1, f.remote.calls())
	require.True(t, f.remote.lastForce, "server must mark the device offline")
	require.True(t, f.sched.disposed.Load())
	require.True(t, f.engine.stopped.Load())
	require.True(t, f.verifier.deactivated.Load())
	require.Equal(t, int32(1), f.engine.resets.Load())
	require.Equal(t, int32(1), f.verifier.resets.Load())
	require.True(t, navSignaled)

	require.True(t, f.creds.Empty())
	empty, err := f.devices.Empty()
	require.NoError(t, err)
	require.True(t, empty)

	epoch, err := f.devices.LogoutEpoch()
	require.NoError(t, err)
	require.Positive(t, epoch, "logout epoch must be stamped for other instances")

	rep, err := o.VerifyComplete(context.Background())
	require.NoError(t, err)
	require.True(t, rep.Complete)
}

// Server notification failure downgrades to a warning; local cleanup runs
// unconditionally.
func TestServerNotifyFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.remote.logoutErr = errors.New("network down")
	o := f.orchestrator()

	res, err := o.PerformCompleteLogout(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, res.Warnings, 1)
	require.False(t, phaseByName(t, res, PhaseNotifyServer).OK)
	require.True(t, phaseByName(t, res, PhasePurgeCredentials).OK)
	require.True(t, f.creds.Empty())
}

func TestMissingCredentialsStillPurges(t *testing.T) {
	f := newFixture(t)
	f.creds.ClearAll()
	o := f.orchestrator()

	res, err := o.PerformCompleteLogout(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, res.Warnings, 1)
	require.Zero(t, f.remote.calls(), "no credentials means nothing to notify with")

	empty, derr := f.devices.Empty()
	require.NoError(t, derr)
	require.True(t, empty)
}

// A fatal phase failure aborts the remaining phases and marks them skipped.
func TestFatalPhaseAborts(t *testing.T) {
	f := newFixture(t)
	f.sched.disposeErr = errors.New("dispose wedged")
	navSignaled := false
	o := f.orchestrator(WithNavSignal(func() { navSignaled = true }))

	res, err := o.PerformCompleteLogout(context.Background())
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Len(t, res.Errors, 1)

	require.False(t, phaseByName(t, res, PhaseStopSchedulers).OK)
	require.True(t, phaseByName(t, res, PhasePurgeCredentials).Skipped)
	require.True(t, phaseByName(t, res, PhaseResetState).Skipped)
	require.True(t, phaseByName(t, res, PhaseSignalNavigation).Skipped)
	require.False(t, navSignaled)
	require.False(t, f.creds.Empty(), "aborted run must not have purged credentials")
}

// Two concurrent invocations: exactly one executes, the other returns
// ErrInProgress immediately.
func TestConcurrentLogoutSingleExecution(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.remote.gate = gate
	o := f.orchestrator()

	done := make(chan Result, 1)
	go func() {
		res, err := o.PerformCompleteLogout(context.Background())
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return o.inFlight.Load() }, time.Second, time.Millisecond)

	_, err := o.PerformCompleteLogout(context.Background())
	require.ErrorIs(t, err, ErrInProgress)
	_, err = o.EmergencyLogout(context.Background())
	require.ErrorIs(t, err, ErrInProgress)

	close(gate)
	res := <-done
	require.True(t, res.OK)
	require.Equal(t, 1, f.remote.calls(), "server notification must run exactly once")

	// After completion a retry is allowed again; phases are re-runnable.
	res2, err := o.PerformCompleteLogout(context.Background())
	require.NoError(t, err)
	require.True(t, res2.OK)
}

func TestEmergencyLogoutSubset(t *testing.T) {
	f := newFixture(t)
	navSignaled := false
	o := f.orchestrator(WithNavSignal(func() { navSignaled = true }))

	res, err := o.EmergencyLogout(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, res.Emergency)
	require.Len(t, res.Phases, 2)

	require.Zero(t, f.remote.calls(), "emergency path never notifies the server")
	require.False(t, navSignaled)
	require.Zero(t, f.engine.resets.Load())
	require.True(t, f.sched.disposed.Load())
	require.True(t, f.creds.Empty())
}

func TestVerifyCompleteReadOnly(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator()

	rep, err := o.VerifyComplete(context.Background())
	require.NoError(t, err)
	require.False(t, rep.Complete)
	require.False(t, rep.SchedulersStopped)
	require.False(t, rep.CredentialsCleared)
	require.False(t, rep.StorePurged)

	// The check itself must not mutate anything.
	require.False(t, f.creds.Empty())
	require.Zero(t, f.remote.calls())
}
