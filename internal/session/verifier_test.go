package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/fieldtrack/internal/faults"
	"git.home.luguber.info/inful/fieldtrack/internal/notify"
	"git.home.luguber.info/inful/fieldtrack/internal/retry"
	"git.home.luguber.info/inful/fieldtrack/internal/telemetry"
)

// scriptedRemote replays a fixed sequence of CheckStatus outcomes; the last
// entry repeats once the script runs out.
type scriptedRemote struct {
	mu     sync.Mutex
	script []statusStep
	calls  int
	gate   chan struct{} // when set, CheckStatus blocks until closed
}

type statusStep struct {
	loggedIn bool
	err      error
}

func (s *scriptedRemote) CheckStatus(ctx context.Context, identity, tenant string) (bool, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	step := s.script[len(s.script)-1]
	if s.calls < len(s.script) {
		step = s.script[s.calls]
	}
	s.calls++
	return step.loggedIn, step.err
}

func (s *scriptedRemote) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedRemote) TransmitTelemetry(context.Context, string, string, telemetry.Payload) error {
	return nil
}
func (s *scriptedRemote) Logout(context.Context, string, string, bool) error { return nil }
func (s *scriptedRemote) Login(context.Context, string, string) error        { return nil }

// spyPresenter records shown events.
type spyPresenter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *spyPresenter) Show(e notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *spyPresenter) shown() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

func testCreds() (string, string, error) { return "tok-123", "acme", nil }

func fastOpts(extra ...Option) []Option {
	opts := []Option{
		WithConfirmSchedule([]time.Duration{0, 0}),
		WithAuthPolicy(retry.Policy{Mode: retry.BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 3}),
	}
	return append(opts, extra...)
}

func TestVerifyHealthy(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{loggedIn: true}}}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	res := v.Verify(context.Background())
	require.True(t, res.OK())
	require.Equal(t, StateActive, res.State)
	require.Zero(t, res.SoftFailures)
	require.Equal(t, 1, remote.callCount())
	require.False(t, v.LastCheck().IsZero())
}

// One "not logged in" answer followed by "logged in" on the confirmation
// probe must keep the session active and clear nothing. A momentary server
// inconsistency is not a logout.
func TestVerifyFlipFlopStaysActive(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{
		{loggedIn: false},
		{loggedIn: true},
	}}
	lostFired := false
	v := NewVerifier(remote, testCreds, fastOpts(WithOnLost(func() { lostFired = true }))...)

	res := v.Verify(context.Background())
	require.True(t, res.OK())
	require.Equal(t, StateActive, v.State())
	require.False(t, lostFired)
	require.Equal(t, 2, remote.callCount(), "first refuting probe must stop confirmation")
}

func TestVerifyConfirmedLoss(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{loggedIn: false}}}
	presenter := &spyPresenter{}
	lostCount := 0
	v := NewVerifier(remote, testCreds, fastOpts(
		WithPresenter(presenter),
		WithOnLost(func() { lostCount++ }),
	)...)

	res := v.Verify(context.Background())
	require.Equal(t, StateLost, res.State)
	require.False(t, res.OK())
	// Initial response plus two confirmation probes.
	require.Equal(t, 3, remote.callCount())
	require.Equal(t, 1, lostCount)

	events := presenter.shown()
	require.Len(t, events, 1)
	require.Equal(t, notify.KindSessionTerminated, events[0].Kind)
	require.True(t, events[0].Blocking)

	// A later pass sees LOST again but never re-fires the callback.
	res = v.Verify(context.Background())
	require.Equal(t, StateLost, res.State)
	require.Equal(t, 1, lostCount)
	require.Len(t, presenter.shown(), 1)
}

func TestVerifyAuthFailureConfirmed(t *testing.T) {
	authErr := faults.New(faults.CategoryAuth, "token rejected")
	remote := &scriptedRemote{script: []statusStep{{err: authErr}}}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	res := v.Verify(context.Background())
	require.Equal(t, StateLost, res.State)
	// Initial failure plus three confirmation retries.
	require.Equal(t, 4, remote.callCount())
}

func TestVerifyAuthFailureRecovers(t *testing.T) {
	authErr := faults.New(faults.CategoryAuth, "token rejected")
	remote := &scriptedRemote{script: []statusStep{
		{err: authErr},
		{loggedIn: true},
	}}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	res := v.Verify(context.Background())
	require.True(t, res.OK())
	require.Equal(t, StateActive, v.State())
}

// Transient errors during auth confirmation must not count as confirmation;
// they degrade into a soft failure instead.
func TestVerifyAuthFailureInconclusive(t *testing.T) {
	authErr := faults.New(faults.CategoryAuth, "token rejected")
	netErr := faults.New(faults.CategoryTransient, "connection reset")
	remote := &scriptedRemote{script: []statusStep{
		{err: authErr},
		{err: netErr},
	}}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	res := v.Verify(context.Background())
	require.Equal(t, StateActive, res.State)
	require.Equal(t, 1, res.SoftFailures)
	require.Equal(t, 1, v.SoftFailures())
}

func TestSoftFailureThreshold(t *testing.T) {
	netErr := faults.New(faults.CategoryTransient, "timeout")
	remote := &scriptedRemote{script: []statusStep{{err: netErr}}}
	presenter := &spyPresenter{}
	v := NewVerifier(remote, testCreds, fastOpts(WithPresenter(presenter))...)

	res := v.Verify(context.Background())
	require.Equal(t, 1, res.SoftFailures)
	require.False(t, res.Warned)

	res = v.Verify(context.Background())
	require.Equal(t, 2, res.SoftFailures)
	require.False(t, res.Warned)

	// Third failure crosses the threshold: dismissible warning, counter reset,
	// state untouched.
	res = v.Verify(context.Background())
	require.True(t, res.Warned)
	require.Equal(t, StateActive, res.State)
	require.Zero(t, v.SoftFailures())

	events := presenter.shown()
	require.Len(t, events, 1)
	require.Equal(t, notify.KindSyncDegraded, events[0].Kind)
	require.False(t, events[0].Blocking)
}

func TestSoftCounterResetsOnSuccess(t *testing.T) {
	netErr := faults.New(faults.CategoryTransient, "timeout")
	remote := &scriptedRemote{script: []statusStep{
		{err: netErr},
		{loggedIn: true},
	}}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	v.Verify(context.Background())
	require.Equal(t, 1, v.SoftFailures())

	v.Verify(context.Background())
	require.Zero(t, v.SoftFailures())
}

func TestOfflineShortCircuit(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{err: faults.New(faults.CategoryTransient, "x")}}}
	online := false
	v := NewVerifier(remote, testCreds, fastOpts(WithConnectivity(func() bool { return online }))...)

	// Accumulate one soft failure while online.
	online = true
	v.Verify(context.Background())
	require.Equal(t, 1, v.SoftFailures())

	// Offline passes never reach the remote and reset the counter.
	online = false
	res := v.Verify(context.Background())
	require.True(t, res.Offline)
	require.Equal(t, StateActive, res.State)
	require.Zero(t, v.SoftFailures())
	require.Equal(t, 1, remote.callCount())
}

func TestVerifyInFlightSkips(t *testing.T) {
	gate := make(chan struct{})
	remote := &scriptedRemote{script: []statusStep{{loggedIn: true}}, gate: gate}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	done := make(chan Result, 1)
	go func() { done <- v.Verify(context.Background()) }()

	// Wait for the first call to park inside CheckStatus.
	require.Eventually(t, func() bool { return v.inFlight.Load() }, time.Second, time.Millisecond)

	// The overlapping call returns immediately; no queuing.
	res := v.Verify(context.Background())
	require.True(t, res.Skipped)

	close(gate)
	first := <-done
	require.True(t, first.OK())
}

func TestVerifyInvalidCredentials(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{loggedIn: true}}}
	v := NewVerifier(remote, func() (string, string, error) { return "bad token", "acme", nil }, fastOpts()...)

	res := v.Verify(context.Background())
	require.Error(t, res.Err)
	require.Equal(t, faults.CategoryValidation, faults.CategoryOf(res.Err))
	require.Zero(t, remote.callCount(), "validation faults must fail before any network call")
}

func TestVerifyCredentialSourceError(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{loggedIn: true}}}
	v := NewVerifier(remote, func() (string, string, error) { return "", "", errors.New("enclave sealed") }, fastOpts()...)

	res := v.Verify(context.Background())
	require.Error(t, res.Err)
	require.Zero(t, remote.callCount())
}

func TestDeactivateDiscardsResults(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{loggedIn: false}}}
	lostFired := false
	v := NewVerifier(remote, testCreds, fastOpts(WithOnLost(func() { lostFired = true }))...)

	v.Deactivate()
	res := v.Verify(context.Background())
	require.True(t, res.Skipped)
	require.Zero(t, remote.callCount())
	require.False(t, lostFired)
}

func TestReset(t *testing.T) {
	remote := &scriptedRemote{script: []statusStep{{loggedIn: false}}}
	v := NewVerifier(remote, testCreds, fastOpts()...)

	v.Verify(context.Background())
	require.Equal(t, StateLost, v.State())

	v.Reset()
	require.Equal(t, StateActive, v.State())
	require.Zero(t, v.SoftFailures())
}
