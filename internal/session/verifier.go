// Package session implements the session verification state machine. The
// verifier's core policy is confirm-before-invalidate: one server response
// claiming the session ended is never trusted on its own, because a transient
// network blip is indistinguishable from a genuine remote logout until it is
// re-probed.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/api"
	"git.home.luguber.info/inful/fieldtrack/internal/faults"
	"git.home.luguber.info/inful/fieldtrack/internal/journal"
	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
	"git.home.luguber.info/inful/fieldtrack/internal/metrics"
	"git.home.luguber.info/inful/fieldtrack/internal/notify"
	"git.home.luguber.info/inful/fieldtrack/internal/retry"
)

// State is the verifier's session status.
type State string

const (
	StateActive State = "active"
	StateLost   State = "lost"
)

// Soft-failure accumulation threshold. Reaching it surfaces a dismissible
// warning and resets the counter; it never forces a state transition.
const softFailureThreshold = 3

// lossConfirmProbes and lossConfirmSchedule drive confirm-before-invalidate:
// two extra probes, 3s then 6s after the initial "not logged in".
const lossConfirmProbes = 2

var lossConfirmSchedule = []time.Duration{3 * time.Second, 6 * time.Second}

// CredentialSource supplies the identity used for remote checks.
type CredentialSource func() (identity, tenant string, err error)

// ConnectivityProbe reports whether the network is nominally up. A nil probe
// means connectivity is assumed.
type ConnectivityProbe func() bool

// Result is the outcome of one Verify call. The verifier absorbs all
// lower-level errors; Err is only set for validation faults, which are fatal
// and returned synchronously.
type Result struct {
	State        State
	Skipped      bool  // a verification was already in flight
	Offline      bool  // connectivity down, remote check skipped
	SoftFailures int   // counter value after this call
	Warned       bool  // this call crossed the soft-failure threshold
	Err          error // validation fault only
}

// OK reports whether a send may proceed on the strength of this result.
func (r Result) OK() bool {
	return r.Err == nil && r.State == StateActive
}

// Verifier is the ACTIVE/LOST state machine.
type Verifier struct {
	remote    api.Remote
	creds     CredentialSource
	online    ConnectivityProbe
	presenter notify.Presenter
	rec       metrics.Recorder
	jrnl      *journal.Journal

	// onLost is invoked exactly once per ACTIVE->LOST transition, after the
	// transition is recorded. The caller owns credential clearing and forced
	// logout.
	onLost func()

	lossSchedule []time.Duration
	authPolicy   retry.Policy

	inFlight atomic.Bool
	active   atomic.Bool

	mu           sync.Mutex
	state        State
	softFailures int
	lastCheck    time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithConnectivity sets the connectivity probe for the offline short-circuit.
func WithConnectivity(p ConnectivityProbe) Option {
	return func(v *Verifier) { v.online = p }
}

// WithPresenter sets the notification presenter.
func WithPresenter(p notify.Presenter) Option {
	return func(v *Verifier) { v.presenter = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(v *Verifier) { v.rec = r }
}

// WithJournal sets the diagnostic journal.
func WithJournal(j *journal.Journal) Option {
	return func(v *Verifier) { v.jrnl = j }
}

// WithOnLost sets the LOST-transition callback.
func WithOnLost(fn func()) Option {
	return func(v *Verifier) { v.onLost = fn }
}

// WithConfirmSchedule overrides the delays between loss-confirmation probes.
func WithConfirmSchedule(schedule []time.Duration) Option {
	return func(v *Verifier) { v.lossSchedule = schedule }
}

// WithAuthPolicy overrides the backoff policy for auth-failure confirmation.
func WithAuthPolicy(p retry.Policy) Option {
	return func(v *Verifier) { v.authPolicy = p }
}

// NewVerifier creates a verifier in the ACTIVE state.
func NewVerifier(remote api.Remote, creds CredentialSource, opts ...Option) *Verifier {
	v := &Verifier{
		remote:       remote,
		creds:        creds,
		presenter:    notify.NoopPresenter{},
		rec:          metrics.NoopRecorder{},
		state:        StateActive,
		lossSchedule: lossConfirmSchedule,
		authPolicy:   retry.AuthConfirmPolicy(),
	}
	v.active.Store(true)
	for _, opt := range opts {
		opt(v)
	}
	v.rec.SetSessionActive(true)
	return v
}

// State returns the current session state.
func (v *Verifier) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// LastCheck returns when a verification last completed.
func (v *Verifier) LastCheck() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastCheck
}

// SoftFailures returns the current soft-failure count.
func (v *Verifier) SoftFailures() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.softFailures
}

// Deactivate stops the verifier from mutating state. In-flight checks run to
// completion but their results are discarded.
func (v *Verifier) Deactivate() {
	v.active.Store(false)
}

// Reset returns the verifier to a fresh ACTIVE state. Used by the logout
// orchestrator's in-process state-reset phase and by tests.
func (v *Verifier) Reset() {
	v.mu.Lock()
	v.state = StateActive
	v.softFailures = 0
	v.lastCheck = time.Time{}
	v.mu.Unlock()
	v.active.Store(true)
	v.rec.SetSessionActive(true)
}

// Verify performs one verification pass. If a verification is already in
// flight the call returns immediately with Skipped set; there is no queuing.
func (v *Verifier) Verify(ctx context.Context) Result {
	if !v.active.Load() {
		return Result{State: v.State(), Skipped: true}
	}
	if !v.inFlight.CompareAndSwap(false, true) {
		return Result{State: v.State(), Skipped: true}
	}
	defer v.inFlight.Store(false)

	// Offline short-circuit: not a failure, resets the soft counter.
	if v.online != nil && !v.online() {
		v.mu.Lock()
		v.softFailures = 0
		v.lastCheck = time.Now()
		state := v.state
		v.mu.Unlock()
		v.rec.IncVerification("offline")
		return Result{State: state, Offline: true}
	}

	identity, tenant, err := v.creds()
	if err != nil {
		return Result{State: v.State(), Err: faults.Wrap(faults.CategoryValidation, "load credentials", err)}
	}
	if err := api.ValidateIdentity(identity, tenant); err != nil {
		return Result{State: v.State(), Err: err}
	}

	loggedIn, err := v.remote.CheckStatus(ctx, identity, tenant)

	if !v.active.Load() {
		// Torn down while the check was in flight; discard the result.
		return Result{State: v.State(), Skipped: true}
	}

	switch {
	case err == nil && loggedIn:
		return v.recordHealthy()

	case err == nil && !loggedIn:
		return v.confirmLoss(ctx, identity, tenant)

	case faults.IsAuth(err):
		return v.confirmAuthFailure(ctx, identity, tenant)

	case faults.CategoryOf(err) == faults.CategoryValidation:
		return Result{State: v.State(), Err: err}

	default:
		// Timeout, connection failure, 5xx: transient by definition.
		return v.recordSoftFailure(err)
	}
}

// recordHealthy clears the soft counter and stamps the check time.
func (v *Verifier) recordHealthy() Result {
	v.mu.Lock()
	v.softFailures = 0
	v.lastCheck = time.Now()
	state := v.state
	v.mu.Unlock()
	v.rec.IncVerification("active")
	return Result{State: state}
}

// confirmLoss runs the confirm-before-invalidate protocol after an initial
// "not logged in" response.
func (v *Verifier) confirmLoss(ctx context.Context, identity, tenant string) Result {
	slog.Warn("Server reports session not logged in, confirming before invalidating",
		logfields.Tenant(tenant))

	outcome := retry.Confirm(ctx, lossConfirmProbes, v.lossSchedule, func(ctx context.Context) retry.Verdict {
		loggedIn, err := v.remote.CheckStatus(ctx, identity, tenant)
		switch {
		case err == nil && loggedIn:
			return retry.VerdictRefuted
		case err == nil && !loggedIn:
			return retry.VerdictConfirmed
		case faults.IsAuth(err):
			return retry.VerdictConfirmed
		default:
			// A non-authentication error means the apparent loss is
			// discarded as transient.
			return retry.VerdictRefuted
		}
	})

	if !v.active.Load() {
		return Result{State: v.State(), Skipped: true}
	}

	if outcome.Verdict != retry.VerdictConfirmed {
		slog.Info("Session loss not confirmed, keeping session active",
			logfields.Attempt(outcome.Attempts))
		return v.recordHealthy()
	}
	return v.transitionToLost("loss_confirmed")
}

// confirmAuthFailure confirms a suspected authentication failure with up to 3
// retries at exponential backoff (2s, 4s, 8s) before accepting it as genuine.
func (v *Verifier) confirmAuthFailure(ctx context.Context, identity, tenant string) Result {
	slog.Warn("Authentication failure reported, retrying before accepting",
		logfields.Tenant(tenant))

	outcome := retry.ConfirmWithPolicy(ctx, v.authPolicy, func(ctx context.Context) retry.Verdict {
		loggedIn, err := v.remote.CheckStatus(ctx, identity, tenant)
		switch {
		case err == nil && loggedIn:
			return retry.VerdictRefuted
		case err == nil && !loggedIn:
			return retry.VerdictConfirmed
		case faults.IsAuth(err):
			return retry.VerdictConfirmed
		default:
			return retry.VerdictInconclusive
		}
	})

	if !v.active.Load() {
		return Result{State: v.State(), Skipped: true}
	}

	switch outcome.Verdict {
	case retry.VerdictConfirmed:
		return v.transitionToLost("auth_confirmed")
	case retry.VerdictRefuted:
		return v.recordHealthy()
	default:
		return v.recordSoftFailure(faults.New(faults.CategoryTransient, "authentication confirmation inconclusive"))
	}
}

// recordSoftFailure accumulates a transient failure and surfaces a warning at
// the threshold. Never transitions state.
func (v *Verifier) recordSoftFailure(cause error) Result {
	v.mu.Lock()
	v.softFailures++
	v.lastCheck = time.Now()
	count := v.softFailures
	state := v.state
	warned := count >= softFailureThreshold
	if warned {
		v.softFailures = 0
	}
	v.mu.Unlock()

	v.rec.IncSoftFailure()
	v.rec.IncVerification("inconclusive")
	slog.Debug("Session verification soft failure",
		"count", count, logfields.Error(cause))

	if warned {
		v.presenter.Show(notify.Event{
			Kind:    notify.KindSyncDegraded,
			Message: "Telemetry sync is degraded; will keep retrying",
		})
		if v.jrnl != nil {
			_ = v.jrnl.Append(context.Background(), journal.EventSoftWarning, map[string]any{
				"failures": count,
			})
		}
	}
	return Result{State: state, SoftFailures: count % softFailureThreshold, Warned: warned}
}

// transitionToLost moves ACTIVE->LOST, records it and fires onLost once.
func (v *Verifier) transitionToLost(reason string) Result {
	v.mu.Lock()
	already := v.state == StateLost
	v.state = StateLost
	v.softFailures = 0
	v.lastCheck = time.Now()
	v.mu.Unlock()

	if already {
		return Result{State: StateLost}
	}

	slog.Warn("Session confirmed lost", "reason", reason)
	v.rec.IncVerification("lost")
	v.rec.SetSessionActive(false)

	if v.jrnl != nil {
		_ = v.jrnl.Append(context.Background(), journal.EventSessionTransition, map[string]any{
			"state":  string(StateLost),
			"reason": reason,
		})
	}
	v.presenter.Show(notify.Event{
		Kind:     notify.KindSessionTerminated,
		Message:  "Your session has ended on the server",
		Blocking: true,
	})
	if v.onLost != nil {
		v.onLost()
	}
	return Result{State: StateLost}
}
