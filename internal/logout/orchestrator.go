// Package logout implements the five-phase idempotent teardown. Phases run
// in a fixed order through one generic runner; each phase declares whether
// its failure is fatal (abort remaining phases) or a warning (record and
// continue). The emergency path runs only the fatal-critical subset for
// situations where full cleanup cannot be guaranteed.
package logout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/api"
	"git.home.luguber.info/inful/fieldtrack/internal/credstore"
	"git.home.luguber.info/inful/fieldtrack/internal/faults"
	"git.home.luguber.info/inful/fieldtrack/internal/journal"
	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
	"git.home.luguber.info/inful/fieldtrack/internal/metrics"
	"git.home.luguber.info/inful/fieldtrack/internal/store"
)

// Phase names, in execution order.
const (
	PhaseNotifyServer     = "notify-server"
	PhaseStopSchedulers   = "stop-schedulers"
	PhasePurgeCredentials = "purge-credentials"
	PhaseResetState       = "reset-state"
	PhaseSignalNavigation = "signal-navigation"
)

// ErrInProgress is returned when a logout is already running.
var ErrInProgress = errors.New("logout already in progress")

// Scheduler is the slice of the task scheduler the orchestrator needs.
type Scheduler interface {
	Dispose() error
	ActiveChannels() int
}

// Engine is the slice of the sync engine the orchestrator needs.
type Engine interface {
	Stop()
	Reset()
}

// Verifier is the slice of the session verifier the orchestrator needs.
type Verifier interface {
	Deactivate()
	Reset()
}

// Result is the outcome of one logout invocation. Created fresh per call,
// returned to the caller, never persisted.
type Result struct {
	OK        bool
	Duration  time.Duration
	Warnings  []string
	Errors    []string
	Emergency bool
	Phases    []PhaseOutcome
}

// PhaseOutcome records one phase's result.
type PhaseOutcome struct {
	Name    string
	OK      bool
	Fatal   bool
	Skipped bool
	Err     string
}

// Report is the read-only completeness check for callers and tests.
type Report struct {
	SchedulersStopped  bool
	CredentialsCleared bool
	StorePurged        bool
	Complete           bool
}

// phase is one teardown step for the generic runner.
type phase struct {
	name  string
	fatal bool
	run   func(ctx context.Context) error
}

// Orchestrator coordinates teardown across the coordinator's components.
type Orchestrator struct {
	remote    api.Remote
	creds     *credstore.SecureStore
	devices   *store.DeviceStore
	scheduler Scheduler
	engine    Engine
	verifier  Verifier
	navSignal func()
	rec       metrics.Recorder
	jrnl      *journal.Journal

	notifyTimeout time.Duration
	inFlight      atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifyTimeout bounds the server-notification phase.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.notifyTimeout = d }
}

// WithNavSignal sets the navigation-readiness callback: it tells the caller
// teardown completed and the unauthenticated entry point may be presented.
func WithNavSignal(fn func()) Option {
	return func(o *Orchestrator) { o.navSignal = fn }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

// WithJournal sets the diagnostic journal.
func WithJournal(j *journal.Journal) Option {
	return func(o *Orchestrator) { o.jrnl = j }
}

// New creates an orchestrator.
func New(remote api.Remote, creds *credstore.SecureStore, devices *store.DeviceStore,
	sched Scheduler, engine Engine, verifier Verifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		remote:        remote,
		creds:         creds,
		devices:       devices,
		scheduler:     sched,
		engine:        engine,
		verifier:      verifier,
		rec:           metrics.NoopRecorder{},
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PerformCompleteLogout runs all five phases. A second invocation while one
// is running returns ErrInProgress without executing anything; each phase is
// individually re-runnable, so a later retry after a failed run is safe.
func (o *Orchestrator) PerformCompleteLogout(ctx context.Context) (Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrInProgress
	}
	defer o.inFlight.Store(false)

	return o.run(ctx, o.allPhases(), false), nil
}

// EmergencyLogout runs only the fatal-critical subset (scheduler cleanup and
// credential purge), for teardowns where full cleanup cannot be guaranteed,
// e.g. a confirmed-lost session.
func (o *Orchestrator) EmergencyLogout(ctx context.Context) (Result, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrInProgress
	}
	defer o.inFlight.Store(false)

	phases := []phase{
		{name: PhaseStopSchedulers, fatal: true, run: o.stopSchedulers},
		{name: PhasePurgeCredentials, fatal: true, run: o.purgeCredentials},
	}
	return o.run(ctx, phases, true), nil
}

func (o *Orchestrator) allPhases() []phase {
	return []phase{
		{name: PhaseNotifyServer, fatal: false, run: o.notifyServer},
		{name: PhaseStopSchedulers, fatal: true, run: o.stopSchedulers},
		{name: PhasePurgeCredentials, fatal: true, run: o.purgeCredentials},
		{name: PhaseResetState, fatal: true, run: o.resetState},
		{name: PhaseSignalNavigation, fatal: false, run: o.signalNavigation},
	}
}

// run executes phases in order, aggregating outcomes. A fatal phase failure
// halts execution; non-fatal failures are recorded as warnings and the run
// continues. Panics inside a phase are converted to cleanup faults.
func (o *Orchestrator) run(ctx context.Context, phases []phase, emergency bool) Result {
	started := time.Now()
	res := Result{OK: true, Emergency: emergency}

	aborted := false
	for _, p := range phases {
		if aborted {
			res.Phases = append(res.Phases, PhaseOutcome{Name: p.name, Fatal: p.fatal, Skipped: true})
			continue
		}

		err := o.runPhase(ctx, p)
		outcome := PhaseOutcome{Name: p.name, OK: err == nil, Fatal: p.fatal}
		if err != nil {
			outcome.Err = err.Error()
			if p.fatal {
				res.OK = false
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.name, err))
				aborted = true
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", p.name, err))
			}
		}
		res.Phases = append(res.Phases, outcome)
		o.rec.IncLogoutPhase(p.name, err == nil)
	}

	res.Duration = time.Since(started)
	slog.Info("Logout finished",
		"ok", res.OK,
		"emergency", emergency,
		"warnings", len(res.Warnings),
		"errors", len(res.Errors),
		logfields.DurationMS(res.Duration))

	if o.jrnl != nil {
		_ = o.jrnl.Append(context.Background(), journal.EventLogoutCompleted, map[string]any{
			"ok":        res.OK,
			"emergency": emergency,
			"warnings":  res.Warnings,
			"errors":    res.Errors,
		})
	}
	return res
}

func (o *Orchestrator) runPhase(ctx context.Context, p phase) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = faults.New(faults.CategoryCleanup, fmt.Sprintf("phase %s panicked: %v", p.name, r))
		}
	}()
	slog.Debug("Running logout phase", logfields.Phase(p.name))
	return p.run(ctx)
}

// notifyServer tells the remote service the session is ending. Bounded by
// the notify timeout; failure is a warning, never a halt.
func (o *Orchestrator) notifyServer(ctx context.Context) error {
	identity, err := o.creds.Get(credstore.FieldIdentityToken)
	if err != nil {
		return faults.Wrap(faults.CategoryCleanup, "read identity", err)
	}
	tenant, err := o.creds.Get(credstore.FieldTenantCode)
	if err != nil {
		return faults.Wrap(faults.CategoryCleanup, "read tenant", err)
	}
	if identity == "" || tenant == "" {
		// Nothing to notify with; the purge phases still run.
		return faults.New(faults.CategoryCleanup, "no credentials available for server notification").WithSeverity(faults.SeverityWarning)
	}

	ctx, cancel := context.WithTimeout(ctx, o.notifyTimeout)
	defer cancel()
	if err := o.remote.Logout(ctx, identity, tenant, true); err != nil {
		return faults.Wrap(faults.CategoryCleanup, "server logout", err)
	}
	return nil
}

// stopSchedulers stops every channel and self-rescheduling timer owned by
// this coordinator. Fatal: leaving schedulers running reintroduces the
// stale-instance problem.
func (o *Orchestrator) stopSchedulers(ctx context.Context) error {
	o.engine.Stop()
	o.verifier.Deactivate()
	if err := o.scheduler.Dispose(); err != nil {
		return faults.Wrap(faults.CategoryCleanup, "dispose scheduler", err)
	}
	return nil
}

// purgeCredentials clears the secure store and the persisted device state,
// then stamps the logout epoch so other instances can see this logout.
func (o *Orchestrator) purgeCredentials(ctx context.Context) error {
	o.creds.ClearAll()
	if err := o.devices.Purge(); err != nil {
		return faults.Wrap(faults.CategoryCleanup, "purge device store", err)
	}
	if err := o.devices.MarkLogout(time.Now()); err != nil {
		return faults.Wrap(faults.CategoryCleanup, "record logout epoch", err)
	}
	return nil
}

// resetState clears in-process state so a following login starts clean.
func (o *Orchestrator) resetState(ctx context.Context) error {
	o.engine.Reset()
	o.verifier.Reset()
	return nil
}

// signalNavigation informs the caller teardown completed.
func (o *Orchestrator) signalNavigation(ctx context.Context) error {
	if o.navSignal != nil {
		o.navSignal()
	}
	return nil
}

// VerifyComplete is a read-only completeness check: no active schedulers,
// empty credential store, purged device state.
func (o *Orchestrator) VerifyComplete(ctx context.Context) (Report, error) {
	rep := Report{
		SchedulersStopped:  o.scheduler.ActiveChannels() == 0,
		CredentialsCleared: o.creds.Empty(),
	}
	empty, err := o.devices.Empty()
	if err != nil {
		return rep, fmt.Errorf("check device store: %w", err)
	}
	rep.StorePurged = empty
	rep.Complete = rep.SchedulersStopped && rep.CredentialsCleared && rep.StorePurged
	return rep, nil
}
