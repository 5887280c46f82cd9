// Package syncengine decides whether and when to transmit telemetry. Unlike
// the task scheduler's fixed-period channels, the engine runs a
// self-rescheduling one-shot timer: each tick reschedules itself with the
// interval computed from the latest movement classification, so the cadence
// follows the device. Sends are strictly sequential; the next attempt is
// never scheduled until the prior one resolves.
package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/api"
	"git.home.luguber.info/inful/fieldtrack/internal/journal"
	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
	"git.home.luguber.info/inful/fieldtrack/internal/metrics"
	"git.home.luguber.info/inful/fieldtrack/internal/session"
	"git.home.luguber.info/inful/fieldtrack/internal/telemetry"
)

// SendResult reports one sync attempt. Network errors are absorbed into the
// result; nothing raised by a send ever stops the reschedule loop.
type SendResult struct {
	Sent    bool
	Skipped bool
	Reason  string
	Err     error
}

// Engine is the adaptive sync engine.
type Engine struct {
	provider  telemetry.Provider
	remote    api.Remote
	verifier  *session.Verifier
	creds     session.CredentialSource
	rec       metrics.Recorder
	jrnl      *journal.Journal
	intervals Intervals
	maxAge    time.Duration

	active atomic.Bool

	// sendMu keeps sends strictly sequential even when a forced sync (from
	// the location-monitor channel) overlaps the timer loop.
	sendMu sync.Mutex

	mu      sync.Mutex
	state   SyncState
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithJournal sets the diagnostic journal.
func WithJournal(j *journal.Journal) Option {
	return func(e *Engine) { e.jrnl = j }
}

// WithIntervals overrides the default cadences.
func WithIntervals(iv Intervals) Option {
	return func(e *Engine) { e.intervals = iv }
}

// WithMaxSendAge overrides the silence bound that forces a send.
func WithMaxSendAge(d time.Duration) Option {
	return func(e *Engine) { e.maxAge = d }
}

// New creates an engine. Call Start to begin the reschedule loop.
func New(provider telemetry.Provider, remote api.Remote, verifier *session.Verifier, creds session.CredentialSource, opts ...Option) *Engine {
	e := &Engine{
		provider:  provider,
		remote:    remote,
		verifier:  verifier,
		creds:     creds,
		rec:       metrics.NoopRecorder{},
		intervals: DefaultIntervals(),
		maxAge:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.Interval = e.intervals.Stationary
	e.state.Movement = telemetry.TierStationary
	return e
}

// State returns a copy of the current sync state.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start launches the self-rescheduling loop; the first tick fires after the
// current interval. A second call is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.active.Store(true)
	e.timer = time.AfterFunc(e.state.Interval, e.tick)
	slog.Info("Adaptive sync engine started", logfields.Interval(e.state.Interval))
}

// Stop cancels the reschedule loop. Cooperative: a send in flight runs to
// completion but its result is discarded before mutating SyncState.
func (e *Engine) Stop() {
	e.active.Store(false)
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.started = false
	e.mu.Unlock()
	slog.Info("Adaptive sync engine stopped")
}

// Reset clears the sync state back to startup defaults. Used by the logout
// orchestrator's state-reset phase; the engine must be stopped first.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = SyncState{
		Interval: e.intervals.Stationary,
		Movement: telemetry.TierStationary,
	}
}

// tick performs one sync pass and reschedules itself with the freshly
// computed interval. The reschedule happens strictly after the pass
// resolves, keeping sends sequential.
func (e *Engine) tick() {
	if !e.active.Load() {
		return
	}

	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	res := e.SyncOnce(ctx)
	if res.Err != nil {
		slog.Debug("Sync pass failed", "reason", res.Reason, logfields.Error(res.Err))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active.Load() || !e.started {
		return
	}
	e.timer = time.AfterFunc(e.state.Interval, e.tick)
}

// SyncOnce executes a single send sequence: obtain a reading, consult the
// verifier, apply the smart filter, transmit and, only on confirmed success,
// update SyncState and recompute the interval.
func (e *Engine) SyncOnce(ctx context.Context) SendResult {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if !e.active.Load() {
		return SendResult{Skipped: true, Reason: "engine_stopped"}
	}

	reading, err := e.provider.CurrentReading(ctx)
	if err != nil {
		e.rec.IncSend(metrics.SendSkipped)
		return SendResult{Skipped: true, Reason: "no_reading", Err: err}
	}

	vres := e.verifier.Verify(ctx)
	if vres.Err != nil {
		e.rec.IncSend(metrics.SendBlocked)
		return SendResult{Reason: "verification_error", Err: vres.Err}
	}
	if vres.State != session.StateActive {
		e.rec.IncSend(metrics.SendBlocked)
		return SendResult{Reason: "session_" + string(vres.State)}
	}

	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	send, reason := ShouldSend(state, reading, time.Now(), e.maxAge)
	if !send {
		e.rec.IncSend(metrics.SendSkipped)
		return SendResult{Skipped: true, Reason: reason}
	}

	identity, tenant, err := e.creds()
	if err != nil {
		e.rec.IncSend(metrics.SendFailed)
		return SendResult{Reason: "credentials", Err: err}
	}

	payload := telemetry.BuildPayload(reading)
	started := time.Now()
	if err := e.remote.TransmitTelemetry(ctx, identity, tenant, payload); err != nil {
		// SyncState stays untouched; the last computed interval is retained.
		e.rec.IncSend(metrics.SendFailed)
		return SendResult{Reason: reason, Err: err}
	}
	sendDuration := time.Since(started)

	if !e.active.Load() {
		// Torn down mid-send; the transmission succeeded but this instance
		// no longer owns the state.
		return SendResult{Sent: true, Reason: reason}
	}

	tier := payload.MovementTier
	interval := e.intervals.For(tier)

	e.mu.Lock()
	e.state = SyncState{
		LastPosition: payload.Position,
		LastPower:    payload.PowerLevel,
		LastSignal:   payload.SignalTier,
		LastSentAt:   time.Now(),
		Interval:     interval,
		Movement:     tier,
		HasSent:      true,
	}
	e.mu.Unlock()

	e.rec.IncSend(metrics.SendSuccess)
	e.rec.ObserveSendDuration(sendDuration)
	slog.Debug("Telemetry transmitted",
		logfields.Movement(string(tier)),
		logfields.Interval(interval),
		"reason", reason)

	if e.jrnl != nil {
		_ = e.jrnl.Append(ctx, journal.EventTelemetrySent, map[string]any{
			"movement": string(tier),
			"reason":   reason,
			"power":    payload.PowerLevel,
			"signal":   payload.SignalTier,
		})
	}
	return SendResult{Sent: true, Reason: reason}
}
