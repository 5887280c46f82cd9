// Package guard detects and terminates a coordinator instance that should
// have stopped but is still running: the user logged out, switched identity
// on a newer instance, or the device was disabled while this instance kept
// transmitting. It is the principal defense against the duplicate-session
// race where a new login begins before an older instance has fully stopped.
package guard

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/journal"
	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
	"git.home.luguber.info/inful/fieldtrack/internal/metrics"
	"git.home.luguber.info/inful/fieldtrack/internal/store"
)

// DefaultDisableExpiry is the window after which a persisted permanent-disable
// flag auto-expires. Tunable; not load-bearing.
const DefaultDisableExpiry = 10 * time.Minute

// Reason describes what tripped the guard.
type Reason string

const (
	ReasonIdentityChanged   Reason = "identity_changed"
	ReasonNewerLogout       Reason = "newer_logout"
	ReasonCredentialsAbsent Reason = "credentials_absent"
	ReasonPermanentDisable  Reason = "permanent_disable"
)

// IdentitySnapshot is the identity this instance was started under. Captured
// once at guard construction and never mutated.
type IdentitySnapshot struct {
	IdentityToken string
	TenantCode    string
	LogoutEpoch   int64 // unix millis at capture time
}

// Probe is a lightweight best-effort network call made on each tick purely to
// keep the transport warm. Its outcome is ignored.
type Probe func(ctx context.Context)

// TeardownFunc performs full self-teardown of this instance: stopping every
// scheduled task it owns. Invoked at most once.
type TeardownFunc func(reason Reason)

// Guard compares persisted device state against its startup snapshot.
type Guard struct {
	snapshot      IdentitySnapshot
	devices       *store.DeviceStore
	probe         Probe
	teardown      TeardownFunc
	disableExpiry time.Duration
	rec           metrics.Recorder
	jrnl          *journal.Journal

	tripped atomic.Bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithProbe sets the keep-warm network probe.
func WithProbe(p Probe) Option {
	return func(g *Guard) { g.probe = p }
}

// WithDisableExpiry overrides the permanent-disable auto-expiry window.
func WithDisableExpiry(d time.Duration) Option {
	return func(g *Guard) { g.disableExpiry = d }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(g *Guard) { g.rec = r }
}

// WithJournal sets the diagnostic journal.
func WithJournal(j *journal.Journal) Option {
	return func(g *Guard) { g.jrnl = j }
}

// New captures the identity snapshot from the device store and returns the
// guard. teardown is mandatory; a guard that cannot tear anything down is a
// defect, not a configuration.
func New(devices *store.DeviceStore, teardown TeardownFunc, opts ...Option) (*Guard, error) {
	snap, err := devices.Snapshot()
	if err != nil {
		return nil, err
	}

	g := &Guard{
		snapshot: IdentitySnapshot{
			IdentityToken: snap.IdentityToken,
			TenantCode:    snap.TenantCode,
			LogoutEpoch:   snap.LogoutEpoch,
		},
		devices:       devices,
		teardown:      teardown,
		disableExpiry: DefaultDisableExpiry,
		rec:           metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Snapshot returns the captured startup identity.
func (g *Guard) Snapshot() IdentitySnapshot { return g.snapshot }

// Tripped reports whether the guard already fired.
func (g *Guard) Tripped() bool { return g.tripped.Load() }

// Check runs one guard tick: probe the transport, read persisted state and
// compare it against the snapshot. Designed to be subscribed to a scheduler
// channel; it never panics and never blocks beyond the probe timeout.
func (g *Guard) Check(ctx context.Context) {
	if g.tripped.Load() {
		return
	}

	if g.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		g.probe(probeCtx)
		cancel()
	}

	snap, err := g.devices.Snapshot()
	if err != nil {
		// Best effort: an unreadable store is not evidence of a stale
		// instance.
		slog.Warn("Guard could not read device state", logfields.Error(err))
		return
	}

	if reason, trip := g.evaluate(snap, time.Now()); trip {
		g.trip(reason)
	}
}

// evaluate applies the trigger rules to a persisted snapshot. Split out for
// tests; it has no side effects besides the disable-flag expiry write.
func (g *Guard) evaluate(snap store.Snapshot, now time.Time) (Reason, bool) {
	if snap.PermanentDisable {
		if g.disableExpiry > 0 && snap.DisableEpoch > 0 &&
			now.Sub(time.UnixMilli(snap.DisableEpoch)) > g.disableExpiry {
			slog.Info("Permanent-disable flag expired, clearing")
			if err := g.devices.SetPermanentDisable(false, now); err != nil {
				slog.Warn("Failed to clear expired disable flag", logfields.Error(err))
			}
		} else {
			return ReasonPermanentDisable, true
		}
	}

	if !snap.HasCredentials() {
		return ReasonCredentialsAbsent, true
	}
	if snap.IdentityToken != g.snapshot.IdentityToken || snap.TenantCode != g.snapshot.TenantCode {
		return ReasonIdentityChanged, true
	}
	if snap.LogoutEpoch > g.snapshot.LogoutEpoch {
		return ReasonNewerLogout, true
	}
	return "", false
}

// trip fires the teardown exactly once. The teardown callback is isolated so
// a panic inside it cannot escape into the scheduler channel.
func (g *Guard) trip(reason Reason) {
	if !g.tripped.CompareAndSwap(false, true) {
		return
	}

	slog.Warn("Stale-instance guard tripped, tearing down this instance",
		"reason", string(reason),
		logfields.Tenant(g.snapshot.TenantCode))
	g.rec.IncGuardTeardown(string(reason))

	if g.jrnl != nil {
		_ = g.jrnl.Append(context.Background(), journal.EventGuardTeardown, map[string]any{
			"reason": string(reason),
		})
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Guard teardown panicked", "panic", r)
		}
	}()
	g.teardown(reason)
}
