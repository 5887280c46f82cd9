// Package coordinator wires the telemetry sync components into one runnable
// instance: scheduler channels, the adaptive sync engine, the session
// verifier, the stale-instance guard and the logout orchestrator. All mutable
// session/sync state is owned by the components this struct constructs and
// injects; there are no package-level singletons, so tests can run multiple
// independent coordinators.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/fieldtrack/internal/api"
	"git.home.luguber.info/inful/fieldtrack/internal/config"
	"git.home.luguber.info/inful/fieldtrack/internal/credstore"
	"git.home.luguber.info/inful/fieldtrack/internal/guard"
	"git.home.luguber.info/inful/fieldtrack/internal/journal"
	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
	"git.home.luguber.info/inful/fieldtrack/internal/logout"
	"git.home.luguber.info/inful/fieldtrack/internal/metrics"
	"git.home.luguber.info/inful/fieldtrack/internal/notify"
	"git.home.luguber.info/inful/fieldtrack/internal/scheduler"
	"git.home.luguber.info/inful/fieldtrack/internal/session"
	"git.home.luguber.info/inful/fieldtrack/internal/store"
	"git.home.luguber.info/inful/fieldtrack/internal/syncengine"
	"git.home.luguber.info/inful/fieldtrack/internal/telemetry"
)

// Status represents the coordinator lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// ChannelZombieGuard is the extra scheduler channel driving the
// stale-instance guard.
const ChannelZombieGuard = "zombie-guard"

// Coordinator is one running instance of the telemetry sync core.
type Coordinator struct {
	cfg        *config.Config
	configPath string
	instanceID string
	startTime  time.Time

	sched        *scheduler.Scheduler
	devices      *store.DeviceStore
	creds        *credstore.SecureStore
	remote       api.Remote
	feed         *telemetry.Feed
	verifier     *session.Verifier
	engine       *syncengine.Engine
	zombieGuard  *guard.Guard
	orchestrator *logout.Orchestrator
	jrnl         *journal.Journal
	presenter    notify.Presenter
	rec          metrics.Recorder
	registry     *prom.Registry
	watcher      *config.Watcher
	httpServer   *debugServer

	remoteHost string // host:port for connectivity probing
	online     atomic.Bool
	status     atomic.Value // Status
	navReady   chan struct{}
	stopChan   chan struct{}
	stopped    atomic.Bool
}

// New constructs a coordinator from configuration. configPath enables config
// hot reload; pass "" to disable.
func New(cfg *config.Config, configPath string) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	c := &Coordinator{
		cfg:        cfg,
		configPath: configPath,
		instanceID: uuid.NewString(),
		presenter:  notify.NoopPresenter{},
		rec:        metrics.NoopRecorder{},
		navReady:   make(chan struct{}),
		stopChan:   make(chan struct{}),
	}
	c.status.Store(StatusStopped)
	c.online.Store(true)

	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid remote base URL %q", cfg.Remote.BaseURL)
	}
	c.remoteHost = u.Host
	if u.Port() == "" {
		if u.Scheme == "http" {
			c.remoteHost += ":80"
		} else {
			c.remoteHost += ":443"
		}
	}

	if cfg.Metrics.Enabled {
		c.registry = prom.NewRegistry()
		c.rec = metrics.NewPrometheusRecorder(c.registry)
	}

	if cfg.Notify.Enabled {
		presenter, err := notify.NewNATSPresenter(cfg.Notify.URL, cfg.Notify.Subject)
		if err != nil {
			return nil, fmt.Errorf("create notification presenter: %w", err)
		}
		c.presenter = presenter
	}

	c.devices, err = store.Open(store.Options{Path: filepath.Join(cfg.Storage.DataDir, "device")})
	if err != nil {
		return nil, err
	}

	journalPath := cfg.Storage.JournalPath
	if journalPath == "" {
		journalPath = filepath.Join(cfg.Storage.DataDir, "journal.db")
	}
	c.jrnl, err = journal.Open(journalPath)
	if err != nil {
		return nil, err
	}

	client, err := api.NewClient(api.Config{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.RequestTimeout,
		RatePerSecond:  cfg.Remote.RatePerSecond,
		RateBurst:      cfg.Remote.RateBurst,
	})
	if err != nil {
		return nil, err
	}
	c.remote = client

	c.creds = credstore.New()
	if token, tenant, err := c.devices.Identity(); err == nil && token != "" {
		c.creds.Set(credstore.FieldIdentityToken, token)
		c.creds.Set(credstore.FieldTenantCode, tenant)
	}

	specs := []scheduler.ChannelSpec{
		{Name: scheduler.ChannelSessionCheck, Period: cfg.Channels.SessionCheck},
		{Name: scheduler.ChannelHeartbeat, Period: cfg.Channels.Heartbeat},
		{Name: scheduler.ChannelWatchdog, Period: cfg.Channels.Watchdog},
		{Name: scheduler.ChannelConnectivityPoll, Period: cfg.Channels.ConnectivityPoll},
		{Name: scheduler.ChannelLocationMonitor, Period: cfg.Channels.LocationMonitor},
		{Name: ChannelZombieGuard, Period: cfg.Guard.Interval},
	}
	c.sched, err = scheduler.New(specs)
	if err != nil {
		return nil, err
	}

	c.feed = telemetry.NewFeed(cfg.Telemetry.FeedURL)

	credSource := func() (string, string, error) {
		identity, err := c.creds.Get(credstore.FieldIdentityToken)
		if err != nil {
			return "", "", err
		}
		tenant, err := c.creds.Get(credstore.FieldTenantCode)
		if err != nil {
			return "", "", err
		}
		return identity, tenant, nil
	}

	c.verifier = session.NewVerifier(c.remote, credSource,
		session.WithConnectivity(c.online.Load),
		session.WithPresenter(c.presenter),
		session.WithRecorder(c.rec),
		session.WithJournal(c.jrnl),
		session.WithOnLost(c.onSessionLost),
	)

	c.engine = syncengine.New(c.feed, c.remote, c.verifier, credSource,
		syncengine.WithRecorder(c.rec),
		syncengine.WithJournal(c.jrnl),
		syncengine.WithIntervals(syncengine.Intervals{
			Stationary: cfg.Sync.StationaryInterval,
			Moving:     cfg.Sync.MovingInterval,
			Fast:       cfg.Sync.FastInterval,
		}),
		syncengine.WithMaxSendAge(cfg.Sync.MaxSendAge),
	)

	c.orchestrator = logout.New(c.remote, c.creds, c.devices, c.sched, c.engine, c.verifier,
		logout.WithNotifyTimeout(cfg.Remote.LogoutTimeout),
		logout.WithNavSignal(c.signalNavReady),
		logout.WithRecorder(c.rec),
		logout.WithJournal(c.jrnl),
	)

	c.zombieGuard, err = guard.New(c.devices, c.onGuardTripped,
		guard.WithProbe(c.keepWarmProbe),
		guard.WithDisableExpiry(cfg.Guard.DisableExpiry),
		guard.WithRecorder(c.rec),
		guard.WithJournal(c.jrnl),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Status returns the lifecycle state.
func (c *Coordinator) Status() Status {
	return c.status.Load().(Status)
}

// InstanceID returns this coordinator's unique ID.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Orchestrator exposes the logout orchestrator for callers (CLI, UI bridge).
func (c *Coordinator) Orchestrator() *logout.Orchestrator { return c.orchestrator }

// NavReady is closed when teardown completes and the unauthenticated entry
// point may be presented.
func (c *Coordinator) NavReady() <-chan struct{} { return c.navReady }

// Login establishes a session and persists the identity for this device.
func (c *Coordinator) Login(ctx context.Context, identity, tenant string) error {
	if err := api.ValidateIdentity(identity, tenant); err != nil {
		return err
	}
	if err := c.remote.Login(ctx, identity, tenant); err != nil {
		return err
	}
	if err := c.devices.SetIdentity(identity, tenant); err != nil {
		return err
	}
	c.creds.Set(credstore.FieldIdentityToken, identity)
	c.creds.Set(credstore.FieldTenantCode, tenant)
	slog.Info("Logged in", logfields.Tenant(tenant), logfields.Instance(c.instanceID))
	return nil
}

// Start brings the coordinator up: telemetry feed, scheduler channels, sync
// engine, debug server and config watcher. It returns once everything is
// running.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.creds.Has(credstore.FieldIdentityToken) {
		return fmt.Errorf("no session credentials; log in first")
	}

	c.status.Store(StatusStarting)
	slog.Info("Starting coordinator",
		logfields.Instance(c.instanceID),
		logfields.Tenant(c.zombieGuard.Snapshot().TenantCode))
	c.startTime = time.Now()

	c.feed.Start(ctx)

	if err := c.sched.Initialize(ctx); err != nil {
		return err
	}
	if err := c.subscribeChannels(); err != nil {
		return err
	}

	c.engine.Start(ctx)

	if c.cfg.Metrics.Enabled {
		c.httpServer = newDebugServer(c)
		c.httpServer.Start(ctx)
	}

	if c.configPath != "" {
		w, err := config.NewWatcher(c.configPath, c.applyConfig)
		if err != nil {
			slog.Warn("Config watcher unavailable", logfields.Error(err))
		} else if err := w.Start(ctx); err != nil {
			slog.Warn("Config watcher failed to start", logfields.Error(err))
		} else {
			c.watcher = w
		}
	}

	c.status.Store(StatusRunning)
	slog.Info("Coordinator running", logfields.Instance(c.instanceID))
	return nil
}

func (c *Coordinator) subscribeChannels() error {
	subs := []struct {
		channel string
		cb      scheduler.Callback
	}{
		{scheduler.ChannelSessionCheck, func(ctx context.Context) { c.verifier.Verify(ctx) }},
		{scheduler.ChannelHeartbeat, c.heartbeat},
		{scheduler.ChannelWatchdog, c.watchdog},
		{scheduler.ChannelConnectivityPoll, c.pollConnectivity},
		{scheduler.ChannelLocationMonitor, c.monitorLocation},
		{ChannelZombieGuard, c.zombieGuard.Check},
	}
	for _, s := range subs {
		if _, err := c.sched.OnChannel(s.channel, s.cb); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.channel, err)
		}
	}
	return nil
}

// Stop shuts this instance down without logging the user out. The persisted
// identity survives; a later instance resumes the session.
func (c *Coordinator) Stop(ctx context.Context) error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	c.status.Store(StatusStopping)
	slog.Info("Stopping coordinator", logfields.Instance(c.instanceID))

	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.engine.Stop()
	c.verifier.Deactivate()
	if err := c.sched.Dispose(); err != nil {
		slog.Error("Scheduler dispose failed", logfields.Error(err))
	}
	c.feed.Stop()
	if c.httpServer != nil {
		c.httpServer.Stop(ctx)
	}
	if p, ok := c.presenter.(*notify.NATSPresenter); ok {
		p.Close()
	}
	if err := c.jrnl.Close(); err != nil {
		slog.Warn("Journal close failed", logfields.Error(err))
	}
	if err := c.devices.Close(); err != nil {
		slog.Warn("Device store close failed", logfields.Error(err))
	}

	close(c.stopChan)
	c.status.Store(StatusStopped)
	return nil
}

// onGuardTripped is the stale-instance teardown: stop every scheduled task
// this instance owns. It does not purge shared persisted state; when the
// trigger was a newer login, that state belongs to the newer instance.
func (c *Coordinator) onGuardTripped(reason guard.Reason) {
	slog.Warn("Self-teardown triggered", "reason", string(reason), logfields.Instance(c.instanceID))
	c.engine.Stop()
	c.verifier.Deactivate()
	c.feed.Stop()
	if err := c.sched.Dispose(); err != nil {
		slog.Error("Scheduler dispose failed during teardown", logfields.Error(err))
	}
	c.status.Store(StatusStopped)
}

// onSessionLost runs when the verifier confirms the session is gone:
// emergency teardown plus, after a bounded wait for the blocking notice to be
// acknowledged, the automatic navigation fallback.
func (c *Coordinator) onSessionLost() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.orchestrator.EmergencyLogout(ctx); err != nil {
			slog.Error("Emergency logout failed", logfields.Error(err))
		}
		time.AfterFunc(10*time.Second, c.signalNavReady)
	}()
}

func (c *Coordinator) signalNavReady() {
	select {
	case <-c.navReady:
		// already signaled
	default:
		close(c.navReady)
	}
}

// keepWarmProbe is the guard's best-effort transport warmup: a TCP dial to
// the remote host whose outcome is deliberately ignored.
func (c *Coordinator) keepWarmProbe(ctx context.Context) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.remoteHost)
	if err == nil {
		_ = conn.Close()
	}
}

// pollConnectivity dials the remote host and flips the online flag, emitting
// connection lost/restored notifications on transitions.
func (c *Coordinator) pollConnectivity(ctx context.Context) {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.remoteHost)
	nowOnline := err == nil
	if conn != nil {
		_ = conn.Close()
	}

	wasOnline := c.online.Swap(nowOnline)
	if wasOnline == nowOnline {
		return
	}
	if nowOnline {
		slog.Info("Connectivity restored", "remote", c.remoteHost)
		c.presenter.Show(notify.Event{
			Kind:    notify.KindConnectionRestore,
			Message: "Connection to the sync service restored",
		})
	} else {
		slog.Warn("Connectivity lost", "remote", c.remoteHost, logfields.Error(err))
		c.presenter.Show(notify.Event{
			Kind:    notify.KindConnectionLost,
			Message: "Connection to the sync service lost",
		})
	}
}

// monitorLocation checks the freshest reading on each location tick and
// forces a sync when movement already warrants an unconditional send, without
// waiting for the engine's next self-scheduled tick.
func (c *Coordinator) monitorLocation(ctx context.Context) {
	reading, err := c.feed.CurrentReading(ctx)
	if err != nil {
		return
	}
	state := c.engine.State()
	if !state.HasSent {
		return
	}
	delta := state.LastPosition.DistanceM(reading.Position)
	if delta < syncengine.ForceDeltaM && reading.SpeedMPS < telemetry.StationaryMaxSpeed {
		return
	}
	// Avoid hammering: respect the fastest cadence between forced syncs.
	if time.Since(state.LastSentAt) < c.cfg.Sync.FastInterval {
		return
	}
	c.engine.SyncOnce(ctx)
}

// heartbeat logs a liveness line once a minute.
func (c *Coordinator) heartbeat(ctx context.Context) {
	state := c.engine.State()
	slog.Info("Heartbeat",
		logfields.Instance(c.instanceID),
		logfields.Session(string(c.verifier.State())),
		logfields.Movement(string(state.Movement)),
		"online", c.online.Load(),
		"uptime", time.Since(c.startTime).Round(time.Second).String())
}

// watchdog flags silent sync stalls: a session believed active whose last
// send is far older than the current cadence should allow.
func (c *Coordinator) watchdog(ctx context.Context) {
	if c.verifier.State() != session.StateActive || !c.online.Load() {
		return
	}
	state := c.engine.State()
	if !state.HasSent {
		return
	}
	stall := 3*state.Interval + c.cfg.Sync.MaxSendAge
	if age := time.Since(state.LastSentAt); age > stall {
		slog.Warn("Watchdog: telemetry sends stalled",
			"last_send_age", age.Round(time.Second).String(),
			logfields.Interval(state.Interval))
	}
}

// applyConfig retunes scheduler periods from a reloaded configuration.
// Changes to endpoints and storage paths require a restart and are ignored.
func (c *Coordinator) applyConfig(cfg *config.Config) {
	updates := map[string]time.Duration{
		scheduler.ChannelSessionCheck:     cfg.Channels.SessionCheck,
		scheduler.ChannelHeartbeat:        cfg.Channels.Heartbeat,
		scheduler.ChannelWatchdog:         cfg.Channels.Watchdog,
		scheduler.ChannelConnectivityPoll: cfg.Channels.ConnectivityPoll,
		scheduler.ChannelLocationMonitor:  cfg.Channels.LocationMonitor,
		ChannelZombieGuard:                cfg.Guard.Interval,
	}
	for name, period := range updates {
		if err := c.sched.SetPeriod(name, period); err != nil {
			slog.Warn("Failed to retune channel", logfields.Channel(name), logfields.Error(err))
		}
	}
}
