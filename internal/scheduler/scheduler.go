// Package scheduler drives the coordinator's named periodic channels. Each
// channel is one gocron job that fans its ticks out to every registered
// subscriber. A failing subscriber never cancels the channel, never loses its
// registration and never shadows the other subscribers on the same tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
)

// Well-known channel names.
const (
	ChannelSessionCheck     = "session-check"
	ChannelHeartbeat        = "heartbeat"
	ChannelWatchdog         = "watchdog"
	ChannelConnectivityPoll = "connectivity-poll"
	ChannelLocationMonitor  = "location-monitor"
)

// Callback is invoked on every tick of a subscribed channel. The context is
// canceled when the scheduler is disposed; long-running callbacks should
// check it before mutating shared state.
type Callback func(ctx context.Context)

// Handle identifies one subscription for later removal. The zero Handle is
// valid to pass to RemoveChannel and removes nothing.
type Handle struct {
	channel string
	id      uuid.UUID
}

// String returns a loggable form of the handle.
func (h Handle) String() string {
	if h.id == uuid.Nil {
		return "<nil>"
	}
	return h.channel + "/" + h.id.String()
}

// ChannelSpec declares one periodic channel.
type ChannelSpec struct {
	Name   string
	Period time.Duration
}

// DefaultChannels returns the coordinator's standard channel set.
func DefaultChannels() []ChannelSpec {
	return []ChannelSpec{
		{Name: ChannelSessionCheck, Period: 10 * time.Second},
		{Name: ChannelHeartbeat, Period: 60 * time.Second},
		{Name: ChannelWatchdog, Period: 60 * time.Second},
		{Name: ChannelConnectivityPoll, Period: 10 * time.Second},
		{Name: ChannelLocationMonitor, Period: 5 * time.Second},
	}
}

type channelState struct {
	spec        ChannelSpec
	job         gocron.Job
	subscribers map[uuid.UUID]Callback
}

// Scheduler multiplexes N independently configured periodic channels.
type Scheduler struct {
	mu          sync.Mutex
	scheduler   gocron.Scheduler
	channels    map[string]*channelState
	initialized bool
	disposed    bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a scheduler with the given channel set.
func New(specs []ChannelSpec) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: gs,
		channels:  make(map[string]*channelState),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("channel name must not be empty")
		}
		if spec.Period <= 0 {
			return nil, fmt.Errorf("channel %s: period must be positive", spec.Name)
		}
		if _, dup := s.channels[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate channel name %s", spec.Name)
		}
		s.channels[spec.Name] = &channelState{
			spec:        spec,
			subscribers: make(map[uuid.UUID]Callback),
		}
	}
	return s, nil
}

// Initialize creates the underlying jobs and starts ticking. A second call is
// a no-op, as is a call after Dispose.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized || s.disposed {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	for name, ch := range s.channels {
		name := name
		job, err := s.scheduler.NewJob(
			gocron.DurationJob(ch.spec.Period),
			gocron.NewTask(func() { s.dispatch(name) }),
			gocron.WithName(name),
		)
		if err != nil {
			return fmt.Errorf("failed to create channel job %s: %w", name, err)
		}
		ch.job = job
	}

	s.scheduler.Start()
	s.initialized = true
	slog.Info("Task scheduler started", "channels", len(s.channels))
	return nil
}

// OnChannel registers a subscriber on a named channel and returns a handle
// for later removal.
func (s *Scheduler) OnChannel(name string, cb Callback) (Handle, error) {
	if cb == nil {
		return Handle{}, fmt.Errorf("callback must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return Handle{}, fmt.Errorf("scheduler is disposed")
	}
	ch, ok := s.channels[name]
	if !ok {
		return Handle{}, fmt.Errorf("unknown channel %s", name)
	}

	h := Handle{channel: name, id: uuid.New()}
	ch.subscribers[h.id] = cb
	slog.Debug("Channel subscriber registered", logfields.Channel(name), logfields.Handle(h.String()))
	return h, nil
}

// RemoveChannel unregisters a subscription. Unknown or already-removed
// handles are a no-op.
func (s *Scheduler) RemoveChannel(h Handle) {
	if h.id == uuid.Nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[h.channel]
	if !ok {
		return
	}
	delete(ch.subscribers, h.id)
}

// SetPeriod retunes a channel's period at runtime (config hot reload).
func (s *Scheduler) SetPeriod(name string, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[name]
	if !ok {
		return fmt.Errorf("unknown channel %s", name)
	}
	if ch.spec.Period == period {
		return nil
	}
	ch.spec.Period = period

	if !s.initialized || s.disposed {
		return nil
	}

	job, err := s.scheduler.Update(
		ch.job.ID(),
		gocron.DurationJob(period),
		gocron.NewTask(func() { s.dispatch(name) }),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("failed to retune channel %s: %w", name, err)
	}
	ch.job = job
	slog.Info("Channel period updated", logfields.Channel(name), logfields.Interval(period))
	return nil
}

// dispatch fans a tick out to every subscriber of the channel. Subscribers
// run sequentially on the job goroutine; a panic in one is recovered and
// logged without touching the others.
func (s *Scheduler) dispatch(name string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	ch, ok := s.channels[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	cbs := make([]Callback, 0, len(ch.subscribers))
	for _, cb := range ch.subscribers {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		s.invoke(ctx, name, cb)
	}
}

func (s *Scheduler) invoke(ctx context.Context, name string, cb Callback) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Channel subscriber panicked",
				logfields.Channel(name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	cb(ctx)
}

// SubscriberCount returns the number of subscribers on a channel (0 for
// unknown channels).
func (s *Scheduler) SubscriberCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	if !ok {
		return 0
	}
	return len(ch.subscribers)
}

// ActiveChannels returns the number of channels still scheduled. Zero after
// Dispose.
func (s *Scheduler) ActiveChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.disposed {
		return 0
	}
	return len(s.channels)
}

// Dispose cancels every channel's schedule and clears all subscriber lists.
// Idempotent; safe to call before Initialize.
func (s *Scheduler) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil
	}
	s.disposed = true

	if s.cancel != nil {
		s.cancel()
	}
	for _, ch := range s.channels {
		ch.subscribers = make(map[uuid.UUID]Callback)
		ch.job = nil
	}

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	slog.Info("Task scheduler disposed")
	return nil
}
