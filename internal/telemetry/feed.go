package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/fieldtrack/internal/logfields"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	readTimeout        = 90 * time.Second
)

// Feed is a Provider backed by the local sensor hub's websocket endpoint.
// It keeps the most recent reading and fans push updates out to subscribers.
// The connection loop reconnects with capped exponential backoff; a dead
// feed degrades CurrentReading into a stale-reading error rather than
// blocking callers.
type Feed struct {
	url string

	mu      sync.RWMutex
	latest  Reading
	hasData bool
	subs    map[int]func(Reading)
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a feed for the given websocket URL. Call Start before use.
func NewFeed(url string) *Feed {
	return &Feed{
		url:  url,
		subs: make(map[int]func(Reading)),
	}
}

// Start launches the connection loop. It returns immediately; readings become
// available once the first message arrives.
func (f *Feed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop terminates the connection loop and waits for it to exit.
func (f *Feed) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)

	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			slog.Debug("Telemetry feed dial failed", "url", f.url, logfields.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay
		slog.Info("Telemetry feed connected", "url", f.url)

		f.readLoop(ctx, conn)
		conn.Close()
	}
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadJSON when the context is canceled.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var r Reading
		if err := conn.ReadJSON(&r); err != nil {
			if ctx.Err() == nil {
				slog.Warn("Telemetry feed read failed, reconnecting", logfields.Error(err))
			}
			return
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		f.publish(r)
	}
}

func (f *Feed) publish(r Reading) {
	f.mu.Lock()
	f.latest = r
	f.hasData = true
	subs := make([]func(Reading), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(r)
	}
}

// CurrentReading returns the freshest reading seen on the feed.
func (f *Feed) CurrentReading(ctx context.Context) (Reading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.hasData {
		return Reading{}, fmt.Errorf("no telemetry reading available yet")
	}
	return f.latest, nil
}

// Subscribe registers a push callback and returns its cancel func.
func (f *Feed) Subscribe(fn func(Reading)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}
