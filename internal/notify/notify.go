// Package notify delivers fire-and-forget user-facing session events. The
// coordinator never waits on a presenter and never fails an operation because
// presentation failed.
package notify

import "time"

// Kind identifies the event being presented.
type Kind string

const (
	KindConnectionLost    Kind = "connection_lost"
	KindConnectionRestore Kind = "connection_restored"
	KindSessionTerminated Kind = "session_terminated"
	KindSyncDegraded      Kind = "sync_degraded" // soft-failure threshold reached
)

// Event is one presentation request.
type Event struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Blocking  bool      `json:"blocking"` // terminated sessions present a blocking notice
	Timestamp time.Time `json:"timestamp"`
}

// Presenter receives show calls for transitions. Internals (rendering,
// acknowledgement) are out of scope for the coordinator.
type Presenter interface {
	Show(ev Event)
}

// NoopPresenter discards all events.
type NoopPresenter struct{}

func (NoopPresenter) Show(Event) {}
