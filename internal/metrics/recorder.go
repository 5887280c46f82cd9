package metrics

import "time"

// SendOutcome enumerates sync-engine send results for counters.
type SendOutcome string

const (
	SendSuccess SendOutcome = "success"
	SendFailed  SendOutcome = "failed"
	SendSkipped SendOutcome = "skipped"
	SendBlocked SendOutcome = "blocked" // verification refused the send
)

// Recorder defines observability hooks for the coordinator. Implementations
// may forward to Prometheus; the NoopRecorder allows optional injection.
type Recorder interface {
	IncSend(outcome SendOutcome)
	ObserveSendDuration(d time.Duration)
	IncVerification(result string) // result: active|lost|offline|inconclusive
	SetSessionActive(active bool)
	IncSoftFailure()
	IncLogoutPhase(phase string, ok bool)
	IncGuardTeardown(reason string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncSend(SendOutcome)              {}
func (NoopRecorder) ObserveSendDuration(time.Duration) {}
func (NoopRecorder) IncVerification(string)           {}
func (NoopRecorder) SetSessionActive(bool)            {}
func (NoopRecorder) IncSoftFailure()                  {}
func (NoopRecorder) IncLogoutPhase(string, bool)      {}
func (NoopRecorder) IncGuardTeardown(string)          {}
