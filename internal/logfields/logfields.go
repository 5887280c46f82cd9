package logfields

import (
	"log/slog"
	"time"
)

// Canonical log field name constants to avoid drift across packages.
const (
	KeyChannel    = "channel"
	KeyHandle     = "handle"
	KeyTenant     = "tenant"
	KeyPhase      = "phase"
	KeyAttempt    = "attempt"
	KeyIntervalMS = "interval_ms"
	KeyDurationMS = "duration_ms"
	KeyMovement   = "movement"
	KeySession    = "session_state"
	KeyInstance   = "instance_id"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Channel(name string) slog.Attr  { return slog.String(KeyChannel, name) }
func Handle(id string) slog.Attr     { return slog.String(KeyHandle, id) }
func Tenant(code string) slog.Attr   { return slog.String(KeyTenant, code) }
func Phase(name string) slog.Attr    { return slog.String(KeyPhase, name) }
func Attempt(n int) slog.Attr        { return slog.Int(KeyAttempt, n) }
func Movement(tier string) slog.Attr { return slog.String(KeyMovement, tier) }
func Session(state string) slog.Attr { return slog.String(KeySession, state) }
func Instance(id string) slog.Attr   { return slog.String(KeyInstance, id) }

func Interval(d time.Duration) slog.Attr {
	return slog.Int64(KeyIntervalMS, d.Milliseconds())
}

func DurationMS(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMS, float64(d.Microseconds())/1000.0)
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
