package retry

import (
	"context"
	"time"
)

// Verdict is the outcome of a single confirmation probe.
type Verdict int

const (
	// VerdictConfirmed means the probe agrees with the suspected condition.
	VerdictConfirmed Verdict = iota
	// VerdictRefuted means the probe contradicts it; stop immediately and
	// treat the original observation as transient.
	VerdictRefuted
	// VerdictInconclusive means the probe could not decide (timeout, generic
	// network failure). Continue probing; if attempts run out the overall
	// result is inconclusive, not confirmed.
	VerdictInconclusive
)

// Outcome summarizes a Confirm run.
type Outcome struct {
	Verdict  Verdict
	Attempts int // probes actually executed
}

// Confirm re-probes a suspected condition before acting on it. The schedule
// gives the pause before each probe; probe #1 runs after schedule[0], and a
// schedule shorter than the probe count reuses its last entry.
//
// The condition is only confirmed when every executed probe returns
// VerdictConfirmed. A single VerdictRefuted short-circuits. Context
// cancellation yields VerdictInconclusive so callers never mistake shutdown
// for confirmation.
func Confirm(ctx context.Context, probes int, schedule []time.Duration, probe func(context.Context) Verdict) Outcome {
	if probes <= 0 {
		return Outcome{Verdict: VerdictConfirmed}
	}

	sawInconclusive := false
	for i := 0; i < probes; i++ {
		delay := time.Duration(0)
		if len(schedule) > 0 {
			if i < len(schedule) {
				delay = schedule[i]
			} else {
				delay = schedule[len(schedule)-1]
			}
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Outcome{Verdict: VerdictInconclusive, Attempts: i}
			}
		}

		switch probe(ctx) {
		case VerdictRefuted:
			return Outcome{Verdict: VerdictRefuted, Attempts: i + 1}
		case VerdictInconclusive:
			sawInconclusive = true
		}
	}

	if sawInconclusive {
		return Outcome{Verdict: VerdictInconclusive, Attempts: probes}
	}
	return Outcome{Verdict: VerdictConfirmed, Attempts: probes}
}

// ConfirmWithPolicy runs Confirm using a backoff Policy to derive the probe
// schedule. Probe #n waits Policy.Delay(n).
func ConfirmWithPolicy(ctx context.Context, p Policy, probe func(context.Context) Verdict) Outcome {
	schedule := make([]time.Duration, 0, p.MaxRetries)
	for i := 1; i <= p.MaxRetries; i++ {
		schedule = append(schedule, p.Delay(i))
	}
	return Confirm(ctx, p.MaxRetries, schedule, probe)
}
