package syncengine

import (
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/telemetry"
)

// Distance thresholds in meters for the smart-filtering rule.
const (
	// MinDeltaM is the positional delta below which a send may be skipped.
	MinDeltaM = 5.0
	// ForceDeltaM is the positional delta that unconditionally forces a send.
	ForceDeltaM = 10.0
)

// SyncState tracks the last confirmed transmission. It is mutated only after
// a transmission fully succeeds, so a failed send never poisons the filter.
type SyncState struct {
	LastPosition telemetry.Position
	LastPower    int
	LastSignal   int
	LastSentAt   time.Time
	Interval     time.Duration
	Movement     telemetry.MovementTier
	HasSent      bool
}

// Intervals maps movement tiers onto send cadences.
type Intervals struct {
	Stationary time.Duration
	Moving     time.Duration
	Fast       time.Duration
}

// DefaultIntervals returns the canonical cadences (30s/15s/5s).
func DefaultIntervals() Intervals {
	return Intervals{
		Stationary: telemetry.TierStationary.DefaultInterval(),
		Moving:     telemetry.TierMoving.DefaultInterval(),
		Fast:       telemetry.TierFast.DefaultInterval(),
	}
}

// For returns the cadence for a movement tier. Pure.
func (iv Intervals) For(tier telemetry.MovementTier) time.Duration {
	switch tier {
	case telemetry.TierFast:
		return iv.Fast
	case telemetry.TierMoving:
		return iv.Moving
	default:
		return iv.Stationary
	}
}

// ShouldSend is the smart-filtering rule. It skips a transmission only when
// all of these hold: positional delta under MinDeltaM, power and signal
// unchanged, silence shorter than maxAge, and speed below the moving
// threshold. A delta at or above ForceDeltaM or speed at or above the moving
// threshold forces a send regardless of elapsed time.
//
// The returned reason names the rule that decided, for logs and journal.
func ShouldSend(state SyncState, r telemetry.Reading, now time.Time, maxAge time.Duration) (bool, string) {
	if !state.HasSent {
		return true, "first_send"
	}

	delta := state.LastPosition.DistanceM(r.Position)
	if delta >= ForceDeltaM {
		return true, "moved"
	}
	if r.SpeedMPS >= telemetry.StationaryMaxSpeed {
		return true, "in_motion"
	}
	if delta >= MinDeltaM {
		return true, "position_delta"
	}
	if r.PowerLevel != state.LastPower || r.SignalTier != state.LastSignal {
		return true, "status_changed"
	}
	if now.Sub(state.LastSentAt) >= maxAge {
		return true, "max_age"
	}
	return false, "unchanged"
}
