// Package telemetry defines device readings, movement classification and the
// provider contract for acquiring readings. Classification is a pure function
// of speed so the sync engine's cadence decisions stay deterministic and
// testable.
package telemetry

import (
	"context"
	"math"
	"time"
)

// Movement tier speed thresholds in m/s. These are the single canonical pair
// used everywhere; a reading below StationaryMaxSpeed is stationary, at or
// above FastMinSpeed is fast, anything between is moving.
const (
	StationaryMaxSpeed = 0.5
	FastMinSpeed       = 2.5
)

// MovementTier classifies current speed.
type MovementTier string

const (
	TierStationary MovementTier = "stationary"
	TierMoving     MovementTier = "moving"
	TierFast       MovementTier = "fast"
)

// Classify maps a speed in m/s onto a movement tier. Negative speeds are
// treated as stationary; sensors occasionally report small negative values
// while settling.
func Classify(speedMPS float64) MovementTier {
	switch {
	case speedMPS < StationaryMaxSpeed:
		return TierStationary
	case speedMPS < FastMinSpeed:
		return TierMoving
	default:
		return TierFast
	}
}

// DefaultInterval returns the canonical send interval for a tier:
// stationary 30s, moving 15s, fast 5s.
func (t MovementTier) DefaultInterval() time.Duration {
	switch t {
	case TierFast:
		return 5 * time.Second
	case TierMoving:
		return 15 * time.Second
	default:
		return 30 * time.Second
	}
}

// Position is a WGS84 coordinate pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// earthRadiusM is the mean earth radius used for distance computation.
const earthRadiusM = 6371000.0

// DistanceM returns the great-circle distance in meters between p and other.
func (p Position) DistanceM(other Position) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	dLat := (other.Lat - p.Lat) * math.Pi / 180
	dLon := (other.Lon - p.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// Reading is a single telemetry sample from the provider.
type Reading struct {
	Position   Position  `json:"position"`
	SpeedMPS   float64   `json:"speed_mps"`
	PowerLevel int       `json:"power_level"` // percent, 0-100
	SignalTier int       `json:"signal_tier"` // 0 (none) .. 4 (excellent)
	Timestamp  time.Time `json:"timestamp"`
}

// Payload is the wire shape of a transmitted reading. Coordinates are rounded
// to ~1m precision (5 decimal places) and speed to one decimal so identical
// physical states produce identical payloads.
type Payload struct {
	Position     Position     `json:"position"`
	SpeedMPS     float64      `json:"speed_mps"`
	PowerLevel   int          `json:"power_level"`
	SignalTier   int          `json:"signal_tier"`
	MovementTier MovementTier `json:"movement_tier"`
	Timestamp    time.Time    `json:"timestamp"`
}

// roundTo rounds v to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}

// BuildPayload converts a reading into its transmit payload.
func BuildPayload(r Reading) Payload {
	return Payload{
		Position: Position{
			Lat: roundTo(r.Position.Lat, 5),
			Lon: roundTo(r.Position.Lon, 5),
		},
		SpeedMPS:     roundTo(r.SpeedMPS, 1),
		PowerLevel:   r.PowerLevel,
		SignalTier:   r.SignalTier,
		MovementTier: Classify(r.SpeedMPS),
		Timestamp:    r.Timestamp,
	}
}

// Provider supplies telemetry readings. CurrentReading returns the freshest
// sample; Subscribe delivers push updates and returns an unsubscribe func.
type Provider interface {
	CurrentReading(ctx context.Context) (Reading, error)
	Subscribe(fn func(Reading)) (cancel func())
}
