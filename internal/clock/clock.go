// Package clock computes the engine's compromise timestamp between a
// venue-reported time and local wall time.
package clock

import "math"

// UnifiedTimestamp returns round((venueTs+localTs)/2) when venueTs is
// present, and localTs otherwise. Both arguments and the result are unix
// milliseconds. venueTs == nil models "absent" (int64 has no NaN/Inf, so
// presence is the only thing left to check).
func UnifiedTimestamp(venueTs *int64, localTs int64) int64 {
	if venueTs == nil {
		return localTs
	}
	avg := (float64(*venueTs) + float64(localTs)) / 2
	return int64(math.Round(avg))
}
