// Package dbtime normalizes timestamps before they reach Postgres,
// which stores them with microsecond precision. Rounding on the way in
// keeps a value read back equal to the value written, so last-seen
// comparisons and coalescing windows agree on both sides of a round
// trip.
package dbtime

import "time"

// Now returns the current UTC time at the precision Postgres stores.
func Now() time.Time {
	return Time(time.Now().UTC())
}

// Time rounds t to microsecond precision.
func Time(t time.Time) time.Time {
	return t.Round(time.Microsecond)
}
