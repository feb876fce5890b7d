// Package drift keeps a client close to the master's timeline by nudging
// playback speed instead of seeking. All positions are milliseconds.
package drift

import "time"

// Reference is the last state the master reported for its own timeline,
// stamped in the client's clock domain.
type Reference struct {
	Position int64
	At       time.Time
	Playing  bool
}

// Expected returns the position the master would have at now: frozen while
// paused, advancing in real time while playing.
func Expected(ref Reference, now time.Time) int64 {
	if !ref.Playing {
		return ref.Position
	}
	return ref.Position + now.Sub(ref.At).Milliseconds()
}

// Compute returns local − expected. Positive means the client is ahead of the
// master, negative behind.
func Compute(local int64, ref Reference, now time.Time) int64 {
	return local - Expected(ref, now)
}

// Corrector maps a drift sample to a playback-speed decision. Small drift is
// absorbed by a bounded rate adjustment that would converge over RampWindow;
// drift beyond SeekThreshold is too large for a reasonable ramp and falls
// back to a direct seek.
type Corrector struct {
	Tolerance     int64 // drift below this is left alone
	SeekThreshold int64 // drift beyond this seeks instead of ramping
	RampWindow    int64 // target convergence horizon for the speed nudge
	MinRate       float64
	MaxRate       float64
}

// NewCorrector returns a corrector with the default band: ±100 ms dead zone,
// 3 s seek fallback, convergence over 5 s, rates clamped to 0.5×–2.0×.
func NewCorrector() *Corrector {
	return &Corrector{
		Tolerance:     100,
		SeekThreshold: 3000,
		RampWindow:    5000,
		MinRate:       0.5,
		MaxRate:       2.0,
	}
}

// Decide returns the rate to apply for the given drift, and whether the
// caller should seek instead. Within tolerance the rate is exactly 1.0.
func (c *Corrector) Decide(drift int64) (rate float64, seek bool) {
	if drift >= -c.Tolerance && drift <= c.Tolerance {
		return 1.0, false
	}
	if drift < -c.SeekThreshold || drift > c.SeekThreshold {
		return 1.0, true
	}
	// A client behind (negative drift) runs slightly fast, ahead slightly
	// slow, sized to close the gap over RampWindow.
	rate = 1.0 - float64(drift)/float64(c.RampWindow)
	if rate < c.MinRate {
		rate = c.MinRate
	}
	if rate > c.MaxRate {
		rate = c.MaxRate
	}
	return rate, false
}
