// Package telemetry consumes the photon-count stream: it tracks a read
// cursor into the monitor's append-only feed, filters untrimmed samples,
// derives detection efficiencies, and publishes the latest snapshot for
// non-blocking reads.
package telemetry

import "math"

// Counts is the derived 6-field snapshot payload published to readers.
type Counts struct {
	AliceSingles    int64   `json:"alice_singles"`
	AliceEfficiency float64 `json:"alice_efficiency"`
	BobSingles      int64   `json:"bob_singles"`
	BobEfficiency   float64 `json:"bob_efficiency"`
	Coincidences    int64   `json:"coincidences"`
	JointEfficiency float64 `json:"joint_efficiency"`
}

// Derive computes the efficiency triple from raw counters. The zero guards
// are part of the contract: a zero singles count on either side yields 0 for
// the dependent efficiency instead of a division fault.
func Derive(aliceSingles, bobSingles, coincidences int64) Counts {
	c := Counts{
		AliceSingles: aliceSingles,
		BobSingles:   bobSingles,
		Coincidences: coincidences,
	}
	if bobSingles > 0 {
		c.AliceEfficiency = round1(100 * float64(coincidences) / float64(bobSingles))
	}
	if aliceSingles > 0 {
		c.BobEfficiency = round1(100 * float64(coincidences) / float64(aliceSingles))
	}
	if aliceSingles > 0 && bobSingles > 0 {
		c.JointEfficiency = round1(100 * float64(coincidences) / math.Sqrt(float64(aliceSingles)*float64(bobSingles)))
	}
	return c
}

// round1 rounds to one decimal place.
func round1(x float64) float64 {
	return math.Round(x*10) / 10
}
