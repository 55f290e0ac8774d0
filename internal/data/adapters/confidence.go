package adapters

import "time"

// Base confidence by transport. Streams beat polls because they carry
// venue timestamps and arrive inside the freshness window.
const (
	BaseWSConfidence   = 0.95
	BaseRESTConfidence = 0.85
)

// Confidence bounds: never fully certain, never zero while the tick is
// still usable, since downstream weighting divides by the sum of scores.
const (
	minConfidence = 0.10
	maxConfidence = 0.99
)

// ScoreTick derives a per-tick quality score from the transport base,
// the quoted spread, the liquidity signal, and how old the tick already
// was when the venue shipped it.
//
// Penalties: wide spreads up to -0.30 (3 bps per point over mid),
// missing quotes a flat -0.05, no volume signal -0.02, and staleness
// past 500 ms up to -0.25 at ten seconds.
func ScoreTick(base, bid, ask, volume float64, age time.Duration) float64 {
	score := base

	if bid > 0 && ask > bid {
		mid := (bid + ask) / 2
		spreadBps := (ask - bid) / mid * 10_000
		penalty := spreadBps / 1000
		if penalty > 0.30 {
			penalty = 0.30
		}
		score -= penalty
	} else {
		score -= 0.05
	}

	if volume <= 0 {
		score -= 0.02
	}

	if age > 500*time.Millisecond {
		penalty := float64(age-500*time.Millisecond) / float64(10*time.Second) * 0.25
		if penalty > 0.25 {
			penalty = 0.25
		}
		score -= penalty
	}

	if score < minConfidence {
		return minConfidence
	}
	if score > maxConfidence {
		return maxConfidence
	}
	return score
}
