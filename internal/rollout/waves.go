package rollout

import (
	"fmt"
	"math"
)

// DefaultFractions are the cumulative shares of the fleet reached after
// each wave. The first wave is the canary.
var DefaultFractions = []float64{0.10, 0.50, 1.00}

type wave struct {
	stage  Stage
	lo, hi int // node indices [lo, hi)
}

func (w wave) size() int { return w.hi - w.lo }

// StageFor names the stage that brings the rollout to fraction f of the
// fleet, e.g. stage_10 for 0.10.
func StageFor(f float64) Stage {
	return Stage(fmt.Sprintf("stage_%d", int(math.Round(f*100))))
}

// Boundaries returns the cumulative end index of every wave:
// max(1, ceil(total*f)), capped at total.
func Boundaries(total int, fractions []float64) []int {
	out := make([]int, len(fractions))
	for i, f := range fractions {
		b := int(math.Ceil(float64(total) * f))
		out[i] = min(max(1, b), total)
	}
	return out
}

// plan partitions total nodes into cumulative waves. Waves that would
// be empty, as happens for very small fleets, are left out.
func plan(total int, fractions []float64) []wave {
	var waves []wave
	lo := 0
	for i, hi := range Boundaries(total, fractions) {
		if hi <= lo {
			continue
		}
		waves = append(waves, wave{stage: StageFor(fractions[i]), lo: lo, hi: hi})
		lo = hi
	}
	return waves
}
