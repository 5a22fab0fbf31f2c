package telemetry

import "math/rand"

type Sampler interface {
	Sample() bool
}

// RateSampler keeps roughly percent out of every hundred events.
type RateSampler struct {
	percent float64
}

func NewRateSampler(percent float64) RateSampler {
	return RateSampler{percent: min(max(percent, 0), 100)}
}

func (s RateSampler) Sample() bool {
	switch {
	case s.percent >= 100:
		return true
	case s.percent <= 0:
		return false
	default:
		return rand.Float64()*100 < s.percent
	}
}
