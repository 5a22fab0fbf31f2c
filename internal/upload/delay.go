package upload

import "time"

// DelayConfig controls the pause between upload ticks.
type DelayConfig struct {
	Initial    time.Duration
	Min        time.Duration
	Max        time.Duration
	ChangeRate float64
}

// Delay moves multiplicatively by ChangeRate between Min and Max. It is
// not safe for concurrent use; the scheduler owns it.
type Delay struct {
	current time.Duration
	cfg     DelayConfig
}

func NewDelay(cfg DelayConfig) *Delay {
	return &Delay{current: cfg.Initial, cfg: cfg}
}

func (d *Delay) Current() time.Duration {
	return d.current
}

func (d *Delay) Decrease() {
	next := time.Duration(float64(d.current) * (1 - d.cfg.ChangeRate))
	d.clamp(next)
}

func (d *Delay) Increase() {
	next := time.Duration(float64(d.current) * (1 + d.cfg.ChangeRate))
	d.clamp(next)
}

// clamp keeps the delay within [Min, Max]. Initial may start outside the
// range; the first adjustment brings it back.
func (d *Delay) clamp(next time.Duration) {
	d.current = min(d.cfg.Max, max(d.cfg.Min, next))
}
