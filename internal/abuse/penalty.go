package abuse

import (
	"time"

	"safe-code-runner/internal/config"
)

// Penalty turns a violation count into a block duration: nothing below
// Threshold, then Base doubled for every violation past it, never above Cap.
type Penalty struct {
	Threshold uint64
	Base      time.Duration
	Cap       time.Duration
}

func PenaltyFromConfig(cfg config.ViolationConfig) Penalty {
	return Penalty{Threshold: cfg.Threshold, Base: cfg.BaseBlock, Cap: cfg.MaxBlock}
}

func (p Penalty) BlockFor(count uint64) time.Duration {
	if p.Threshold == 0 || count < p.Threshold || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := count - p.Threshold; i > 0 && d < p.Cap; i-- {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}
