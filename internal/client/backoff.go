package client

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the reconnect delay curve. The zero value is not
// usable; call DefaultBackoff or fill every field.
type BackoffConfig struct {
	Base         time.Duration // delay before the first retry
	Max          time.Duration // ceiling for the doubled delay
	JitterFactor float64       // fraction of the delay randomized, 0..1
	MaxAttempts  int           // 0 means retry forever
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Base:         time.Second,
		Max:          30 * time.Second,
		JitterFactor: 0.2,
		MaxAttempts:  0,
	}
}

// BaseDelay returns the un-jittered delay for the given retry attempt,
// counted from zero: Base doubled attempt times, clamped at Max.
func (b BackoffConfig) BaseDelay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Delay returns BaseDelay spread by the jitter factor so that a fleet of
// clients dropped at once does not reconnect in lockstep.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	d := b.BaseDelay(attempt)
	if b.JitterFactor <= 0 {
		return d
	}
	spread := float64(d) * b.JitterFactor
	jitter := (rand.Float64()*2 - 1) * spread
	out := time.Duration(float64(d) + jitter)
	if out < 0 {
		return 0
	}
	return out
}
