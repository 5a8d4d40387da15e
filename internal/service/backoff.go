package service

import (
	"math"
	"time"
)

const maxBackoffDelay = 24 * time.Hour

// BackoffPolicy computes the wait before retry pass k as Base^k units.
type BackoffPolicy struct {
	Base float64
	Unit time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 2, Unit: time.Second}
}

// Delay returns Base^attempt units, capped at one day. There is no jitter,
// so delays never decrease from one attempt to the next.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base < 1 {
		base = 1
	}
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}

	delay := math.Pow(base, float64(attempt)) * float64(unit)
	if math.IsInf(delay, 0) || delay >= float64(maxBackoffDelay) {
		return maxBackoffDelay
	}
	return time.Duration(delay)
}
