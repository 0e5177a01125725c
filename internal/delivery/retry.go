package delivery

import (
	"math/rand/v2"
	"time"
)

// retryDelay returns the wait before attempt+1. attempt starts at 1.
//
// Exponential backoff base*2^(attempt-1) with 0.7..1.3 jitter, capped at
// RetryMaxDelay. A destination hint (Retry-After) raises the floor.
func retryDelay(cfg Config, attempt int, hint time.Duration) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if hint > d {
		d = hint
	}
	if d > maxD {
		d = maxD
	}
	if d < 0 {
		return 0
	}
	return d
}
