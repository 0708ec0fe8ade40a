package ensemble

import (
	"math/rand"
	"time"
)

// Delay computes the backoff before retry attempt attemptIndex (zero-based):
// base * 2^attemptIndex, scaled by a jitter factor drawn uniformly from
// [0.5, 1.0) so concurrently retrying adapters do not reconnect in lockstep.
func Delay(attemptIndex int, base time.Duration) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	d := float64(base) * float64(uint64(1)<<uint(attemptIndex))
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}
