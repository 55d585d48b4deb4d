package session

import (
	"math"
	"time"
)

// backoffDelay computes the wait before reconnect attempt number retries
// (1-based) as base^retries, capped at max. With the default 5s base the
// ladder is 5s, 25s, 2m5s and then the cap. Bases under a second would make
// the ladder shrink instead of grow, so they are clamped to one second.
func backoffDelay(base, max time.Duration, retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	if base < time.Second {
		base = time.Second
	}

	seconds := math.Pow(base.Seconds(), float64(retries))
	if seconds >= max.Seconds() {
		return max
	}
	return time.Duration(seconds * float64(time.Second))
}
