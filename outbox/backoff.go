package outbox

import (
	"math"
	"math/rand"
	"time"
)

// NextDelay computes the delay before the next delivery attempt using
// exponential backoff with jitter: 2^attemptCount * baseSeconds plus a
// uniform random fraction of a second, clamped to capSeconds. The jitter
// prevents many edge nodes from retrying in lockstep against a degraded
// cloud endpoint.
func NextDelay(attemptCount int, baseSeconds int, capSeconds int) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	exponential := math.Pow(2, float64(attemptCount)) * float64(baseSeconds)
	jitter := rand.Float64() // [0, 1) seconds
	delay := time.Duration((exponential + jitter) * float64(time.Second))
	ceiling := time.Duration(capSeconds) * time.Second
	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

// NextAttemptAt returns the earliest instant at which the entry becomes
// eligible for claiming again.
func NextAttemptAt(now time.Time, attemptCount int, baseSeconds int, capSeconds int) time.Time {
	return now.Add(NextDelay(attemptCount, baseSeconds, capSeconds))
}
